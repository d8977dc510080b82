// Package wasi is the concrete, wazero-backed implementation of
// guestcall.Callable: a compiled WebAssembly/WASI module whose Execute
// pipes JSON-encoded arguments over stdin and reads a JSON-encoded result
// back over stdout, deny-by-default (no filesystem, no network, no
// ambient authority — only stdin/stdout/stderr are wired). Adapted from
// the teacher's wasi_sandbox.go/sandbox.go pair: the core only depends on
// pkg/guestcall's Callable interface, and this package is the one concrete
// implementation extensions register API/Hook/Service callables against.
package wasi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Error codes for sandbox limit violations, matching the teacher's
// ERR_COMPUTE_* family.
const (
	ErrComputeTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	ErrComputeMemoryExhausted = "ERR_COMPUTE_MEMORY_EXHAUSTED"
	ErrComputeOutputExhausted = "ERR_COMPUTE_OUTPUT_EXHAUSTED"
)

// OutputMaxBytes bounds combined stdout+stderr per call.
const OutputMaxBytes = 1024 * 1024

// SandboxError is a deterministic, typed error for sandbox limit
// violations, distinct from guestcall.GuestError (a guest-thrown
// application error) and from dispatcher-internal failures.
type SandboxError struct {
	Code    string
	Message string
}

func (e *SandboxError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Config bounds one module's resource use.
type Config struct {
	MemoryLimitBytes int64
	CPUTimeLimit     time.Duration
	OutputMaxBytes   int
}

// DefaultConfig returns conservative defaults: 16MiB, 5s, 1MiB output.
func DefaultConfig() Config {
	return Config{
		MemoryLimitBytes: 16 * 1024 * 1024,
		CPUTimeLimit:     5 * time.Second,
		OutputMaxBytes:   OutputMaxBytes,
	}
}

func memoryLimitPages(bytesLimit int64) uint32 {
	if bytesLimit <= 0 {
		return 0
	}
	pages := uint32(bytesLimit / (64 * 1024))
	if pages == 0 {
		pages = 1
	}
	return pages
}

func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}

// Module is one compiled WASM/WASI guest module, instantiated fresh per
// Execute call so concurrent calls never share linear memory.
type Module struct {
	name     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	cfg      Config
}

// Compile instantiates a wazero runtime with deny-by-default WASI wiring
// and compiles wasmBytes once; Execute reuses the compiled module for every
// call. name becomes the Callable's identity and the module's debug name.
func Compile(ctx context.Context, name string, wasmBytes []byte, cfg Config) (*Module, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if pages := memoryLimitPages(cfg.MemoryLimitBytes); pages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasi: instantiate WASI snapshot: %w", err)
	}

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasi: compile module %q: %w", name, err)
	}

	return &Module{name: name, runtime: r, compiled: compiled, cfg: cfg}, nil
}

// Execute marshals args to JSON, runs the module with that JSON on stdin,
// and unmarshals stdout as the JSON-serializable result. A non-empty
// stderr is folded into the returned error so guest diagnostics are never
// silently dropped. A module that does not export _start is rejected.
func (m *Module) Execute(ctx context.Context, args any) (any, error) {
	if _, ok := m.compiled.ExportedFunctions()["_start"]; !ok {
		return nil, fmt.Errorf("wasi: module %q does not export _start", m.name)
	}
	input, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("wasi: marshal args: %w", err)
	}

	execCtx := ctx
	if m.cfg.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, m.cfg.CPUTimeLimit)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(m.name).
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions("_start")

	mod, err := m.runtime.InstantiateModule(execCtx, m.compiled, modCfg)
	if err != nil {
		if execCtx.Err() != nil {
			return nil, &SandboxError{Code: ErrComputeTimeExhausted,
				Message: fmt.Sprintf("execution exceeded time limit (%s)", m.cfg.CPUTimeLimit)}
		}
		if isMemoryError(err) {
			return nil, &SandboxError{Code: ErrComputeMemoryExhausted,
				Message: fmt.Sprintf("execution exceeded memory limit (%d bytes)", m.cfg.MemoryLimitBytes)}
		}
		return nil, fmt.Errorf("wasi: instantiate %q: %w", m.name, err)
	}
	defer func() { _ = mod.Close(execCtx) }()

	limit := m.cfg.OutputMaxBytes
	if limit <= 0 {
		limit = OutputMaxBytes
	}
	if total := stdout.Len() + stderr.Len(); total > limit {
		return nil, &SandboxError{Code: ErrComputeOutputExhausted,
			Message: fmt.Sprintf("output size %d exceeds limit %d", total, limit)}
	}
	if stderr.Len() > 0 {
		return nil, fmt.Errorf("wasi: %q wrote to stderr: %s", m.name, stderr.String())
	}

	if stdout.Len() == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("wasi: unmarshal result from %q: %w", m.name, err)
	}
	return result, nil
}

// Identity returns the module's registered name, stable across calls.
func (m *Module) Identity() any { return m.name }

// Close releases the wazero runtime and everything compiled against it.
func (m *Module) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}
