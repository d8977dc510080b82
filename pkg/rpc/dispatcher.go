package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tapestry-hosting/tapestry/pkg/guestcall"
)

// DefaultMethodTimeout is used when a Method does not specify its own.
const DefaultMethodTimeout = 5 * time.Second

// PacketTooLargeError is returned by ValidatePacketBounds.
type PacketTooLargeError struct {
	ByteLen, CharLen int
}

func (e *PacketTooLargeError) Error() string {
	return fmt.Sprintf("packet exceeds bounds: %d bytes / %d chars", e.ByteLen, e.CharLen)
}

// ValidatePacketBounds rejects oversize packets before any JSON parsing is
// attempted, per spec §4.8 "Packet ingress".
func ValidatePacketBounds(raw []byte) error {
	if len(raw) > MaxBytes {
		return &PacketTooLargeError{ByteLen: len(raw)}
	}
	charLen := len([]rune(string(raw)))
	if charLen > MaxChars {
		return &PacketTooLargeError{ByteLen: len(raw), CharLen: charLen}
	}
	return nil
}

// Method is one allowlisted RPC method.
type Method struct {
	ID       string
	OwnerMod string
	Callable guestcall.Callable
	Timeout  time.Duration
}

// Logger is the minimal surface Dispatcher needs. slog.Logger satisfies it.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Dispatcher is the allowlist-guarded, sanitized, rate-limited RPC plane.
// It is concurrency-safe for reads (method lookups from I/O threads) but
// expects RegisterMethod to be called only during the single-threaded
// registration window (spec §5).
type Dispatcher struct {
	mu              sync.RWMutex
	methods         map[string]Method
	frozen          bool
	strictIsolation bool
	limiter         Limiter
	watches         *WatchRegistry
	logger          Logger
	tracer          trace.Tracer
}

// SetLimiter swaps the dispatcher's rate limiter, e.g. for RedisRateLimiter
// in a multi-process deployment. Must be called before any Dispatch call
// observes the prior limiter's state (typically right after NewDispatcher,
// before Freeze).
func (d *Dispatcher) SetLimiter(limiter Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limiter = limiter
}

// SetTracer attaches an OpenTelemetry tracer (see pkg/observ) so every
// Dispatch call records a span. A nil tracer (the default) disables span
// recording.
func (d *Dispatcher) SetTracer(tracer trace.Tracer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracer = tracer
}

// NewDispatcher constructs a Dispatcher. strictIsolation enables step 2's
// NAMESPACE_ACCESS_DENIED check against the caller's installed mods.
func NewDispatcher(strictIsolation bool, logger Logger) *Dispatcher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Dispatcher{
		methods:         make(map[string]Method),
		strictIsolation: strictIsolation,
		limiter:         NewRateLimiter(),
		watches:         NewWatchRegistry(),
		logger:          logger,
	}
}

// RegisterMethod adds method to the allowlist. Fails after Freeze.
func (d *Dispatcher) RegisterMethod(m Method) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frozen {
		return fmt.Errorf("rpc: dispatcher allowlist is frozen, cannot register %q", m.ID)
	}
	if _, exists := d.methods[m.ID]; exists {
		return fmt.Errorf("rpc: method %q already registered", m.ID)
	}
	d.methods[m.ID] = m
	return nil
}

// Freeze seals the allowlist. Read lookups remain available afterward.
func (d *Dispatcher) Freeze() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frozen = true
}

// MethodIDs returns the sorted-at-use-site set of allowlisted method ids,
// for the handshake's apiHash computation.
func (d *Dispatcher) MethodIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.methods))
	for id := range d.methods {
		out = append(out, id)
	}
	return out
}

func (d *Dispatcher) lookup(methodID string) (Method, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.methods[methodID]
	return m, ok
}

// Watches exposes the dispatcher's WatchRegistry for server-push wiring.
func (d *Dispatcher) Watches() *WatchRegistry { return d.watches }

// Disconnect releases connID's rate-limit state and watch subscriptions.
func (d *Dispatcher) Disconnect(connID string) {
	d.limiter.Disconnect(connID)
	d.watches.Disconnect(connID)
}

// Dispatch executes one rpc_call per spec §4.8's six-step contract and
// always returns exactly one RPCResponseFrame carrying call.ID. connReady
// must be true (handshake completed) before this is called; callers are
// responsible for that gate (spec: "Connections that are not ready are not
// accepted for rpc_call").
func (d *Dispatcher) Dispatch(ctx context.Context, connID string, clientInstalledMods map[string]bool, call RPCCallFrame) RPCResponseFrame {
	d.mu.RLock()
	tracer := d.tracer
	d.mu.RUnlock()
	if tracer != nil {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "rpc.dispatch",
			trace.WithAttributes(
				attribute.String("tapestry.rpc.method", call.Method),
				attribute.String("tapestry.rpc.connection", connID),
			))
		defer span.End()
	}

	method, ok := d.lookup(call.Method)
	if !ok {
		return newErrorResponse(call.ID, ErrMethodNotFound, fmt.Sprintf("method %q is not allowlisted", call.Method))
	}

	if d.strictIsolation && clientInstalledMods != nil {
		if !clientInstalledMods[method.OwnerMod] {
			return newErrorResponse(call.ID, ErrNamespaceAccessDenied, fmt.Sprintf("mod %q is not installed on this client", method.OwnerMod))
		}
	}

	var decodedArgs any
	if len(call.Args) > 0 {
		parsed, err := DecodeOrdered(call.Args)
		if err != nil {
			return newErrorResponse(call.ID, ErrInvalidArgument, "malformed args")
		}
		sanitized, err := Sanitize(parsed)
		if err != nil {
			var se *SanitizeError
			if errors.As(err, &se) {
				return newErrorResponse(call.ID, ErrInvalidArgument, se.Error())
			}
			return newErrorResponse(call.ID, ErrInvalidArgument, "args failed sanitization")
		}
		decodedArgs = sanitized
	}

	if !d.limiter.Allow(connID) {
		return newErrorResponse(call.ID, ErrRateLimit, "rate limit exceeded")
	}
	defer d.limiter.Release(connID)

	timeout := method.Timeout
	if timeout == 0 {
		timeout = DefaultMethodTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := method.Callable.Execute(callCtx, decodedArgs)
		done <- outcome{result: res, err: err}
	}()

	select {
	case <-callCtx.Done():
		return newErrorResponse(call.ID, ErrTimeout, fmt.Sprintf("method %q exceeded its timeout", call.Method))
	case out := <-done:
		return d.finish(call.ID, call.Method, out.result, out.err)
	}
}

func (d *Dispatcher) finish(id, methodName string, result any, err error) RPCResponseFrame {
	if err != nil {
		var guestErr *guestcall.GuestError
		if errors.As(err, &guestErr) {
			return newErrorResponse(id, ErrUserError, SanitizeErrorMessage(guestErr.Error()))
		}
		d.logger.Error("rpc: dispatcher-internal method failure", "method", methodName, "error", err)
		return newErrorResponse(id, ErrInternalError, SanitizeErrorMessage(err.Error()))
	}

	sanitized, sanErr := Sanitize(result)
	if sanErr != nil {
		d.logger.Error("rpc: method return value failed sanitization", "method", methodName, "error", sanErr)
		return newErrorResponse(id, ErrInvalidReturn, "return value failed sanitization")
	}
	return newResponse(id, sanitized)
}
