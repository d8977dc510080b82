// Package typeresolver implements the virtual @tapestry/<extId> module
// namespace the guest toolchain resolves type-only imports against, per
// spec §4.7: cross-extension type imports are declared ahead of time and
// enforced here, and only a synthetic stub is ever returned — no runtime
// value crosses the boundary.
package typeresolver

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/tapestry-hosting/tapestry/pkg/tapestryerr"
)

// SyntheticStub is the fixed text returned for every successful type-only
// resolution.
const SyntheticStub = "export {};"

var extIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// namespacePattern matches exactly "@tapestry/<extId>" with no subpath.
var namespacePattern = regexp.MustCompile(`^@tapestry/([a-z][a-z0-9_]*)$`)

// ImportKind distinguishes a type-only import from a value import; only the
// former may ever resolve.
type ImportKind string

const (
	ImportType  ImportKind = "type"
	ImportValue ImportKind = "value"
)

// InvalidNamespaceError covers malformed paths and invalid extension ids.
type InvalidNamespaceError struct{ Path string }

func (e *InvalidNamespaceError) Error() string {
	return fmt.Sprintf("invalid tapestry namespace: %q", e.Path)
}
func (e *InvalidNamespaceError) Code() tapestryerr.Code { return tapestryerr.InvalidTapestryNamespace }

// RuntimeImportForbiddenError is returned for a value-kind import attempt.
type RuntimeImportForbiddenError struct{ Path string }

func (e *RuntimeImportForbiddenError) Error() string {
	return fmt.Sprintf("runtime (value) import of %q is forbidden: only type-only imports resolve", e.Path)
}
func (e *RuntimeImportForbiddenError) Code() tapestryerr.Code {
	return tapestryerr.RuntimeImportForbidden
}

// UndeclaredTypeImportError is returned when the caller never declared
// targetID in its typeImports.
type UndeclaredTypeImportError struct {
	Caller string
	Target string
}

func (e *UndeclaredTypeImportError) Error() string {
	return fmt.Sprintf("extension %q did not declare a typeImport for %q", e.Caller, e.Target)
}
func (e *UndeclaredTypeImportError) Code() tapestryerr.Code { return tapestryerr.UndeclaredTypeImport }

// TargetDoesNotExportTypesError is returned when targetID has no published
// type module.
type TargetDoesNotExportTypesError struct{ Target string }

func (e *TargetDoesNotExportTypesError) Error() string {
	return fmt.Sprintf("extension %q does not export a type module", e.Target)
}
func (e *TargetDoesNotExportTypesError) Code() tapestryerr.Code {
	return tapestryerr.TargetDoesNotExportTypes
}

// NoCurrentExtensionError is returned when resolveModule is called before
// SetCurrentExtension established the caller's context.
type NoCurrentExtensionError struct{}

func (e *NoCurrentExtensionError) Error() string {
	return "no current extension context set for module resolution"
}

// typeImportLookup is satisfied by whatever owns descriptor data; the
// resolver only needs to ask "did extID declare targetID in typeImports?".
type typeImportLookup interface {
	HasTypeImport(extID, targetID string) bool
}

// Resolver implements the virtual @tapestry/<extId> namespace. It owns a
// writable-until-freeze registry of published .d.ts-equivalent sources
// (dtsSource), keyed by publishing extension id.
type Resolver struct {
	mu       sync.RWMutex
	frozen   bool
	modules  map[string]string // extID -> dtsSource
	lookup   typeImportLookup

	currentMu sync.Mutex
	current   map[int64]string // goroutine-scoped via caller-supplied key; see SetCurrentExtension
}

// New constructs a Resolver. lookup answers the "did the caller declare
// this typeImport" question — typically backed by the descriptor store.
func New(lookup typeImportLookup) *Resolver {
	return &Resolver{
		modules: make(map[string]string),
		lookup:  lookup,
		current: make(map[int64]string),
	}
}

// Publish registers extID's type module source. Fails once frozen.
func (r *Resolver) Publish(extID, dtsSource string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return tapestryerr.New(tapestryerr.RegistryFrozen, "type registry is frozen")
	}
	r.modules[extID] = dtsSource
	return nil
}

// Freeze seals the type module registry; later Publish calls fail.
// pkg/tapestry calls it at TS_READY.
func (r *Resolver) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Exports reports whether extID has published a type module.
func (r *Resolver) Exports(extID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[extID]
	return ok
}

// CallerContext identifies the guest execution context resolving an import.
// In a single-threaded embedding this is typically a constant key (e.g. 0);
// a host running multiple guest contexts concurrently supplies a stable,
// distinct key per context (goroutine id proxies are discouraged in Go —
// callers own their own context key, such as a per-VM instance pointer cast
// to int64, or simply 0 for a single active context).
type CallerContext int64

// SetCurrentExtension binds extID as the "current extension" for ctx,
// mirroring the thread-local the source keeps for a single-threaded guest
// runtime (Design Notes §9: suspension is the guest's concern; resolution
// itself is synchronous and the active caller is known at call time).
func (r *Resolver) SetCurrentExtension(ctx CallerContext, extID string) {
	r.currentMu.Lock()
	defer r.currentMu.Unlock()
	r.current[int64(ctx)] = extID
}

// ClearCurrentExtension removes ctx's current-extension binding.
func (r *Resolver) ClearCurrentExtension(ctx CallerContext) {
	r.currentMu.Lock()
	defer r.currentMu.Unlock()
	delete(r.current, int64(ctx))
}

func (r *Resolver) currentExtension(ctx CallerContext) (string, bool) {
	r.currentMu.Lock()
	defer r.currentMu.Unlock()
	id, ok := r.current[int64(ctx)]
	return id, ok
}

// ResolveModule implements the full contract of spec §4.7: path shape,
// import kind, caller context, declared typeImports, and target
// publication, in that order. On success it returns SyntheticStub.
func (r *Resolver) ResolveModule(ctx CallerContext, path string, kind ImportKind) (string, error) {
	m := namespacePattern.FindStringSubmatch(path)
	if m == nil {
		return "", &InvalidNamespaceError{Path: path}
	}
	targetID := m[1]
	if !extIDPattern.MatchString(targetID) {
		return "", &InvalidNamespaceError{Path: path}
	}

	if kind != ImportType {
		return "", &RuntimeImportForbiddenError{Path: path}
	}

	callerID, ok := r.currentExtension(ctx)
	if !ok {
		return "", &NoCurrentExtensionError{}
	}

	if r.lookup == nil || !r.lookup.HasTypeImport(callerID, targetID) {
		return "", &UndeclaredTypeImportError{Caller: callerID, Target: targetID}
	}

	if !r.Exports(targetID) {
		return "", &TargetDoesNotExportTypesError{Target: targetID}
	}

	return SyntheticStub, nil
}
