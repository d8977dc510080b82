// Package registry implements the capability registries (API, Hook,
// Service, Type) described in the lifecycle-coordination engine: mutable
// maps that accept writes only during an open registration window and seal
// permanently at freeze().
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tapestry-hosting/tapestry/pkg/phase"
	"github.com/tapestry-hosting/tapestry/pkg/tapestryerr"
)

// Kind distinguishes the four capability registries. It is informational
// only; the generic Registry type does not branch on it.
type Kind string

const (
	KindAPI     Kind = "API"
	KindHook    Kind = "HOOK"
	KindService Kind = "SERVICE"
	KindType    Kind = "TYPE"
)

// RegistryFrozenError is returned by any mutating call made after freeze().
type RegistryFrozenError struct {
	Kind Kind
	Name string
}

func (e *RegistryFrozenError) Error() string {
	return fmt.Sprintf("%s registry is frozen: cannot register %q", e.Kind, e.Name)
}

func (e *RegistryFrozenError) Code() tapestryerr.Code { return tapestryerr.RegistryFrozen }

// UndeclaredCapabilityError is returned when (extensionId, name) was not
// announced during VALIDATION.
type UndeclaredCapabilityError struct {
	Kind        Kind
	ExtensionID string
	Name        string
}

func (e *UndeclaredCapabilityError) Error() string {
	return fmt.Sprintf("%s capability %q was not declared by extension %q", e.Kind, e.Name, e.ExtensionID)
}

func (e *UndeclaredCapabilityError) Code() tapestryerr.Code { return tapestryerr.UndeclaredCapability }

// DuplicateRegistrationError is returned when the same (extensionId, name)
// key is registered twice.
type DuplicateRegistrationError struct {
	Kind        Kind
	ExtensionID string
	Name        string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("%s capability %q already registered by extension %q", e.Kind, e.Name, e.ExtensionID)
}

func (e *DuplicateRegistrationError) Code() tapestryerr.Code { return tapestryerr.DuplicateRegistration }

// DeclaredCapability is one (extensionId, name) pair an extension announced
// during VALIDATION, as recorded on the descriptor. Exclusive capabilities
// must have been checked for uniqueness across extensions before the
// registry is constructed (Registration & Freeze Pipeline, §4.2); the
// registry itself only enforces per-key duplication.
type DeclaredCapability struct {
	ExtensionID string
	Name        string
	Exclusive   bool
}

type capKey struct {
	extensionID string
	name        string
}

// Entry is one registered capability, as returned by read accessors. It is
// a value copy; mutating it has no effect on the registry.
type Entry[Payload any] struct {
	ExtensionID string
	Name        string
	Payload     Payload
	Order       int
}

// phaseGate is the subset of *phase.Controller a Registry needs to enforce
// its write-window gate. Satisfied directly by *phase.Controller.
type phaseGate interface {
	RequirePhase(p phase.Phase) error
	RequireAtLeast(p phase.Phase) error
}

// Registry is a generic capability registry keyed by (extensionId, name),
// with an additional by-name index preserving registration order for
// non-exclusive capabilities that admit multiple providers.
type Registry[Payload any] struct {
	mu sync.RWMutex

	kind        Kind
	gate        phaseGate
	openPhase   phase.Phase
	declared    map[capKey]bool
	exclusivity map[string]bool // name -> exclusive, from DeclaredCapability

	entries  map[capKey]*Entry[Payload]
	byName   map[string][]*Entry[Payload]
	nextSeq  int
	frozen   bool
}

// New constructs a Registry of the given kind. gate.RequirePhase(openPhase)
// must succeed at construction time; after that the registry stays writable
// until an explicit call to Freeze (the controller phase is free to keep advancing past
// openPhase — callers are expected to Freeze at the precise moment the spec
// calls for, not rely on the phase clock alone).
func New[Payload any](kind Kind, gate phaseGate, openPhase phase.Phase, declared []DeclaredCapability) (*Registry[Payload], error) {
	if err := gate.RequirePhase(openPhase); err != nil {
		return nil, err
	}
	r := &Registry[Payload]{
		kind:        kind,
		gate:        gate,
		openPhase:   openPhase,
		declared:    make(map[capKey]bool, len(declared)),
		exclusivity: make(map[string]bool, len(declared)),
		entries:     make(map[capKey]*Entry[Payload]),
		byName:      make(map[string][]*Entry[Payload]),
	}
	for _, d := range declared {
		r.declared[capKey{d.ExtensionID, d.Name}] = true
		if d.Exclusive {
			r.exclusivity[d.Name] = true
		}
	}
	return r, nil
}

// Add registers payload under (extensionId, name). It fails with
// *RegistryFrozenError, *UndeclaredCapabilityError, or
// *DuplicateRegistrationError per the registration contract.
func (r *Registry[Payload]) Add(extensionID, name string, payload Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return &RegistryFrozenError{Kind: r.kind, Name: name}
	}
	key := capKey{extensionID, name}
	if !r.declared[key] {
		return &UndeclaredCapabilityError{Kind: r.kind, ExtensionID: extensionID, Name: name}
	}
	if _, exists := r.entries[key]; exists {
		return &DuplicateRegistrationError{Kind: r.kind, ExtensionID: extensionID, Name: name}
	}

	entry := &Entry[Payload]{ExtensionID: extensionID, Name: name, Payload: payload, Order: r.nextSeq}
	r.nextSeq++
	r.entries[key] = entry
	r.byName[name] = append(r.byName[name], entry)
	return nil
}

// Freeze permanently seals the registry against further mutation. Freeze is
// idempotent.
func (r *Registry[Payload]) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether Freeze has been called.
func (r *Registry[Payload]) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Get returns every provider registered under name, in registration order.
// The slice is a fresh copy; the zero-length case returns (nil, false).
func (r *Registry[Payload]) Get(name string) ([]Entry[Payload], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries, ok := r.byName[name]
	if !ok || len(entries) == 0 {
		return nil, false
	}
	out := make([]Entry[Payload], len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out, true
}

// GetOne returns the single provider registered under name. It fails if
// zero or more than one provider is registered — the caller is expected to
// know from descriptor validation whether name is exclusive.
func (r *Registry[Payload]) GetOne(name string) (Entry[Payload], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries, ok := r.byName[name]
	if !ok || len(entries) == 0 {
		var zero Entry[Payload]
		return zero, tapestryerr.New(tapestryerr.UnknownExtension, fmt.Sprintf("no %s capability named %q", r.kind, name))
	}
	if len(entries) > 1 {
		var zero Entry[Payload]
		return zero, tapestryerr.New(tapestryerr.DuplicateRegistration, fmt.Sprintf("%s capability %q has %d providers, expected exactly one", r.kind, name, len(entries)))
	}
	return *entries[0], nil
}

// Entries returns every registered entry across all names, in registration
// order. Useful for diagnostics and deterministic replay.
func (r *Registry[Payload]) Entries() []Entry[Payload] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry[Payload], 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// DeclaredCapabilities returns the snapshot of (extensionId, name) pairs the
// registry was constructed with.
func (r *Registry[Payload]) DeclaredCapabilities() []DeclaredCapability {
	out := make([]DeclaredCapability, 0, len(r.declared))
	for k := range r.declared {
		out = append(out, DeclaredCapability{ExtensionID: k.extensionID, Name: k.name, Exclusive: r.exclusivity[k.name]})
	}
	return out
}

// Kind reports the registry's capability kind.
func (r *Registry[Payload]) Kind() Kind { return r.kind }
