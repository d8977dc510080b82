// Package overlay implements the Overlay Registry: per-extension, ordered
// client overlay entries gated by the CLIENT_PRESENTATION_READY phase, with
// deterministic zIndex/insertion-order rendering and a permanent
// visibility-kill on a render panic.
package overlay

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tapestry-hosting/tapestry/pkg/phase"
)

// Anchor is a fixed screen-relative placement for an overlay.
type Anchor string

const (
	TopLeft      Anchor = "TOP_LEFT"
	TopCenter    Anchor = "TOP_CENTER"
	TopRight     Anchor = "TOP_RIGHT"
	Center       Anchor = "CENTER"
	BottomLeft   Anchor = "BOTTOM_LEFT"
	BottomCenter Anchor = "BOTTOM_CENTER"
	BottomRight  Anchor = "BOTTOM_RIGHT"
)

var validAnchors = map[Anchor]bool{
	TopLeft: true, TopCenter: true, TopRight: true, Center: true,
	BottomLeft: true, BottomCenter: true, BottomRight: true,
}

// RenderCallback renders an overlay's contents. It is treated as an opaque
// guest callable (Design Notes §9); a panic or error permanently disables
// the overlay.
type RenderCallback interface {
	Render() error
}

// InvalidAnchorError is returned when Register is given an unrecognized
// anchor.
type InvalidAnchorError struct{ Anchor Anchor }

func (e *InvalidAnchorError) Error() string { return fmt.Sprintf("invalid overlay anchor %q", e.Anchor) }

// NotOwnerError is returned when a caller attempts to mutate an overlay it
// does not own.
type NotOwnerError struct {
	OverlayID string
	Caller    string
	Owner     string
}

func (e *NotOwnerError) Error() string {
	return fmt.Sprintf("extension %q does not own overlay %q (owned by %q)", e.Caller, e.OverlayID, e.Owner)
}

// NotFoundError is returned for operations on an unknown overlayId.
type NotFoundError struct{ OverlayID string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("unknown overlay %q", e.OverlayID) }

// Entry is one registered overlay.
type Entry struct {
	OverlayID   string
	ExtensionID string
	Anchor      Anchor
	ZIndex      int
	Visible     bool
	render      RenderCallback
	order       int
	disabled    bool // true once a render panic has permanently killed it
}

// phaseGate is the subset of *phase.Controller Registry needs.
type phaseGate interface {
	RequireAtLeast(p phase.Phase) error
}

// Logger is the minimal surface Registry needs. slog.Logger satisfies it.
type Logger interface {
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}

// Registry is the per-process overlay registry.
type Registry struct {
	mu      sync.Mutex
	gate    phaseGate
	entries map[string]*Entry
	nextSeq int
	logger  Logger
}

// New constructs a Registry gated on CLIENT_PRESENTATION_READY mutations.
func New(gate phaseGate, logger Logger) *Registry {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Registry{gate: gate, entries: make(map[string]*Entry), logger: logger}
}

// Register adds a new overlay owned by extensionID. Fails if the phase gate
// rejects, the anchor is invalid, or overlayID already exists.
func (r *Registry) Register(extensionID, overlayID string, anchor Anchor, zIndex int, render RenderCallback) error {
	if err := r.gate.RequireAtLeast(phase.ClientPresentationReady); err != nil {
		return err
	}
	if !validAnchors[anchor] {
		return &InvalidAnchorError{Anchor: anchor}
	}
	if zIndex < 0 {
		return fmt.Errorf("overlay %q: zIndex must be >= 0, got %d", overlayID, zIndex)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[overlayID]; exists {
		return fmt.Errorf("overlay %q already registered", overlayID)
	}
	r.entries[overlayID] = &Entry{
		OverlayID: overlayID, ExtensionID: extensionID, Anchor: anchor,
		ZIndex: zIndex, Visible: true, render: render, order: r.nextSeq,
	}
	r.nextSeq++
	return nil
}

// SetOverlayVisibility toggles visibility; the caller must own the overlay.
func (r *Registry) SetOverlayVisibility(extensionID, overlayID string, visible bool) error {
	if err := r.gate.RequireAtLeast(phase.ClientPresentationReady); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[overlayID]
	if !ok {
		return &NotFoundError{OverlayID: overlayID}
	}
	if e.ExtensionID != extensionID {
		return &NotOwnerError{OverlayID: overlayID, Caller: extensionID, Owner: e.ExtensionID}
	}
	if e.disabled {
		return nil // permanently hidden; no-op
	}
	e.Visible = visible
	return nil
}

// RenderOrder returns a read-only snapshot of every visible, non-disabled
// overlay ordered ascending by zIndex, ties broken by insertion order.
func (r *Registry) RenderOrder() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Visible && !e.disabled {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ZIndex != out[j].ZIndex {
			return out[i].ZIndex < out[j].ZIndex
		}
		return out[i].order < out[j].order
	})
	return out
}

// RenderAll invokes each visible overlay's render callback in rendering
// order. A panic or error from a callback is logged once and permanently
// disables that overlay (Visible flips to false forever); other overlays
// still render.
func (r *Registry) RenderAll() {
	for _, e := range r.RenderOrder() {
		r.renderOne(e.OverlayID)
	}
}

func (r *Registry) renderOne(overlayID string) {
	r.mu.Lock()
	e, ok := r.entries[overlayID]
	r.mu.Unlock()
	if !ok || e.render == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.disablePermanently(overlayID, fmt.Errorf("panic: %v", rec))
		}
	}()
	if err := e.render.Render(); err != nil {
		r.disablePermanently(overlayID, err)
	}
}

func (r *Registry) disablePermanently(overlayID string, cause error) {
	r.mu.Lock()
	e, ok := r.entries[overlayID]
	alreadyDisabled := ok && e.disabled
	if ok {
		e.disabled = true
		e.Visible = false
	}
	r.mu.Unlock()
	if ok && !alreadyDisabled {
		r.logger.Error("overlay: render failed, permanently disabling", "overlay", overlayID, "error", cause)
	}
}

// Get returns a read-only copy of overlayID's entry.
func (r *Registry) Get(overlayID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[overlayID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}
