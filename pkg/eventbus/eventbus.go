// Package eventbus implements the global synchronous dispatch plane:
// namespace-validated subscribe/emit, insertion-ordered listener sets with
// snapshot-on-dispatch semantics, and the dispatch-depth counter the State
// Coordinator hooks to know when to flush.
package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// MaxPerEvent is the warn threshold for listeners subscribed to a single
	// event name.
	MaxPerEvent = 500
	// MaxTotal is the warn threshold for the total listener count across
	// all events.
	MaxTotal = 5000
	// DepthWarnThreshold is the dispatch-depth value at which a single warn
	// is logged for unexpectedly deep recursive emits.
	DepthWarnThreshold = 50
)

// Namespace classes recognized by validateNamespace.
const (
	nsEngine = "engine"
	nsUI     = "ui"
	nsMod    = "mod"
)

// Handler is a guest-owned callback invoked synchronously on Emit.
type Handler interface {
	// Invoke runs the handler with the event's payload. A returned error is
	// caught and logged by the bus; it never aborts sibling handlers.
	Invoke(evt Event) error
	// Identity distinguishes handlers for duplicate-listener detection,
	// matching guestcall.Callable's identity contract.
	Identity() any
}

// Event is the immutable record delivered to handlers.
type Event struct {
	Name        string
	Namespace   string
	Payload     any
	EmitterID   string // "" if emitted by the host itself
	Timestamp   time.Time
}

// NamespaceError reports a rejected subscribe/emit due to namespace policy.
type NamespaceError struct {
	EventName string
	Reason    string
}

func (e *NamespaceError) Error() string {
	return fmt.Sprintf("event %q rejected: %s", e.EventName, e.Reason)
}

// DuplicateListenerError is returned by Subscribe when (extensionId,
// handler identity) is already registered for eventName.
type DuplicateListenerError struct {
	EventName   string
	ExtensionID string
}

func (e *DuplicateListenerError) Error() string {
	return fmt.Sprintf("extension %q already subscribed to %q", e.ExtensionID, e.EventName)
}

type listener struct {
	extensionID string
	handler     Handler
	order       int
}

// Logger is the minimal surface Bus needs. slog.Logger satisfies it.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// DispatchHook lets a collaborator (the State Coordinator) observe dispatch
// boundaries. Both methods are invoked on the calling goroutine;
// OnDispatchEnd always runs, including when a handler panics (handled internally so
// panics never escape Emit — see Emit's recover).
type DispatchHook interface {
	OnDispatchStart()
	OnDispatchEnd()
}

// noopHook satisfies DispatchHook when no coordinator is attached.
type noopHook struct{}

func (noopHook) OnDispatchStart() {}
func (noopHook) OnDispatchEnd()   {}

// Bus is the global synchronous event dispatcher.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]*listener // eventName -> ordered listeners
	nextOrder int
	totalSubs int
	logger    Logger
	hook      DispatchHook
	now       func() time.Time

	depthMu       sync.Mutex
	depth         int
	warnedDepth   bool
	perEventWarns map[string]bool

	tracer trace.Tracer
}

// New constructs a Bus. A nil logger is replaced with a no-op; a nil hook
// with a no-op (no state coordinator attached).
func New(logger Logger, hook DispatchHook) *Bus {
	if logger == nil {
		logger = noopLogger{}
	}
	if hook == nil {
		hook = noopHook{}
	}
	return &Bus{
		listeners:     make(map[string][]*listener),
		logger:        logger,
		hook:          hook,
		now:           time.Now,
		perEventWarns: make(map[string]bool),
	}
}

func namespaceOf(eventName string) string {
	if i := strings.IndexByte(eventName, ':'); i >= 0 {
		return eventName[:i]
	}
	return eventName
}

// validateNamespace implements spec §4.4's per-namespace emit/subscribe
// rules. emitterID is only checked for emits; subscribe calls are never
// rejected on ownership grounds.
func validateNamespace(eventName, emitterID string, isEmit bool, logger Logger) error {
	ns := namespaceOf(eventName)
	switch {
	case ns == nsEngine:
		if isEmit && emitterID != "" {
			return &NamespaceError{EventName: eventName, Reason: "engine: events may only be emitted by the host"}
		}
	case ns == nsUI:
		if isEmit {
			// Softer policy per Design Notes §9: warn, don't reject.
			logger.Warn("eventbus: ui: namespace emit", "event", eventName, "emitter", emitterID)
		}
	case strings.HasPrefix(eventName, nsMod+":"):
		parts := strings.SplitN(eventName, ":", 3)
		if len(parts) < 3 {
			return &NamespaceError{EventName: eventName, Reason: "mod: events require mod:<id>:<name> shape"}
		}
		ownerID := parts[1]
		if isEmit && emitterID != ownerID {
			return &NamespaceError{EventName: eventName, Reason: fmt.Sprintf("mod:%s: events may only be emitted by their owning extension", ownerID)}
		}
	}
	return nil
}

// Subscribe registers handler under eventName for extensionID. Duplicate
// (extensionID, handler identity) pairs are rejected; cap breaches are
// logged as warnings, not failures.
func (b *Bus) Subscribe(extensionID, eventName string, handler Handler) error {
	if err := validateNamespace(eventName, extensionID, false, b.logger); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, l := range b.listeners[eventName] {
		if l.extensionID == extensionID && l.handler.Identity() == handler.Identity() {
			return &DuplicateListenerError{EventName: eventName, ExtensionID: extensionID}
		}
	}

	l := &listener{extensionID: extensionID, handler: handler, order: b.nextOrder}
	b.nextOrder++
	b.listeners[eventName] = append(b.listeners[eventName], l)
	b.totalSubs++

	if n := len(b.listeners[eventName]); n > MaxPerEvent && !b.perEventWarns[eventName] {
		b.logger.Warn("eventbus: per-event listener cap exceeded", "event", eventName, "count", n, "cap", MaxPerEvent)
		b.perEventWarns[eventName] = true
	}
	if b.totalSubs > MaxTotal {
		b.logger.Warn("eventbus: total listener cap exceeded", "count", b.totalSubs, "cap", MaxTotal)
	}
	return nil
}

// Unsubscribe removes the (extensionID, handler identity) listener for
// eventName, if present. Unknown listeners are a silent no-op.
func (b *Bus) Unsubscribe(extensionID, eventName string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := b.listeners[eventName]
	for i, l := range ls {
		if l.extensionID == extensionID && l.handler.Identity() == handler.Identity() {
			b.listeners[eventName] = append(ls[:i], ls[i+1:]...)
			b.totalSubs--
			return
		}
	}
}

// RemoveAllListenersForMod removes every listener owned by extensionID
// across every event name, for lifecycle cleanup.
func (b *Bus) RemoveAllListenersForMod(extensionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, ls := range b.listeners {
		kept := ls[:0:0]
		for _, l := range ls {
			if l.extensionID == extensionID {
				b.totalSubs--
				continue
			}
			kept = append(kept, l)
		}
		b.listeners[name] = kept
	}
}

// Emit validates the namespace, snapshots the listener set for eventName,
// and invokes each handler synchronously in registration order. Listener
// mutations made by handlers during this Emit never affect the snapshot
// already taken. Handler errors are caught and logged; siblings still run.
func (b *Bus) Emit(emitterID, eventName string, payload any) error {
	if err := validateNamespace(eventName, emitterID, true, b.logger); err != nil {
		return err
	}

	b.mu.RLock()
	tracer := b.tracer
	b.mu.RUnlock()
	if tracer != nil {
		var span trace.Span
		_, span = tracer.Start(context.Background(), "eventbus.emit",
			trace.WithAttributes(
				attribute.String("tapestry.event.name", eventName),
				attribute.String("tapestry.event.emitter", emitterID),
			))
		defer span.End()
	}

	b.depthMu.Lock()
	b.depth++
	d := b.depth
	b.depthMu.Unlock()
	if d >= DepthWarnThreshold && !b.warnedDepth {
		b.logger.Warn("eventbus: dispatch depth threshold crossed", "depth", d, "threshold", DepthWarnThreshold)
		b.warnedDepth = true
	}

	b.mu.RLock()
	hook := b.hook
	b.mu.RUnlock()

	hook.OnDispatchStart()
	defer func() {
		hook.OnDispatchEnd()
		b.depthMu.Lock()
		b.depth--
		b.depthMu.Unlock()
	}()

	b.mu.RLock()
	snapshot := append([]*listener(nil), b.listeners[eventName]...)
	b.mu.RUnlock()

	evt := Event{
		Name:      eventName,
		Namespace: namespaceOf(eventName),
		Payload:   payload,
		EmitterID: emitterID,
		Timestamp: b.now(),
	}

	for _, l := range snapshot {
		b.invoke(l, evt)
	}
	return nil
}

func (b *Bus) invoke(l *listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus: handler panicked", "event", evt.Name, "extension", l.extensionID, "panic", r)
		}
	}()
	if err := l.handler.Invoke(evt); err != nil {
		b.logger.Error("eventbus: handler returned error", "event", evt.Name, "extension", l.extensionID, "error", err)
	}
}

// SetTracer attaches an OpenTelemetry tracer (see pkg/observ) so every Emit
// is wrapped in a span. A nil tracer (the default) disables span creation.
func (b *Bus) SetTracer(tracer trace.Tracer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracer = tracer
}

// SetHook replaces the bus's DispatchHook after construction. This exists to
// break the construction cycle between Bus and statecell.Coordinator (the
// coordinator needs a *Bus to emit into; the bus needs the coordinator as
// its hook) — construct the Bus first with a nil hook, build the
// Coordinator from it, then SetHook(coordinator).
func (b *Bus) SetHook(hook DispatchHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hook == nil {
		hook = noopHook{}
	}
	b.hook = hook
}

// Depth returns the current dispatch nesting depth on the calling
// goroutine's logical timeline (the bus is single-threaded by contract;
// see spec §5).
func (b *Bus) Depth() int {
	b.depthMu.Lock()
	defer b.depthMu.Unlock()
	return b.depth
}

// ListenerCount returns the number of listeners subscribed to eventName,
// for diagnostics and tests.
func (b *Bus) ListenerCount(eventName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[eventName])
}
