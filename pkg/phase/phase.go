// Package phase provides the process-wide monotonic phase clock that gates
// every other component of the engine.
package phase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Phase is a totally ordered stage of the boot-to-runtime timeline.
type Phase int

const (
	Bootstrap Phase = iota
	Discovery
	Validation
	Registration
	Freeze
	TSLoad
	TSRegister
	TSActivate
	TSReady
	PersistenceReady
	Runtime
	ClientPresentationReady
)

var names = [...]string{
	"BOOTSTRAP",
	"DISCOVERY",
	"VALIDATION",
	"REGISTRATION",
	"FREEZE",
	"TS_LOAD",
	"TS_REGISTER",
	"TS_ACTIVATE",
	"TS_READY",
	"PERSISTENCE_READY",
	"RUNTIME",
	"CLIENT_PRESENTATION_READY",
}

// String renders the canonical upper-snake-case name.
func (p Phase) String() string {
	if p < Bootstrap || int(p) >= len(names) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return names[p]
}

// Next returns the immediate successor phase, and false if p is terminal.
func (p Phase) Next() (Phase, bool) {
	if int(p)+1 >= len(names) {
		return p, false
	}
	return p + 1, true
}

// OrderingError reports an illegal phase transition attempt.
type OrderingError struct {
	From       Phase
	Requested  Phase
	CurrentNow Phase
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("phase ordering violation: cannot advance from %s to %s (current phase is %s; only the immediate successor is allowed)",
		e.From, e.Requested, e.CurrentNow)
}

// GateError is returned by the Require* family when the current phase does
// not satisfy the requested gate.
type GateError struct {
	Gate    string
	Current Phase
	Wanted  Phase
}

func (e *GateError) Error() string {
	return fmt.Sprintf("phase gate violation: operation requires %s %s, but current phase is %s", e.Gate, e.Wanted, e.Current)
}

// ConcurrencyError is returned to the loser of a racing AdvanceTo.
type ConcurrencyError struct {
	Requested Phase
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("phase transition to %s lost a concurrent race", e.Requested)
}

// Logger is the minimal surface Controller needs for its warn-once logging.
// slog.Logger satisfies this.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Controller is the singleton monotonic phase clock. Construct one per
// process (or per test) via New; it is safe for concurrent use.
type Controller struct {
	mu                sync.Mutex
	current           Phase
	lastTransitionAt  time.Time
	logger            Logger
	warnedNoOp        map[Phase]bool
	transitionHistory []Transition
	tracer            trace.Tracer
}

// SetTracer attaches an OpenTelemetry tracer (see pkg/observ) so every
// successful transition records a span. A nil tracer (the default) disables
// span recording.
func (c *Controller) SetTracer(tracer trace.Tracer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracer = tracer
}

func (c *Controller) recordTransitionSpan(from, to Phase) {
	if c.tracer == nil {
		return
	}
	_, span := c.tracer.Start(context.Background(), "phase.advance",
		trace.WithAttributes(
			attribute.String("tapestry.phase.from", from.String()),
			attribute.String("tapestry.phase.to", to.String()),
		))
	span.End()
}

// Transition records a single successful phase advance for audit purposes.
type Transition struct {
	From Phase
	To   Phase
	At   time.Time
}

// New constructs a Controller starting at Bootstrap. A nil logger is
// replaced with a no-op.
func New(logger Logger) *Controller {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Controller{
		current:          Bootstrap,
		lastTransitionAt: time.Now().UTC(),
		logger:           logger,
		warnedNoOp:       make(map[Phase]bool),
	}
}

// Current returns the current phase.
func (c *Controller) Current() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// LastTransitionAt returns the timestamp of the most recent successful
// transition (including the initial construction).
func (c *Controller) LastTransitionAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTransitionAt
}

// History returns a copy of the recorded transitions, oldest first.
func (c *Controller) History() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transition, len(c.transitionHistory))
	copy(out, c.transitionHistory)
	return out
}

// AdvanceTo attempts to move the clock to p. Succeeds iff p is the current
// phase's immediate successor. p == current is a warned no-op that
// succeeds without mutating state. Any other p fails with *OrderingError.
func (c *Controller) AdvanceTo(p Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p == c.current {
		if !c.warnedNoOp[p] {
			c.logger.Warn("phase: advanceTo called with the current phase; no-op", "phase", p.String())
			c.warnedNoOp[p] = true
		}
		return nil
	}

	next, ok := c.current.Next()
	if !ok || p != next {
		return &OrderingError{From: c.current, Requested: p, CurrentNow: c.current}
	}

	now := time.Now().UTC()
	c.transitionHistory = append(c.transitionHistory, Transition{From: c.current, To: p, At: now})
	from := c.current
	c.current = p
	c.lastTransitionAt = now
	c.recordTransitionSpan(from, p)
	return nil
}

// TryAdvanceTo is the CAS-style entry point for callers racing to advance
// the clock: exactly one concurrent caller observes a nil error per
// transition, and the rest observe *ConcurrencyError once the phase has
// already moved past what they requested (or *OrderingError if the request
// was never reachable at all).
func (c *Controller) TryAdvanceTo(p Phase) error {
	c.mu.Lock()
	next, ok := c.current.Next()
	if !ok || p != next {
		cur := c.current
		c.mu.Unlock()
		if p <= cur {
			return &ConcurrencyError{Requested: p}
		}
		return &OrderingError{From: cur, Requested: p, CurrentNow: cur}
	}
	now := time.Now().UTC()
	c.transitionHistory = append(c.transitionHistory, Transition{From: c.current, To: p, At: now})
	from := c.current
	c.current = p
	c.lastTransitionAt = now
	c.mu.Unlock()
	c.recordTransitionSpan(from, p)
	return nil
}

// RequirePhase fails unless the current phase is exactly want.
func (c *Controller) RequirePhase(want Phase) error {
	cur := c.Current()
	if cur != want {
		return &GateError{Gate: "exactly", Current: cur, Wanted: want}
	}
	return nil
}

// RequireAtLeast fails unless the current phase is >= want.
func (c *Controller) RequireAtLeast(want Phase) error {
	cur := c.Current()
	if cur < want {
		return &GateError{Gate: "at least", Current: cur, Wanted: want}
	}
	return nil
}

// RequireAtMost fails unless the current phase is <= want.
func (c *Controller) RequireAtMost(want Phase) error {
	cur := c.Current()
	if cur > want {
		return &GateError{Gate: "at most", Current: cur, Wanted: want}
	}
	return nil
}

// IsPhase reports whether the current phase equals any of the given phases.
func (c *Controller) IsPhase(ps ...Phase) bool {
	cur := c.Current()
	for _, p := range ps {
		if cur == p {
			return true
		}
	}
	return false
}

// Reset returns the controller to Bootstrap. Test-only seam (Design Notes §9).
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = Bootstrap
	c.lastTransitionAt = time.Now().UTC()
	c.transitionHistory = nil
	c.warnedNoOp = make(map[Phase]bool)
}
