// Package statecell implements the State Coordinator: per-name State cells
// with synchronous set/get and a pending-change queue that flushes through
// the event bus exactly when the bus's dispatch depth returns to zero,
// preserving enqueue order across nested dispatches.
package statecell

import (
	"fmt"
	"sync"

	"github.com/tapestry-hosting/tapestry/pkg/eventbus"
)

// StateChangeEventName is the synthetic event name flushed changes are
// published under (spec §4.5).
const StateChangeEventName = "__state_change__"

// QuotaWarnThreshold is the pending-queue depth at which the coordinator
// warns (spec §4.5's "quota").
const QuotaWarnThreshold = 1000

// Change is one flushed state transition, delivered as the payload of a
// StateChangeEventName event.
type Change struct {
	Name     string
	OldValue any
	NewValue any
}

// Logger is the minimal surface Coordinator needs. slog.Logger satisfies it.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// emitter is the subset of *eventbus.Bus the coordinator needs to publish
// flushed changes. Satisfied directly by *eventbus.Bus.
type emitter interface {
	Emit(emitterID, eventName string, payload any) error
	Depth() int
}

// Coordinator batches state-change emissions across an event bus's dispatch
// nesting. Attach it to the bus as a DispatchHook so it observes dispatch
// boundaries: depth returning to zero triggers a flush.
type Coordinator struct {
	mu      sync.Mutex
	bus     emitter
	pending []Change
	cells   map[string]*Cell
	hookDep int
	logger  Logger
}

// New constructs a Coordinator bound to bus. Install it as the bus's
// DispatchHook with bus.SetHook — the two are wired together by the caller
// (see pkg/tapestry's Coordinator wiring).
func New(bus emitter, logger Logger) *Coordinator {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Coordinator{
		bus:    bus,
		cells:  make(map[string]*Cell),
		logger: logger,
	}
}

// OnDispatchStart implements eventbus.DispatchHook.
func (c *Coordinator) OnDispatchStart() {
	c.mu.Lock()
	c.hookDep++
	c.mu.Unlock()
}

// OnDispatchEnd implements eventbus.DispatchHook. When the bus's nesting
// returns to zero, every pending change is flushed in FIFO order.
func (c *Coordinator) OnDispatchEnd() {
	c.mu.Lock()
	c.hookDep--
	flush := c.hookDep == 0
	var batch []Change
	if flush {
		batch = c.pending
		c.pending = nil
	}
	c.mu.Unlock()

	for _, ch := range batch {
		_ = c.bus.Emit("", StateChangeEventName+":"+ch.Name, ch)
	}
}

// Cell is a named state cell. Obtain one via Coordinator.State; cells are
// created lazily and cached.
type Cell struct {
	coord *Coordinator
	name  string

	mu    sync.Mutex
	value any
}

// State returns the named cell, creating it with a nil initial value if it
// does not yet exist.
func (c *Coordinator) State(name string) *Cell {
	c.mu.Lock()
	defer c.mu.Unlock()
	cell, ok := c.cells[name]
	if !ok {
		cell = &Cell{coord: c, name: name}
		c.cells[name] = cell
	}
	return cell
}

// Get returns the cell's current value (monotonic view: always the latest
// value a Set established, even inside the same handler).
func (cell *Cell) Get() any {
	cell.mu.Lock()
	defer cell.mu.Unlock()
	return cell.value
}

// Name returns the cell's name.
func (cell *Cell) Name() string { return cell.name }

// Set updates the cell's value immediately and enqueues a Change for the
// coordinator to flush. If no dispatch is in progress when Set is called,
// the flush happens synchronously before Set returns (spec §4.5: "If no
// dispatch is in progress... the flush happens immediately after the call
// returns").
func (cell *Cell) Set(newValue any) {
	cell.mu.Lock()
	old := cell.value
	cell.value = newValue
	cell.mu.Unlock()

	ch := Change{Name: cell.name, OldValue: old, NewValue: newValue}

	c := cell.coord
	c.mu.Lock()
	c.pending = append(c.pending, ch)
	n := len(c.pending)
	depth := c.hookDep
	c.mu.Unlock()

	if n > QuotaWarnThreshold {
		c.logger.Warn("statecell: pending change queue exceeds quota", "pending", n, "threshold", QuotaWarnThreshold)
	}

	if depth == 0 {
		c.flushImmediate()
	}
}

// flushImmediate drains the pending queue and emits it, used when Set is
// called outside of any bus dispatch.
func (c *Coordinator) flushImmediate() {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ch := range batch {
		_ = c.bus.Emit("", fmt.Sprintf("%s:%s", StateChangeEventName, ch.Name), ch)
	}
}

// PendingCount returns the number of unflushed changes, for diagnostics and
// tests.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// SubscribeChanges is sugar over the underlying bus's Subscribe for
// name-scoped __state_change__ events, matching the shape tests expect in
// spec §8 scenario 3.
func (c *Coordinator) SubscribeChanges(extensionID, cellName string, handler eventbus.Handler) error {
	if b, ok := c.bus.(interface {
		Subscribe(extensionID, eventName string, handler eventbus.Handler) error
	}); ok {
		return b.Subscribe(extensionID, fmt.Sprintf("%s:%s", StateChangeEventName, cellName), handler)
	}
	return fmt.Errorf("statecell: underlying emitter does not support Subscribe")
}
