// Package perfmon implements the Performance Monitor: process-wide quotas
// and timing guards that raise a synchronous error the instant a limit is
// breached, matching the teacher's budget-check-then-consume gate shape
// (core/pkg/budget) adapted from token/cost budgets to structural limits.
package perfmon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Defaults per spec §4.10.
const (
	MaxExtensions          = 200
	MaxDependencyDepth     = 50
	MaxTemplateSize        = 100 * 1024 // bytes
	MaxTemplateNodes       = 1000
	MaxActivationTimePerExt = 5 * time.Second
)

// Limits is the configurable set of quotas. New replaces a Limits whose
// MaxExtensions is zero with DefaultLimits as a whole; otherwise every field
// is used as given, zero fields included.
type Limits struct {
	MaxExtensions           int
	MaxDependencyDepth      int
	MaxTemplateSize         int
	MaxTemplateNodes        int
	MaxActivationTimePerExt time.Duration
}

// DefaultLimits returns the spec's §4.10 defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxExtensions:           MaxExtensions,
		MaxDependencyDepth:      MaxDependencyDepth,
		MaxTemplateSize:         MaxTemplateSize,
		MaxTemplateNodes:        MaxTemplateNodes,
		MaxActivationTimePerExt: MaxActivationTimePerExt,
	}
}

// LimitError reports a breached quota.
type LimitError struct {
	Limit    string
	Actual   int64
	Bound    int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("performance limit exceeded: %s (actual=%d, bound=%d)", e.Limit, e.Actual, e.Bound)
}

// meters is the small subset of OpenTelemetry metric instruments the
// monitor records to, adapted from the teacher's RED-metrics convention
// (core/pkg/observability/observability.go). A nil Meter is tolerated —
// instruments become no-ops — so the monitor works without an OTel SDK
// wired in tests.
type meters struct {
	extensionCount   metric.Int64UpDownCounter
	activationTiming metric.Float64Histogram
	limitBreaches    metric.Int64Counter
}

// Monitor enforces the spec's global quotas.
type Monitor struct {
	mu         sync.Mutex
	limits     Limits
	extensions int
	m          meters
	now        func() time.Time
}

// New constructs a Monitor. meter may be nil (metrics become no-ops);
// otherwise it should be obtained from an otel.MeterProvider as in
// cmd/tapestryd's wiring.
func New(limits Limits, meter metric.Meter) *Monitor {
	if limits.MaxExtensions == 0 {
		limits = DefaultLimits()
	}
	mon := &Monitor{limits: limits, now: time.Now}
	if meter != nil {
		mon.m.extensionCount, _ = meter.Int64UpDownCounter("tapestry.perfmon.extensions")
		mon.m.activationTiming, _ = meter.Float64Histogram("tapestry.perfmon.activation_seconds")
		mon.m.limitBreaches, _ = meter.Int64Counter("tapestry.perfmon.limit_breaches")
	}
	return mon
}

// RegisterExtension counts one more discovered extension against
// MaxExtensions.
func (m *Monitor) RegisterExtension() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extensions++
	if m.m.extensionCount != nil {
		m.m.extensionCount.Add(context.Background(), 1)
	}
	if m.extensions > m.limits.MaxExtensions {
		m.recordBreach("MAX_EXTENSIONS")
		return &LimitError{Limit: "MAX_EXTENSIONS", Actual: int64(m.extensions), Bound: int64(m.limits.MaxExtensions)}
	}
	return nil
}

// CheckDependencyDepth validates a dependency chain's depth at validation
// time.
func (m *Monitor) CheckDependencyDepth(depth int) error {
	if depth > m.limits.MaxDependencyDepth {
		m.recordBreach("MAX_DEPENDENCY_DEPTH")
		return &LimitError{Limit: "MAX_DEPENDENCY_DEPTH", Actual: int64(depth), Bound: int64(m.limits.MaxDependencyDepth)}
	}
	return nil
}

// CheckTemplateSize validates an overlay/UI template's byte size.
func (m *Monitor) CheckTemplateSize(sizeBytes int) error {
	if sizeBytes > m.limits.MaxTemplateSize {
		m.recordBreach("MAX_TEMPLATE_SIZE")
		return &LimitError{Limit: "MAX_TEMPLATE_SIZE", Actual: int64(sizeBytes), Bound: int64(m.limits.MaxTemplateSize)}
	}
	return nil
}

// CheckTemplateNodes validates a template's parsed node count.
func (m *Monitor) CheckTemplateNodes(nodes int) error {
	if nodes > m.limits.MaxTemplateNodes {
		m.recordBreach("MAX_TEMPLATE_NODES")
		return &LimitError{Limit: "MAX_TEMPLATE_NODES", Actual: int64(nodes), Bound: int64(m.limits.MaxTemplateNodes)}
	}
	return nil
}

// TimeActivation runs fn and enforces MaxActivationTimePerExt, returning a
// *LimitError if fn's wall-clock duration exceeds the bound. fn itself is
// not interrupted (Go has no safe preemption primitive here) — this guard
// is diagnostic, matching the host's synchronous activation model where an
// over-budget extension is then transitioned to FAILED by the caller.
func (m *Monitor) TimeActivation(extensionID string, fn func() error) error {
	start := m.now()
	err := fn()
	elapsed := m.now().Sub(start)
	if m.m.activationTiming != nil {
		m.m.activationTiming.Record(context.Background(), elapsed.Seconds())
	}
	if elapsed > m.limits.MaxActivationTimePerExt {
		m.recordBreach("MAX_ACTIVATION_TIME_PER_EXT")
		return &LimitError{
			Limit:  "MAX_ACTIVATION_TIME_PER_EXT",
			Actual: elapsed.Milliseconds(),
			Bound:  m.limits.MaxActivationTimePerExt.Milliseconds(),
		}
	}
	return err
}

func (m *Monitor) recordBreach(limit string) {
	if m.m.limitBreaches != nil {
		m.m.limitBreaches.Add(context.Background(), 1)
	}
}

// ExtensionCount returns the number of extensions counted so far.
func (m *Monitor) ExtensionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extensions
}
