package phase

import (
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestAdvanceToImmediateSuccessorSucceeds(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.AdvanceTo(Discovery))
	assert.Equal(t, Discovery, c.Current())
}

func TestAdvanceToSamePhaseIsNoOp(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.AdvanceTo(Bootstrap))
	assert.Equal(t, Bootstrap, c.Current())
}

func TestAdvanceToSkipFails(t *testing.T) {
	c := New(nil)
	err := c.AdvanceTo(Validation)
	require.Error(t, err)
	var oe *OrderingError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, Bootstrap, oe.From)
	assert.Equal(t, Bootstrap, c.Current())
}

func TestAdvanceToBackwardsFails(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.AdvanceTo(Discovery))
	require.NoError(t, c.AdvanceTo(Validation))
	err := c.AdvanceTo(Discovery)
	require.Error(t, err)
	assert.Equal(t, Validation, c.Current())
}

func TestRequireGates(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.AdvanceTo(Discovery))
	require.NoError(t, c.AdvanceTo(Validation))
	require.NoError(t, c.AdvanceTo(Registration))

	assert.NoError(t, c.RequirePhase(Registration))
	assert.Error(t, c.RequirePhase(Discovery))
	assert.NoError(t, c.RequireAtLeast(Discovery))
	assert.Error(t, c.RequireAtLeast(Freeze))
	assert.NoError(t, c.RequireAtMost(Registration))
	assert.Error(t, c.RequireAtMost(Discovery))
}

func TestTryAdvanceToConcurrentRaceHasExactlyOneWinner(t *testing.T) {
	c := New(nil)
	const n = 50
	var wg sync.WaitGroup
	var successes int32
	var mu sync.Mutex
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if err := c.TryAdvanceTo(Discovery); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), successes)
	assert.Equal(t, Discovery, c.Current())
}

func TestResetReturnsToBootstrap(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.AdvanceTo(Discovery))
	c.Reset()
	assert.Equal(t, Bootstrap, c.Current())
	assert.Empty(t, c.History())
}

// TestPhaseMonotonicProperty is the property-based check for spec §8:
// "for all t1<t2: phase(t1) <= phase(t2)".
func TestPhaseMonotonicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("a sequence of AdvanceTo calls never decreases the observed phase", prop.ForAll(
		func(steps int) bool {
			c := New(nil)
			last := c.Current()
			for i := 0; i < steps; i++ {
				next, ok := c.Current().Next()
				if !ok {
					break
				}
				if err := c.AdvanceTo(next); err != nil {
					return false
				}
				cur := c.Current()
				if cur < last {
					return false
				}
				last = cur
			}
			return true
		},
		gen.IntRange(0, len(names)+2),
	))

	properties.TestingRun(t)
}

func TestAdvanceToRecordsSpanWhenTracerAttached(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(nil)

	c := New(nil)
	c.SetTracer(tp.Tracer("test"))

	require.NoError(t, c.AdvanceTo(Discovery))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "phase.advance", spans[0].Name)
}

func TestAdvanceToWithoutTracerRecordsNoSpans(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.AdvanceTo(Discovery))
}
