package eventbus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type recordingHandler struct {
	id    string
	calls *[]string
	err   error
}

func (h recordingHandler) Invoke(evt Event) error {
	*h.calls = append(*h.calls, h.id)
	return h.err
}

func (h recordingHandler) Identity() any { return h.id }

func TestSubscribeAndEmitOrdering(t *testing.T) {
	b := New(nil, nil)
	var calls []string
	require.NoError(t, b.Subscribe("mod_a", "mod:mod_a:tick", recordingHandler{id: "first", calls: &calls}))
	require.NoError(t, b.Subscribe("mod_a", "mod:mod_a:tick", recordingHandler{id: "second", calls: &calls}))

	require.NoError(t, b.Emit("mod_a", "mod:mod_a:tick", nil))
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestEmitForbiddenOutsideOwningMod(t *testing.T) {
	b := New(nil, nil)
	err := b.Emit("mod_b", "mod:mod_a:tick", nil)
	require.Error(t, err)
	var nsErr *NamespaceError
	require.ErrorAs(t, err, &nsErr)
}

func TestEngineEmitReservedToHost(t *testing.T) {
	b := New(nil, nil)
	err := b.Emit("mod_a", "engine:ready", nil)
	require.Error(t, err)

	require.NoError(t, b.Emit("", "engine:ready", nil))
}

func TestUIEmitIsWarnedNotRejected(t *testing.T) {
	b := New(nil, nil)
	require.NoError(t, b.Emit("mod_a", "ui:open", nil))
}

func TestDuplicateSubscribeRejected(t *testing.T) {
	b := New(nil, nil)
	var calls []string
	h := recordingHandler{id: "h", calls: &calls}
	require.NoError(t, b.Subscribe("mod_a", "mod:mod_a:tick", h))
	err := b.Subscribe("mod_a", "mod:mod_a:tick", h)
	require.Error(t, err)
	var dup *DuplicateListenerError
	require.ErrorAs(t, err, &dup)
}

func TestHandlerErrorDoesNotStopSiblings(t *testing.T) {
	b := New(nil, nil)
	var calls []string
	require.NoError(t, b.Subscribe("mod_a", "mod:mod_a:tick", recordingHandler{id: "fails", calls: &calls, err: fmt.Errorf("boom")}))
	require.NoError(t, b.Subscribe("mod_a", "mod:mod_a:tick", recordingHandler{id: "ok", calls: &calls}))

	require.NoError(t, b.Emit("mod_a", "mod:mod_a:tick", nil))
	assert.Equal(t, []string{"fails", "ok"}, calls)
}

// snapshotHandler subscribes a second listener mid-dispatch to prove the
// first emit's snapshot excludes it.
type snapshotHandler struct {
	bus   *Bus
	calls *[]string
}

func (h snapshotHandler) Invoke(evt Event) error {
	*h.calls = append(*h.calls, "first")
	_ = h.bus.Subscribe("mod_a", "mod:mod_a:tick", recordingHandler{id: "late", calls: h.calls})
	return nil
}

func (h snapshotHandler) Identity() any { return "snapshot" }

func TestSnapshotOnDispatchExcludesMidEmitSubscribers(t *testing.T) {
	b := New(nil, nil)
	var calls []string
	require.NoError(t, b.Subscribe("mod_a", "mod:mod_a:tick", snapshotHandler{bus: b, calls: &calls}))

	require.NoError(t, b.Emit("mod_a", "mod:mod_a:tick", nil))
	assert.Equal(t, []string{"first"}, calls)

	calls = nil
	require.NoError(t, b.Emit("mod_a", "mod:mod_a:tick", nil))
	assert.ElementsMatch(t, []string{"first", "late"}, calls)
}

func TestRemoveAllListenersForMod(t *testing.T) {
	b := New(nil, nil)
	var calls []string
	require.NoError(t, b.Subscribe("mod_a", "mod:mod_a:tick", recordingHandler{id: "a", calls: &calls}))
	require.NoError(t, b.Subscribe("mod_b", "mod:mod_b:tick", recordingHandler{id: "b", calls: &calls}))

	b.RemoveAllListenersForMod("mod_a")

	require.NoError(t, b.Emit("mod_a", "mod:mod_a:tick", nil))
	require.NoError(t, b.Emit("mod_b", "mod:mod_b:tick", nil))
	assert.Equal(t, []string{"b"}, calls)
}

func TestInvalidModNamespaceShapeRejected(t *testing.T) {
	b := New(nil, nil)
	err := b.Subscribe("mod_a", "mod:incomplete", recordingHandler{id: "x", calls: &[]string{}})
	require.Error(t, err)
}

func TestEmitRecordsSpanWhenTracerAttached(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(nil)

	b := New(nil, nil)
	b.SetTracer(tp.Tracer("test"))

	require.NoError(t, b.Emit("", "engine:boot", nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "eventbus.emit", spans[0].Name)
}

func TestEmitWithoutTracerRecordsNoSpans(t *testing.T) {
	b := New(nil, nil)
	require.NoError(t, b.Emit("", "engine:boot", nil))
}
