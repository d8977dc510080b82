package statecell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tapestry-hosting/tapestry/pkg/eventbus"
)

type captureHandler struct {
	changes *[]Change
}

func (h captureHandler) Invoke(evt eventbus.Event) error {
	ch, ok := evt.Payload.(Change)
	if ok {
		*h.changes = append(*h.changes, ch)
	}
	return nil
}

func (h captureHandler) Identity() any { return "capture" }

func TestSetOutsideDispatchFlushesImmediately(t *testing.T) {
	bus := eventbus.New(nil, nil)
	coord := New(bus, nil)
	var changes []Change
	require.NoError(t, coord.SubscribeChanges("mod_a", "hp", captureHandler{changes: &changes}))

	coord.State("hp").Set(10)

	require.Len(t, changes, 1)
	assert.Nil(t, changes[0].OldValue)
	assert.Equal(t, 10, changes[0].NewValue)
}

func TestStateBatchingWithinOneEmit(t *testing.T) {
	bus := eventbus.New(nil, nil)
	coord := New(bus, nil)
	bus.SetHook(coord)

	var changes []Change
	require.NoError(t, coord.SubscribeChanges("sub", "hp", captureHandler{changes: &changes}))
	coord.State("hp").Set(10)
	changes = nil // discard the initial set's immediate flush

	tickHandler := recordingTick{cell: coord.State("hp")}
	require.NoError(t, bus.Subscribe("mod_a", "mod:mod_a:tick", tickHandler))

	require.NoError(t, bus.Emit("mod_a", "mod:mod_a:tick", nil))

	require.Len(t, changes, 2)
	assert.Equal(t, 10, changes[0].OldValue)
	assert.Equal(t, 9, changes[0].NewValue)
	assert.Equal(t, 9, changes[1].OldValue)
	assert.Equal(t, 8, changes[1].NewValue)
}

type recordingTick struct {
	cell *Cell
}

func (h recordingTick) Invoke(evt eventbus.Event) error {
	h.cell.Set(9)
	h.cell.Set(8)
	return nil
}

func (h recordingTick) Identity() any { return "tick" }

func TestMonotonicViewWithinHandler(t *testing.T) {
	bus := eventbus.New(nil, nil)
	coord := New(bus, nil)
	cell := coord.State("hp")
	cell.Set(1)
	cell.Set(2)
	assert.Equal(t, 2, cell.Get())
}

func TestPendingCountResetsAfterFlush(t *testing.T) {
	bus := eventbus.New(nil, nil)
	coord := New(bus, nil)
	coord.State("hp").Set(1)
	assert.Equal(t, 0, coord.PendingCount())
}
