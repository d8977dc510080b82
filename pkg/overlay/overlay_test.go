package overlay

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tapestry-hosting/tapestry/pkg/phase"
)

type fnRender struct {
	fn func() error
}

func (r fnRender) Render() error { return r.fn() }

func readyGate(t *testing.T) *phase.Controller {
	t.Helper()
	c := phase.New(nil)
	for c.Current() != phase.ClientPresentationReady {
		next, _ := c.Current().Next()
		require.NoError(t, c.AdvanceTo(next))
	}
	return c
}

func TestRegisterAndRenderOrder(t *testing.T) {
	c := readyGate(t)
	r := New(c, nil)

	require.NoError(t, r.Register("mod_a", "hud", Center, 5, fnRender{fn: func() error { return nil }}))
	require.NoError(t, r.Register("mod_a", "banner", TopLeft, 1, fnRender{fn: func() error { return nil }}))

	order := r.RenderOrder()
	require.Len(t, order, 2)
	assert.Equal(t, "banner", order[0].OverlayID)
	assert.Equal(t, "hud", order[1].OverlayID)
}

func TestRenderPanicPermanentlyDisables(t *testing.T) {
	c := readyGate(t)
	r := New(c, nil)
	require.NoError(t, r.Register("mod_a", "hud", Center, 0, fnRender{fn: func() error { panic("boom") }}))

	r.RenderAll()

	e, ok := r.Get("hud")
	require.True(t, ok)
	assert.False(t, e.Visible)

	err := r.SetOverlayVisibility("mod_a", "hud", true)
	require.NoError(t, err)
	e, _ = r.Get("hud")
	assert.False(t, e.Visible, "disabled overlay stays hidden even after an explicit show")
}

func TestSetVisibilityRequiresOwnership(t *testing.T) {
	c := readyGate(t)
	r := New(c, nil)
	require.NoError(t, r.Register("mod_a", "hud", Center, 0, fnRender{fn: func() error { return nil }}))

	err := r.SetOverlayVisibility("mod_b", "hud", false)
	require.Error(t, err)
	var no *NotOwnerError
	require.ErrorAs(t, err, &no)
}

func TestRegisterBeforePresentationReadyFails(t *testing.T) {
	c := phase.New(nil)
	r := New(c, nil)
	err := r.Register("mod_a", "hud", Center, 0, fnRender{fn: func() error { return nil }})
	require.Error(t, err)
}

func TestRenderErrorDisablesAndSiblingsStillRender(t *testing.T) {
	c := readyGate(t)
	r := New(c, nil)
	var ranSibling bool
	require.NoError(t, r.Register("mod_a", "bad", TopLeft, 0, fnRender{fn: func() error { return fmt.Errorf("fail") }}))
	require.NoError(t, r.Register("mod_a", "good", TopRight, 1, fnRender{fn: func() error { ranSibling = true; return nil }}))

	r.RenderAll()

	assert.True(t, ranSibling)
	bad, _ := r.Get("bad")
	assert.False(t, bad.Visible)
}
