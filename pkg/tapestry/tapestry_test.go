package tapestry_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapestry-hosting/tapestry/pkg/config"
	"github.com/tapestry-hosting/tapestry/pkg/guestcall"
	"github.com/tapestry-hosting/tapestry/pkg/lifecycle"
	"github.com/tapestry-hosting/tapestry/pkg/overlay"
	"github.com/tapestry-hosting/tapestry/pkg/phase"
	"github.com/tapestry-hosting/tapestry/pkg/rpc"
	"github.com/tapestry-hosting/tapestry/pkg/tapestry"
)

type noopRender struct{}

func (noopRender) Render() error { return nil }

func writeExtension(t *testing.T, root, id string, raw string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tapestry.json"), []byte(raw), 0o644))
}

func weatherDescriptorJSON() string {
	return `{
		"id": "weather_widget",
		"name": "Weather Widget",
		"version": "1.0.0",
		"minFrameworkVersion": "0.1.0",
		"capabilities": [
			{"name": "fetch", "kind": "API", "exclusive": false}
		]
	}`
}

func newTestCoordinator(t *testing.T) *tapestry.Coordinator {
	t.Helper()
	root := t.TempDir()
	writeExtension(t, root, "weather_widget", weatherDescriptorJSON())

	cfg := config.Load()
	cfg.ExtensionsRoot = root
	cfg.PersistenceRoot = t.TempDir()
	cfg.PersistenceBackend = "file"

	c, err := tapestry.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	return c
}

func TestBootAdvancesThroughRuntimeAndRegistersAPIMethod(t *testing.T) {
	c := newTestCoordinator(t)
	require.NoError(t, c.Boot(context.Background()))

	assert.Equal(t, phase.Runtime, c.Phase.Current())

	require.NoError(t, c.APIs.Add("weather_widget", "fetch", guestcall.Func{
		Name: "fetch",
		Fn:   func(ctx context.Context, args any) (any, error) { return args, nil },
	}))
}

func TestBootRegistersExtensionAsReady(t *testing.T) {
	c := newTestCoordinator(t)
	require.NoError(t, c.Boot(context.Background()))

	state, err := c.Lifecycle.GetExtensionState("weather_widget")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Ready, state)
}

func TestBootLeavesAPIRegistryFrozen(t *testing.T) {
	c := newTestCoordinator(t)
	require.NoError(t, c.Boot(context.Background()))

	err := c.APIs.Add("weather_widget", "fetch", guestcall.Func{Name: "fetch"})
	require.Error(t, err, "API registry must be frozen by the time Boot returns")
}

func TestEnterClientPresentationOpensOverlays(t *testing.T) {
	c := newTestCoordinator(t)
	require.NoError(t, c.Boot(context.Background()))
	require.NoError(t, c.EnterClientPresentation())

	err := c.Overlays.Register("weather_widget", "badge", overlay.TopLeft, 0, noopRender{})
	require.NoError(t, err)
}

func TestBootWithNoExtensionsReachesRuntimeWithEmptyAllowlist(t *testing.T) {
	root := t.TempDir()
	cfg := config.Load()
	cfg.ExtensionsRoot = root
	cfg.PersistenceRoot = t.TempDir()

	c, err := tapestry.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, c.Boot(context.Background()))

	assert.Empty(t, c.RPC.MethodIDs())
	resp := c.RPC.Dispatch(context.Background(), "conn1", nil, rpc.RPCCallFrame{ID: "1", Method: "missing"})
	assert.False(t, resp.Success)
}

func TestAuditLogRecordsEveryPhaseTransition(t *testing.T) {
	c := newTestCoordinator(t)
	require.NoError(t, c.Boot(context.Background()))

	ok, err := c.Audit.VerifyChain()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, c.Audit.Entries)

	// DISCOVERY through RUNTIME is ten advances, each audited once.
	transitions := 0
	for _, e := range c.Audit.Entries {
		if e.Action == "PHASE_TRANSITION" {
			transitions++
		}
	}
	assert.Equal(t, 10, transitions)
}
