package observ_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tapestry-hosting/tapestry/pkg/observ"
)

func TestNewDisabledProviderUsesNoopProviders(t *testing.T) {
	cfg := observ.DefaultConfig()
	require.False(t, cfg.Enabled)

	p, err := observ.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
}

func TestStartSpanOnDisabledProviderDoesNotPanic(t *testing.T) {
	p, err := observ.New(context.Background(), observ.DefaultConfig(), nil)
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "test.span")
	assert.NotNil(t, ctx)
	span.End()
}

func TestShutdownOnDisabledProviderIsNoop(t *testing.T) {
	p, err := observ.New(context.Background(), observ.DefaultConfig(), nil)
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}
