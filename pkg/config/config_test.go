package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tapestry-hosting/tapestry/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"TAPESTRY_EXTENSIONS_ROOT", "TAPESTRY_LOG_LEVEL", "TAPESTRY_PERSISTENCE_BACKEND",
		"TAPESTRY_MAX_EXTENSIONS", "TAPESTRY_MAX_ACTIVATION_TIME",
	} {
		t.Setenv(k, "")
	}

	cfg := config.Load()
	assert.Equal(t, "./extensions", cfg.ExtensionsRoot)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "file", cfg.PersistenceBackend)
	assert.Equal(t, 200, cfg.MaxExtensions)
	assert.Equal(t, 5*time.Second, cfg.MaxActivationTimePerExt)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TAPESTRY_EXTENSIONS_ROOT", "/srv/extensions")
	t.Setenv("TAPESTRY_PERSISTENCE_BACKEND", "postgres")
	t.Setenv("TAPESTRY_MAX_EXTENSIONS", "500")
	t.Setenv("TAPESTRY_MAX_ACTIVATION_TIME", "10s")

	cfg := config.Load()
	assert.Equal(t, "/srv/extensions", cfg.ExtensionsRoot)
	assert.Equal(t, "postgres", cfg.PersistenceBackend)
	assert.Equal(t, 500, cfg.MaxExtensions)
	assert.Equal(t, 10*time.Second, cfg.MaxActivationTimePerExt)
}

func TestLoadInvalidIntFallsBackToDefault(t *testing.T) {
	t.Setenv("TAPESTRY_MAX_EXTENSIONS", "not-a-number")
	cfg := config.Load()
	assert.Equal(t, 200, cfg.MaxExtensions)
}
