package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tapestry-hosting/tapestry/pkg/config"
)

func TestLoadProfileParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tapestry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
extension_search_paths:
  - ./extensions
  - ./vendor/extensions
quota_overrides:
  max_extensions: 50
`), 0o644))

	p, err := config.LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"./extensions", "./vendor/extensions"}, p.ExtensionSearchPaths)
	assert.Equal(t, 50, p.QuotaOverrides.MaxExtensions)
}

func TestApplyOverridesOnlyTouchesNonZeroFields(t *testing.T) {
	p := &config.Profile{QuotaOverrides: config.QuotaOverrides{MaxExtensions: 75}}
	cfg := config.Load()
	cfg.MaxDependencyDepth = 50

	p.ApplyOverrides(cfg)
	assert.Equal(t, 75, cfg.MaxExtensions)
	assert.Equal(t, 50, cfg.MaxDependencyDepth)
}

func TestLoadProfileMissingFileErrors(t *testing.T) {
	_, err := config.LoadProfile("/nonexistent/tapestry.yaml")
	require.Error(t, err)
}
