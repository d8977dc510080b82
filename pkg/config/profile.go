package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is the optional tapestry.yaml engine profile: search paths and
// quota overrides that sit above the per-process environment variables,
// matching the teacher's RegionalProfile/profile_loader.go pattern
// generalized to this engine's own knobs.
type Profile struct {
	ExtensionSearchPaths []string       `yaml:"extension_search_paths"`
	QuotaOverrides       QuotaOverrides `yaml:"quota_overrides"`
}

// QuotaOverrides mirrors the subset of Config's limits an operator may want
// to tune per deployment without touching environment variables.
type QuotaOverrides struct {
	MaxExtensions      int `yaml:"max_extensions,omitempty"`
	MaxDependencyDepth int `yaml:"max_dependency_depth,omitempty"`
	MaxTemplateSize    int `yaml:"max_template_size,omitempty"`
	MaxTemplateNodes   int `yaml:"max_template_nodes,omitempty"`
}

// LoadProfile reads a tapestry.yaml profile from path.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile %q: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile %q: %w", path, err)
	}
	return &p, nil
}

// ApplyOverrides merges non-zero QuotaOverrides fields into c.
func (p *Profile) ApplyOverrides(c *Config) {
	if p.QuotaOverrides.MaxExtensions != 0 {
		c.MaxExtensions = p.QuotaOverrides.MaxExtensions
	}
	if p.QuotaOverrides.MaxDependencyDepth != 0 {
		c.MaxDependencyDepth = p.QuotaOverrides.MaxDependencyDepth
	}
	if p.QuotaOverrides.MaxTemplateSize != 0 {
		c.MaxTemplateSize = p.QuotaOverrides.MaxTemplateSize
	}
	if p.QuotaOverrides.MaxTemplateNodes != 0 {
		c.MaxTemplateNodes = p.QuotaOverrides.MaxTemplateNodes
	}
}
