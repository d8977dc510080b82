// Package descriptor loads and validates the extension descriptor file
// (spec §3/§6): a directory walk over an extensions root, JSON parsing,
// JSON-Schema structural validation, and the semantic invariants (id
// format, self-dependency forbidden, typeImports subset of
// requiredDependencies, semver triples) that turn raw JSON into an
// immutable Descriptor.
package descriptor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tapestry-hosting/tapestry/pkg/registry"
	"github.com/tapestry-hosting/tapestry/pkg/tapestryerr"
)

// FileName is the expected descriptor file inside each extension directory.
const FileName = "tapestry.json"

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// schemaDoc is the structural JSON Schema every descriptor file must
// satisfy, grounded on the teacher's firewall/PolicyFirewall schema
// compilation pattern (draft 2020-12 via jsonschema.Compiler).
const schemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name", "version", "minFrameworkVersion"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string"},
    "version": {"type": "string"},
    "minFrameworkVersion": {"type": "string"},
    "requiredDependencies": {"type": "array", "items": {"type": "string"}},
    "typeImports": {"type": "array", "items": {"type": "string"}},
    "typeExportEntry": {"type": "string"},
    "capabilities": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "kind"],
        "properties": {
          "name": {"type": "string"},
          "kind": {"type": "string", "enum": ["API", "HOOK", "SERVICE", "TYPE"]},
          "exclusive": {"type": "boolean"},
          "config": {"type": "object"},
          "path": {"type": "string"}
        }
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://tapestry.local/descriptor.schema.json"
	if err := c.AddResource(url, strings.NewReader(schemaDoc)); err != nil {
		panic(fmt.Sprintf("descriptor: invalid embedded schema: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("descriptor: schema did not compile: %v", err))
	}
	return s
}

// CapabilityDecl mirrors registry.DeclaredCapability's key shape plus the
// extra descriptor-only fields (spec §3's CapabilityDecl).
type CapabilityDecl struct {
	Name      string
	Kind      registry.Kind
	Exclusive bool
	Config    map[string]any
	Path      string
}

// Descriptor is the immutable, validated record produced from one
// extension's descriptor file.
type Descriptor struct {
	ID                   string
	Name                 string
	Version              *semver.Version
	MinFrameworkVersion  *semver.Version
	Capabilities         []CapabilityDecl
	RequiredDependencies []string
	TypeImports          []string
	TypeExportEntry      string
}

// rawCapability and rawDescriptor mirror the on-disk JSON shape before
// semver parsing and invariant checks.
type rawCapability struct {
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	Exclusive bool           `json:"exclusive"`
	Config    map[string]any `json:"config"`
	Path      string         `json:"path"`
}

type rawDescriptor struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Version              string          `json:"version"`
	MinFrameworkVersion  string          `json:"minFrameworkVersion"`
	Capabilities         []rawCapability `json:"capabilities"`
	RequiredDependencies []string        `json:"requiredDependencies"`
	TypeImports          []string        `json:"typeImports"`
	TypeExportEntry      string          `json:"typeExportEntry"`
}

// InvalidIDError reports an id that fails the `^[a-z][a-z0-9_]*$` pattern.
type InvalidIDError struct{ ID string }

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("descriptor id %q does not match ^[a-z][a-z0-9_]*$", e.ID)
}

// SelfDependencyError reports an extension that lists itself as a
// requiredDependency.
type SelfDependencyError struct{ ID string }

func (e *SelfDependencyError) Error() string {
	return fmt.Sprintf("extension %q lists itself as a required dependency", e.ID)
}
func (e *SelfDependencyError) Code() tapestryerr.Code { return tapestryerr.DependencyCycleDetected }

// TypeImportNotRequiredError reports a typeImports entry that is not also a
// requiredDependency.
type TypeImportNotRequiredError struct {
	ID         string
	Dependency string
}

func (e *TypeImportNotRequiredError) Error() string {
	return fmt.Sprintf("extension %q: typeImport %q is not in requiredDependencies", e.ID, e.Dependency)
}
func (e *TypeImportNotRequiredError) Code() tapestryerr.Code {
	return tapestryerr.TypeImportNotRequiredDep
}

// DuplicateExtensionIDError reports two descriptors sharing the same id.
type DuplicateExtensionIDError struct{ ID string }

func (e *DuplicateExtensionIDError) Error() string {
	return fmt.Sprintf("duplicate extension id %q", e.ID)
}
func (e *DuplicateExtensionIDError) Code() tapestryerr.Code { return tapestryerr.DuplicateExtensionID }

// Parse validates raw against the structural schema and the semantic
// invariants of spec §3, returning an immutable Descriptor.
func Parse(raw []byte) (Descriptor, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Descriptor{}, fmt.Errorf("descriptor: invalid json: %w", err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return Descriptor{}, fmt.Errorf("descriptor: schema validation failed: %w", err)
	}

	var rd rawDescriptor
	if err := json.Unmarshal(raw, &rd); err != nil {
		return Descriptor{}, fmt.Errorf("descriptor: decode: %w", err)
	}

	if !idPattern.MatchString(rd.ID) {
		return Descriptor{}, &InvalidIDError{ID: rd.ID}
	}
	for _, dep := range rd.RequiredDependencies {
		if dep == rd.ID {
			return Descriptor{}, &SelfDependencyError{ID: rd.ID}
		}
	}
	required := make(map[string]bool, len(rd.RequiredDependencies))
	for _, dep := range rd.RequiredDependencies {
		required[dep] = true
	}
	for _, imp := range rd.TypeImports {
		if !required[imp] {
			return Descriptor{}, &TypeImportNotRequiredError{ID: rd.ID, Dependency: imp}
		}
	}

	version, err := semver.NewVersion(rd.Version)
	if err != nil {
		return Descriptor{}, fmt.Errorf("descriptor %q: invalid version %q: %w", rd.ID, rd.Version, err)
	}
	minFramework, err := semver.NewVersion(rd.MinFrameworkVersion)
	if err != nil {
		return Descriptor{}, fmt.Errorf("descriptor %q: invalid minFrameworkVersion %q: %w", rd.ID, rd.MinFrameworkVersion, err)
	}

	caps := make([]CapabilityDecl, 0, len(rd.Capabilities))
	for _, c := range rd.Capabilities {
		caps = append(caps, CapabilityDecl{
			Name:      c.Name,
			Kind:      registry.Kind(c.Kind),
			Exclusive: c.Exclusive,
			Config:    c.Config,
			Path:      c.Path,
		})
	}

	return Descriptor{
		ID:                   rd.ID,
		Name:                 rd.Name,
		Version:              version,
		MinFrameworkVersion:  minFramework,
		Capabilities:         caps,
		RequiredDependencies: append([]string(nil), rd.RequiredDependencies...),
		TypeImports:          append([]string(nil), rd.TypeImports...),
		TypeExportEntry:      rd.TypeExportEntry,
	}, nil
}

// Load reads and parses the descriptor file inside extDir (directory name is
// conventionally the extension id, per spec §6).
func Load(extDir string) (Descriptor, error) {
	raw, err := os.ReadFile(filepath.Join(extDir, FileName))
	if err != nil {
		return Descriptor{}, fmt.Errorf("descriptor: read %q: %w", extDir, err)
	}
	return Parse(raw)
}

// LoadAll walks root, one subdirectory per extension, loading and
// validating each descriptor. A duplicate id across two directories fails
// the whole walk, matching the DISCOVERY-phase global uniqueness invariant.
func LoadAll(root string) ([]Descriptor, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("descriptor: read extensions root %q: %w", root, err)
	}

	var out []Descriptor
	seen := make(map[string]bool)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		d, err := Load(filepath.Join(root, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("descriptor: %s: %w", entry.Name(), err)
		}
		if seen[d.ID] {
			return nil, &DuplicateExtensionIDError{ID: d.ID}
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	return out, nil
}
