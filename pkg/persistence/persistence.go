// Package persistence implements the Persistence Service: a per-extension
// namespaced JSON-serializable store gated at PERSISTENCE_READY, with the
// versioned on-disk file shape of spec §6 and legacy (no schemaVersion)
// migration.
package persistence

import (
	"fmt"
	"sync"

	"github.com/tapestry-hosting/tapestry/pkg/phase"
	"github.com/tapestry-hosting/tapestry/pkg/tapehash"
	"github.com/tapestry-hosting/tapestry/pkg/tapestryerr"
)

// CurrentSchemaVersion is the only schemaVersion this Service writes.
const CurrentSchemaVersion = 1

// SchemaVersionError is returned when a persistence file's schemaVersion
// does not match CurrentSchemaVersion.
type SchemaVersionError struct {
	ExtensionID string
	Found       int
	Want        int
}

func (e *SchemaVersionError) Error() string {
	return fmt.Sprintf("persistence file for %q has schemaVersion %d, want %d", e.ExtensionID, e.Found, e.Want)
}
func (e *SchemaVersionError) Code() tapestryerr.Code { return tapestryerr.SchemaVersionMismatch }

// NotSerializableError is returned when a value fails the JSON-serializable
// shape check (spec §4.6: null, bool, number, string, array, or
// string-keyed map of the same, recursively).
type NotSerializableError struct{ Path string }

func (e *NotSerializableError) Error() string {
	return fmt.Sprintf("value at %s is not JSON-serializable", e.Path)
}

// FileRecord is the on-disk shape of one extension's persistence file
// (spec §6: `{schemaVersion: 1, data: {...}}`).
type FileRecord struct {
	SchemaVersion int            `json:"schemaVersion"`
	Data          map[string]any `json:"data"`
}

// Backend is the storage collaborator a Store delegates to. Concrete
// implementations: a local-file backend (this package's default, Design
// Notes §9's "external collaborator"), and the optional SQL-backed
// SQLBackend in sqlstore.go.
type Backend interface {
	// Load returns extID's stored record. A missing record is reported via
	// found=false, not an error (spec: "Missing file -> empty store").
	Load(extID string) (rec FileRecord, legacy bool, found bool, err error)
	// Save persists extID's record, overwriting any prior content.
	Save(extID string, rec FileRecord) error
}

// phaseGate is the subset of *phase.Controller Store needs.
type phaseGate interface {
	RequireAtLeast(p phase.Phase) error
}

// Store is the per-extension namespaced persistence facade. One Store
// instance serves every extension; data is keyed first by extension id.
type Store struct {
	mu      sync.Mutex
	gate    phaseGate
	backend Backend
	cache   map[string]map[string]any // extID -> loaded/mutated data, lazily populated
	dirty   map[string]bool

	// legacyDigests records the BLAKE2b fingerprint of each legacy record's
	// content at the moment it was migrated, so a caller auditing the
	// migration can confirm the rewritten file still matches what was read.
	legacyDigests map[string]string
}

// New constructs a Store backed by backend.
func New(gate phaseGate, backend Backend) *Store {
	return &Store{
		gate:          gate,
		backend:       backend,
		cache:         make(map[string]map[string]any),
		dirty:         make(map[string]bool),
		legacyDigests: make(map[string]string),
	}
}

// LegacyMigrationDigest returns the content digest recorded when extID's
// persistence file was migrated from the legacy (no schemaVersion) shape, if
// any migration has happened for it yet.
func (s *Store) LegacyMigrationDigest(extID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.legacyDigests[extID]
	return d, ok
}

func validateSerializable(v any, path string) error {
	switch val := v.(type) {
	case nil, bool, float64, float32, int, int32, int64, string:
		return nil
	case []any:
		for i, item := range val {
			if err := validateSerializable(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for k, item := range val {
			if err := validateSerializable(item, path+"."+k); err != nil {
				return err
			}
		}
		return nil
	default:
		return &NotSerializableError{Path: path}
	}
}

func (s *Store) ensureLoaded(extID string) error {
	if _, ok := s.cache[extID]; ok {
		return nil
	}
	rec, legacy, found, err := s.backend.Load(extID)
	if err != nil {
		return err
	}
	if !found {
		s.cache[extID] = make(map[string]any)
		return nil
	}
	if !legacy && rec.SchemaVersion != CurrentSchemaVersion {
		return &SchemaVersionError{ExtensionID: extID, Found: rec.SchemaVersion, Want: CurrentSchemaVersion}
	}
	if rec.Data == nil {
		rec.Data = make(map[string]any)
	}
	s.cache[extID] = rec.Data
	if legacy {
		// Legacy files are rewritten on next save; mark dirty so a
		// subsequent flush normalizes the on-disk shape even without an
		// explicit Set.
		s.dirty[extID] = true
		if digest, err := tapehash.FastHash(rec.Data); err == nil {
			s.legacyDigests[extID] = digest
		}
	}
	return nil
}

func (s *Store) requireReady() error {
	return s.gate.RequireAtLeast(phase.PersistenceReady)
}

// Set stores value under key in extID's namespace. value must be
// JSON-serializable.
func (s *Store) Set(extID, key string, value any) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	if err := validateSerializable(value, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(extID); err != nil {
		return err
	}
	s.cache[extID][key] = value
	s.dirty[extID] = true
	return nil
}

// Get returns the value stored under key, and whether it was present.
func (s *Store) Get(extID, key string) (any, bool, error) {
	if err := s.requireReady(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(extID); err != nil {
		return nil, false, err
	}
	v, ok := s.cache[extID][key]
	return v, ok, nil
}

// Has reports whether key exists in extID's namespace.
func (s *Store) Has(extID, key string) (bool, error) {
	_, ok, err := s.Get(extID, key)
	return ok, err
}

// Delete removes key from extID's namespace. Deleting an absent key is a
// no-op.
func (s *Store) Delete(extID, key string) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(extID); err != nil {
		return err
	}
	if _, ok := s.cache[extID][key]; ok {
		delete(s.cache[extID], key)
		s.dirty[extID] = true
	}
	return nil
}

// Keys returns every key currently stored for extID.
func (s *Store) Keys(extID string) ([]string, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(extID); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(s.cache[extID]))
	for k := range s.cache[extID] {
		out = append(out, k)
	}
	return out, nil
}

// GetAll returns a copy of extID's entire namespace.
func (s *Store) GetAll(extID string) (map[string]any, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(extID); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(s.cache[extID]))
	for k, v := range s.cache[extID] {
		out[k] = v
	}
	return out, nil
}

// Clear removes every key in extID's namespace.
func (s *Store) Clear(extID string) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(extID); err != nil {
		return err
	}
	if len(s.cache[extID]) > 0 {
		s.cache[extID] = make(map[string]any)
		s.dirty[extID] = true
	}
	return nil
}

// Flush writes every dirty extension namespace to the backend. Callers
// typically invoke this on shutdown (spec §5: "Persistence writes on
// shutdown"); "save now" semantics are just an earlier explicit Flush call,
// still synchronous on the calling goroutine.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for extID := range s.dirty {
		rec := FileRecord{SchemaVersion: CurrentSchemaVersion, Data: s.cache[extID]}
		if err := s.backend.Save(extID, rec); err != nil {
			return fmt.Errorf("persistence: flush %q: %w", extID, err)
		}
	}
	s.dirty = make(map[string]bool)
	return nil
}
