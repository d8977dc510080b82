package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileBackend is the default local-disk Backend: one file per extension
// under Root, filename "<extId>.json" (spec §6).
type FileBackend struct {
	Root string
}

// NewFileBackend constructs a FileBackend rooted at root. The directory is
// created lazily on first Save.
func NewFileBackend(root string) *FileBackend {
	return &FileBackend{Root: root}
}

func (b *FileBackend) path(extID string) string {
	return filepath.Join(b.Root, extID+".json")
}

// Load reads extID's file. A missing file returns found=false, not an
// error. A file lacking "schemaVersion" is treated as legacy: the whole
// root object becomes the data map (spec §6: "read with root-as-data
// semantics").
func (b *FileBackend) Load(extID string) (FileRecord, bool, bool, error) {
	raw, err := os.ReadFile(b.path(extID))
	if err != nil {
		if os.IsNotExist(err) {
			return FileRecord{}, false, false, nil
		}
		return FileRecord{}, false, false, fmt.Errorf("persistence: read %q: %w", extID, err)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return FileRecord{}, false, false, fmt.Errorf("persistence: parse %q: %w", extID, err)
	}

	if _, hasVersion := probe["schemaVersion"]; !hasVersion {
		var legacyData map[string]any
		if err := json.Unmarshal(raw, &legacyData); err != nil {
			return FileRecord{}, false, false, fmt.Errorf("persistence: parse legacy %q: %w", extID, err)
		}
		return FileRecord{SchemaVersion: CurrentSchemaVersion, Data: legacyData}, true, true, nil
	}

	var rec FileRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return FileRecord{}, false, false, fmt.Errorf("persistence: parse %q: %w", extID, err)
	}
	return rec, false, true, nil
}

// Save atomically writes extID's record via a temp-file-then-rename, so a
// crash mid-write never corrupts the prior file.
func (b *FileBackend) Save(extID string, rec FileRecord) error {
	if err := os.MkdirAll(b.Root, 0o755); err != nil {
		return fmt.Errorf("persistence: mkdir %q: %w", b.Root, err)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("persistence: marshal %q: %w", extID, err)
	}
	tmp, err := os.CreateTemp(b.Root, extID+".json.tmp-*")
	if err != nil {
		return fmt.Errorf("persistence: create temp for %q: %w", extID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("persistence: write temp for %q: %w", extID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persistence: close temp for %q: %w", extID, err)
	}
	if err := os.Rename(tmpName, b.path(extID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persistence: rename temp for %q: %w", extID, err)
	}
	return nil
}
