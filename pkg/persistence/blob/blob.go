// Package blob defines a small object-storage abstraction for content that
// outgrows the local-file and SQL persistence backends: generated
// TypeExportEntry ".d.ts"-equivalent stub files and oversized descriptor
// artifacts. Keys are extension-scoped paths ("<extId>/<name>"), not content
// hashes, since these objects are looked up by identity rather than by
// digest.
package blob

import "context"

// Store persists and retrieves named blobs.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// ErrNotFound is returned by Get when key has no object. Delete of an
// absent key is not reported as ErrNotFound.
type ErrNotFound struct{ Key string }

func (e *ErrNotFound) Error() string { return "blob: no object at key " + e.Key }
