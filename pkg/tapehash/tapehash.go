// Package tapehash computes deterministic content digests over
// JSON-serializable values, used to fingerprint legacy persistence records
// during migration and to derive stable cache keys elsewhere in the host.
package tapehash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/blake2b"
)

// Canonical returns the RFC 8785 canonical JSON encoding of v.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("tapehash: marshal: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("tapehash: canonicalize: %w", err)
	}
	return canon, nil
}

// CanonicalHash returns the SHA-256 hex digest of v's canonical JSON form.
func CanonicalHash(v any) (string, error) {
	canon, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(canon), nil
}

// HashBytes returns the SHA-256 hex digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FastHash returns a BLAKE2b-256 hex digest of v's canonical JSON form. It is
// used where the content digest only gates a migration decision (legacy
// persistence file rewrite, see pkg/persistence) and sha256's extra cost
// buys nothing.
func FastHash(v any) (string, error) {
	canon, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
