// Package audit records a tamper-evident, hash-chained trail of
// governance-relevant transitions — phase advances, registry freezes, and
// lifecycle cascade failures — so a host can reconstruct why an extension
// ended up FAILED after the fact. Adapted from the teacher's audit-chain
// pattern (each entry's hash folds in the previous entry's hash).
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tapestry-hosting/tapestry/pkg/tapehash"
)

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Entry is a single chained audit record.
type Entry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Actor        string    `json:"actor"`
	Action       string    `json:"action"`
	Target       string    `json:"target"`
	Details      string    `json:"details,omitempty"`
	PreviousHash string    `json:"previousHash"`
	Hash         string    `json:"hash"`
}

// Log is an append-only, hash-chained sequence of Entry records. Entries is
// exported so an operator or a test can inspect (or, to exercise
// VerifyChain, deliberately corrupt) the recorded history directly; Append
// is the only method that mutates it under lock.
type Log struct {
	mu      sync.Mutex
	Entries []Entry
	clock   Clock
}

// New constructs an empty Log. A nil clock uses wall-clock time.
func New(clock Clock) *Log {
	if clock == nil {
		clock = wallClock{}
	}
	return &Log{clock: clock}
}

// Append records a new entry, linking it to the previous entry's hash.
func (l *Log) Append(actor, action, target, details string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := ""
	if n := len(l.Entries); n > 0 {
		prevHash = l.Entries[n-1].Hash
	}

	entry := Entry{
		ID:           "evt_" + uuid.NewString(),
		Timestamp:    l.clock.Now().UTC(),
		Actor:        actor,
		Action:       action,
		Target:       target,
		Details:      details,
		PreviousHash: prevHash,
	}

	hash, err := computeEntryHash(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: hash entry: %w", err)
	}
	entry.Hash = hash

	l.Entries = append(l.Entries, entry)
	return entry, nil
}

// VerifyChain reports whether every entry's hash and link are internally
// consistent.
func (l *Log) VerifyChain() (bool, error) {
	l.mu.Lock()
	entries := make([]Entry, len(l.Entries))
	copy(entries, l.Entries)
	l.mu.Unlock()

	for i, entry := range entries {
		if i == 0 {
			if entry.PreviousHash != "" {
				return false, fmt.Errorf("audit: genesis entry has non-empty previous hash")
			}
		} else if entry.PreviousHash != entries[i-1].Hash {
			return false, fmt.Errorf("audit: chain broken at index %d: previous hash mismatch", i)
		}

		computed, err := computeEntryHash(entry)
		if err != nil {
			return false, fmt.Errorf("audit: recompute hash at index %d: %w", i, err)
		}
		if computed != entry.Hash {
			return false, fmt.Errorf("audit: integrity failure at index %d", i)
		}
	}
	return true, nil
}

// RecordPhaseTransition appends a standard entry for a phase advance.
func (l *Log) RecordPhaseTransition(from, to string) (Entry, error) {
	return l.Append("phase-controller", "PHASE_TRANSITION", to, fmt.Sprintf("from=%s", from))
}

// RecordRegistryFreeze appends a standard entry for a capability registry
// freeze.
func (l *Log) RecordRegistryFreeze(registry string, entryCount int) (Entry, error) {
	return l.Append("capability-registry", "REGISTRY_FROZEN", registry, fmt.Sprintf("entries=%d", entryCount))
}

// RecordCascadeFailure appends a standard entry for a lifecycle cascade
// failure, rooted at the extension whose failure triggered it.
func (l *Log) RecordCascadeFailure(rootExtensionID string, failedCount int) (Entry, error) {
	return l.Append("lifecycle-manager", "CASCADE_FAILURE", rootExtensionID, fmt.Sprintf("failed_count=%d", failedCount))
}

func computeEntryHash(e Entry) (string, error) {
	data := map[string]any{
		"id":           e.ID,
		"timestamp":    e.Timestamp.Format(time.RFC3339Nano),
		"actor":        e.Actor,
		"action":       e.Action,
		"target":       e.Target,
		"details":      e.Details,
		"previousHash": e.PreviousHash,
	}
	return tapehash.CanonicalHash(data)
}
