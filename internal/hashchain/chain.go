// Package hashchain provides the tamper-evident audit log: an append-only
// sequence of entries where each entry's integrity proof binds to the
// previous entry's content hash and a monotonic sequence number. Hashing is
// pure and deterministic; the chain itself is single-owner.
package hashchain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Context carries the operational context an audit entry was recorded under.
type Context struct {
	Environment   string
	CorrelationID string
	TraceID       string
}

// Proof is the integrity proof stored alongside each entry.
type Proof struct {
	ContentHash       string
	PreviousEntryHash string // empty for the genesis entry
	SequenceNumber    int64
}

// Entry is one immutable audit record.
type Entry struct {
	ID        uuid.UUID
	SubjectID uuid.UUID
	Timestamp time.Time
	Payload   []byte
	Nonce     string
	Context   Context
	Proof     Proof
}

// EntryInput is the builder for a new entry. SubjectID, Payload, and the
// context's Environment and CorrelationID are required; missing any of them
// is a construction error, never a silent default.
type EntryInput struct {
	SubjectID uuid.UUID
	Timestamp time.Time
	Payload   []byte
	Context   Context
}

func (in EntryInput) validate() error {
	if in.SubjectID == uuid.Nil {
		return fmt.Errorf("hashchain: entry requires a subject id")
	}
	if len(in.Payload) == 0 {
		return fmt.Errorf("hashchain: entry requires a payload")
	}
	if in.Context.Environment == "" {
		return fmt.Errorf("hashchain: entry requires a context environment")
	}
	if in.Context.CorrelationID == "" {
		return fmt.Errorf("hashchain: entry requires a context correlation id")
	}
	return nil
}

// IntegrityError reports the first corrupted index found by verification.
type IntegrityError struct {
	Index  int64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("hashchain: integrity violation at index %d: %s", e.Index, e.Reason)
}

// ContentHash produces the versioned SHA-256 hex digest of an entry's
// payload and nonce. Each field is encoded with a 4-byte big-endian length
// prefix before hashing, which avoids delimiter collisions when payloads
// contain arbitrary bytes.
func ContentHash(payload []byte, nonce string) string {
	h := sha256.New()
	writeField := func(b []byte) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b))) //nolint:gosec // field lengths are bounded by HTTP request body limits (~1MB)
		h.Write(lenBuf[:])
		h.Write(b)
	}
	writeField(payload)
	writeField([]byte(nonce))
	return "v2:" + hex.EncodeToString(h.Sum(nil))
}

func newNonce() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("hashchain: generate nonce: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// buildEntry validates the input and seals it into an entry at the given
// chain position.
func buildEntry(in EntryInput, seq int64, prevHash string) (Entry, error) {
	if err := in.validate(); err != nil {
		return Entry{}, err
	}
	nonce, err := newNonce()
	if err != nil {
		return Entry{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Entry{}, fmt.Errorf("hashchain: new entry id: %w", err)
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Entry{
		ID:        id,
		SubjectID: in.SubjectID,
		Timestamp: ts,
		Payload:   in.Payload,
		Nonce:     nonce,
		Context:   in.Context,
		Proof: Proof{
			ContentHash:       ContentHash(in.Payload, nonce),
			PreviousEntryHash: prevHash,
			SequenceNumber:    seq,
		},
	}, nil
}

// verifyEntries re-walks a chain from index 0. For each entry it checks that
// the recorded sequence number equals the positional index, that the
// recorded previous-hash equals the prior entry's content hash, and that
// recomputing the hash from the stored payload and nonce reproduces the
// stored content hash. The walk stops at the first mismatch.
func verifyEntries(entries []Entry) error {
	prevHash := ""
	for i, e := range entries {
		idx := int64(i)
		if e.Proof.SequenceNumber != idx {
			return &IntegrityError{Index: idx, Reason: fmt.Sprintf(
				"sequence number %d does not match position %d", e.Proof.SequenceNumber, idx)}
		}
		if e.Proof.PreviousEntryHash != prevHash {
			return &IntegrityError{Index: idx, Reason: "previous-entry hash does not match prior entry"}
		}
		if recomputed := ContentHash(e.Payload, e.Nonce); recomputed != e.Proof.ContentHash {
			return &IntegrityError{Index: idx, Reason: "content hash does not match stored payload"}
		}
		prevHash = e.Proof.ContentHash
	}
	return nil
}

// Chain is the in-memory tamper-evident audit log.
type Chain struct {
	mu       sync.Mutex
	entries  []Entry
	lastHash string
}

// NewChain creates an empty in-memory chain.
func NewChain() *Chain {
	return &Chain{}
}

// Append seals the input into the next entry of the chain.
func (c *Chain) Append(in EntryInput) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := buildEntry(in, int64(len(c.entries)), c.lastHash)
	if err != nil {
		return nil, err
	}
	c.entries = append(c.entries, entry)
	c.lastHash = entry.Proof.ContentHash
	return &entry, nil
}

// VerifyIntegrity re-walks the whole chain and returns an *IntegrityError
// naming the first corrupted index, or nil when the chain is intact.
func (c *Chain) VerifyIntegrity() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return verifyEntries(c.entries)
}

// Len returns the number of entries in the chain.
func (c *Chain) Len() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.entries))
}

// Entries returns a snapshot copy of the chain.
func (c *Chain) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}
