package hashchain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testInput(payload string) EntryInput {
	return EntryInput{
		SubjectID: uuid.New(),
		Timestamp: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		Payload:   []byte(payload),
		Context: Context{
			Environment:   "test",
			CorrelationID: "corr-1",
			TraceID:       "trace-1",
		},
	}
}

func TestContentHash_Deterministic(t *testing.T) {
	h1 := ContentHash([]byte("payload"), "nonce")
	h2 := ContentHash([]byte("payload"), "nonce")
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %q != %q", h1, h2)
	}
	if len(h1) != len("v2:")+64 {
		t.Fatalf("expected prefixed 64-char hex SHA-256, got %d chars", len(h1))
	}
	if ContentHash([]byte("payload"), "other") == h1 {
		t.Fatal("different nonces should produce different hashes")
	}
}

func TestContentHash_NoFieldCollision(t *testing.T) {
	// Length prefixing must keep ("ab","c") distinct from ("a","bc").
	if ContentHash([]byte("ab"), "c") == ContentHash([]byte("a"), "bc") {
		t.Fatal("field boundary collision")
	}
}

func TestAppend_LinksEntries(t *testing.T) {
	c := NewChain()

	for i := range 5 {
		e, err := c.Append(testInput(fmt.Sprintf("payload-%d", i)))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if e.Proof.SequenceNumber != int64(i) {
			t.Fatalf("entry %d got sequence %d", i, e.Proof.SequenceNumber)
		}
	}

	entries := c.Entries()
	if entries[0].Proof.PreviousEntryHash != "" {
		t.Fatal("genesis entry should have no previous hash")
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Proof.PreviousEntryHash != entries[i-1].Proof.ContentHash {
			t.Fatalf("entry %d not linked to predecessor", i)
		}
	}

	if err := c.VerifyIntegrity(); err != nil {
		t.Fatalf("intact chain failed verification: %v", err)
	}
}

func TestAppend_RequiredFields(t *testing.T) {
	c := NewChain()

	cases := []struct {
		name   string
		mutate func(*EntryInput)
	}{
		{"missing subject", func(in *EntryInput) { in.SubjectID = uuid.Nil }},
		{"missing payload", func(in *EntryInput) { in.Payload = nil }},
		{"missing environment", func(in *EntryInput) { in.Context.Environment = "" }},
		{"missing correlation id", func(in *EntryInput) { in.Context.CorrelationID = "" }},
	}
	for _, tc := range cases {
		in := testInput("p")
		tc.mutate(&in)
		if _, err := c.Append(in); err == nil {
			t.Fatalf("%s: expected construction error", tc.name)
		}
	}

	if c.Len() != 0 {
		t.Fatalf("rejected inputs must not extend the chain, got len %d", c.Len())
	}
}

func TestVerifyIntegrity_DetectsPayloadTamper(t *testing.T) {
	for tampered := range 5 {
		c := NewChain()
		for i := range 5 {
			if _, err := c.Append(testInput(fmt.Sprintf("payload-%d", i))); err != nil {
				t.Fatal(err)
			}
		}
		c.entries[tampered].Payload = []byte("forged")

		err := c.VerifyIntegrity()
		var integrityErr *IntegrityError
		if !errors.As(err, &integrityErr) {
			t.Fatalf("expected IntegrityError, got %v", err)
		}
		if integrityErr.Index != int64(tampered) {
			t.Fatalf("tampered index %d, first failure reported at %d", tampered, integrityErr.Index)
		}
	}
}

func TestVerifyIntegrity_DetectsLinkTamper(t *testing.T) {
	c := NewChain()
	for i := range 3 {
		if _, err := c.Append(testInput(fmt.Sprintf("payload-%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	c.entries[2].Proof.PreviousEntryHash = "v2:forged"
	var integrityErr *IntegrityError
	if err := c.VerifyIntegrity(); !errors.As(err, &integrityErr) || integrityErr.Index != 2 {
		t.Fatalf("expected link violation at index 2, got %v", err)
	}
}

func TestVerifyIntegrity_DetectsSequenceTamper(t *testing.T) {
	c := NewChain()
	for i := range 3 {
		if _, err := c.Append(testInput(fmt.Sprintf("payload-%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	c.entries[1].Proof.SequenceNumber = 7
	var integrityErr *IntegrityError
	if err := c.VerifyIntegrity(); !errors.As(err, &integrityErr) || integrityErr.Index != 1 {
		t.Fatalf("expected sequence violation at index 1, got %v", err)
	}
}

func TestVerifyIntegrity_EmptyChain(t *testing.T) {
	if err := NewChain().VerifyIntegrity(); err != nil {
		t.Fatalf("empty chain should verify clean: %v", err)
	}
}
