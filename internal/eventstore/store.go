// Package eventstore provides the append-only, multi-stream event log that
// is the single source of truth for the audit pipeline.
//
// Streams are totally ordered by a contiguous per-stream version starting at
// 1. Every stored event additionally carries a global position assigned at
// append time; positions order events across streams and serve as projection
// checkpoints. Appends are atomic across all streams named in one call and
// use optimistic concurrency: a stream whose version advanced since the
// caller read it fails the whole append with a version conflict.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Position is a logical replay position in the global event order.
// Zero means "before the first event".
type Position int64

// ErrVersionConflict is the sentinel matched by errors.Is for optimistic
// concurrency failures. The concrete error is a *ConflictError.
var ErrVersionConflict = errors.New("eventstore: stream version conflict")

// ConflictError reports which stream's version advanced under the caller.
type ConflictError struct {
	StreamID string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("eventstore: stream %s at version %d, expected %d", e.StreamID, e.Actual, e.Expected)
}

func (e *ConflictError) Is(target error) bool { return target == ErrVersionConflict }

// PendingEvent is an event proposed for appending. The store assigns the
// event ID, version, and position.
type PendingEvent struct {
	Data       model.EventData
	OccurredAt time.Time
	Metadata   map[string]string
}

// StreamAppend is the per-stream portion of an atomic multi-stream append.
// ExpectedVersion is the stream version the caller observed when it read;
// 0 means the stream is expected not to exist yet.
type StreamAppend struct {
	StreamID        string
	ExpectedVersion int64
	Events          []PendingEvent
}

// Store is the event store contract. Both implementations (in-memory and
// Postgres) satisfy it; commands and projections depend only on this.
type Store interface {
	// ReadStream returns all events of one stream in version order.
	// A stream that does not exist yet reads as empty, not as an error.
	ReadStream(ctx context.Context, streamID string) ([]model.StoredEvent, error)

	// Read returns all events of the given streams merged in global
	// position order.
	Read(ctx context.Context, streamIDs []string) ([]model.StoredEvent, error)

	// ReadAfter returns up to limit events with position greater than
	// after, restricted to streams of the given kinds (all kinds when
	// empty), in position order.
	ReadAfter(ctx context.Context, kinds []model.StreamKind, after Position, limit int) ([]model.StoredEvent, error)

	// Append atomically appends to every named stream, or to none. On a
	// version mismatch it returns a *ConflictError and writes nothing.
	// The stored events are returned with their assigned versions and
	// positions.
	Append(ctx context.Context, appends ...StreamAppend) ([]model.StoredEvent, error)

	// Version returns the current version of a stream (0 when absent).
	Version(ctx context.Context, streamID string) (int64, error)
}
