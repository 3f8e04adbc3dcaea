// Package projection materializes read models from the event log. A
// projection folds events into queryable state and tracks how far into the
// log it has read via a checkpoint; resetting the checkpoint and replaying
// from genesis must converge to the same state as incremental application.
// The runner in this package schedules projections and supervises their
// health.
package projection

import (
	"context"

	"github.com/ashita-ai/kiroku/internal/eventstore"
	"github.com/ashita-ai/kiroku/internal/model"
)

// Projection is one materialized view over the event log.
//
// Apply must tolerate at-least-once delivery: the runner checkpoints only
// after a full batch, so a crash mid-batch redelivers events already
// applied. State is owned exclusively by the projection; external readers
// get snapshot reads through projection-specific getters, never direct
// mutation.
type Projection interface {
	Name() string

	// Streams returns the stream kinds this projection consumes.
	// Empty means all kinds.
	Streams() []model.StreamKind

	Apply(ctx context.Context, e model.StoredEvent) error

	// Checkpoint returns the last fully processed position. ok is false
	// when the projection has never checkpointed.
	Checkpoint(ctx context.Context) (pos eventstore.Position, ok bool, err error)
	SetCheckpoint(ctx context.Context, pos eventstore.Position) error

	// Reset discards all materialized state and the checkpoint, returning
	// the projection to genesis.
	Reset(ctx context.Context) error
}
