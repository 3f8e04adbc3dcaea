package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
)

// Postgres is the durable Store. Stream version counters live in the
// streams table; the whole multi-stream append runs in one transaction, and
// the version compare-and-swap on each stream row detects concurrent
// appends without locking unrelated streams.
type Postgres struct {
	db *storage.DB
}

// NewPostgres creates a Postgres-backed store on an existing pool.
// The schema is installed by the migrations package.
func NewPostgres(db *storage.DB) *Postgres {
	return &Postgres{db: db}
}

const eventColumns = `position, stream_id, event_id, version, event_type, payload, metadata, occurred_at`

// ReadStream returns all events of one stream in version order.
func (s *Postgres) ReadStream(ctx context.Context, streamID string) ([]model.StoredEvent, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT `+eventColumns+` FROM audit_events
		 WHERE stream_id = $1
		 ORDER BY version ASC`, streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("eventstore: read stream %s: %w", streamID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Read returns the given streams' events merged in global position order.
func (s *Postgres) Read(ctx context.Context, streamIDs []string) ([]model.StoredEvent, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT `+eventColumns+` FROM audit_events
		 WHERE stream_id = ANY($1)
		 ORDER BY position ASC`, streamIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("eventstore: read streams: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ReadAfter returns up to limit events past the given position, restricted
// to the given stream kinds (all kinds when empty).
func (s *Postgres) ReadAfter(ctx context.Context, kinds []model.StreamKind, after Position, limit int) ([]model.StoredEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	kindStrs := make([]string, len(kinds))
	for i, k := range kinds {
		kindStrs[i] = string(k)
	}
	rows, err := s.db.Pool().Query(ctx,
		`SELECT `+eventColumns+` FROM audit_events
		 WHERE position > $1 AND (cardinality($2::text[]) = 0 OR stream_kind = ANY($2))
		 ORDER BY position ASC
		 LIMIT $3`, int64(after), kindStrs, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("eventstore: read after %d: %w", after, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Append appends to every named stream in one transaction. The UPDATE on
// each stream's version row is the optimistic-concurrency check: zero rows
// affected means another writer advanced the stream since the caller read.
//
// Serialization failures and deadlocks are retried here; version conflicts
// are not — those go back to the caller, who must re-read the stream.
func (s *Postgres) Append(ctx context.Context, appends ...StreamAppend) ([]model.StoredEvent, error) {
	var stored []model.StoredEvent
	err := storage.WithRetry(ctx, 2, 10*time.Millisecond, func() error {
		var err error
		stored, err = s.appendTx(ctx, appends)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Postgres) appendTx(ctx context.Context, appends []StreamAppend) ([]model.StoredEvent, error) {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventstore: begin append: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var stored []model.StoredEvent
	for _, a := range appends {
		newVersion := a.ExpectedVersion + int64(len(a.Events))

		if a.ExpectedVersion == 0 {
			// First append claims the stream row. ON CONFLICT DO NOTHING keeps
			// the transaction healthy when a concurrent writer created the
			// stream first, so the version lookup below still works; a raw
			// duplicate-key error would abort the whole transaction.
			tag, err := tx.Exec(ctx,
				`INSERT INTO streams (id, kind, version) VALUES ($1, $2, $3)
				 ON CONFLICT (id) DO NOTHING`,
				a.StreamID, string(model.KindOf(a.StreamID)), newVersion,
			)
			if err != nil {
				return nil, fmt.Errorf("eventstore: create stream %s: %w", a.StreamID, err)
			}
			if tag.RowsAffected() == 0 {
				actual, verr := s.versionTx(ctx, tx, a.StreamID)
				if verr != nil {
					return nil, verr
				}
				return nil, &ConflictError{StreamID: a.StreamID, Expected: 0, Actual: actual}
			}
		} else {
			tag, err := tx.Exec(ctx,
				`UPDATE streams SET version = $1, updated_at = now() WHERE id = $2 AND version = $3`,
				newVersion, a.StreamID, a.ExpectedVersion,
			)
			if err != nil {
				return nil, fmt.Errorf("eventstore: advance stream %s: %w", a.StreamID, err)
			}
			if tag.RowsAffected() == 0 {
				actual, verr := s.versionTx(ctx, tx, a.StreamID)
				if verr != nil {
					return nil, verr
				}
				return nil, &ConflictError{StreamID: a.StreamID, Expected: a.ExpectedVersion, Actual: actual}
			}
		}

		version := a.ExpectedVersion
		for _, p := range a.Events {
			payload, err := model.EncodePayload(p.Data)
			if err != nil {
				return nil, err
			}
			var metadata []byte
			if len(p.Metadata) > 0 {
				metadata, err = json.Marshal(p.Metadata)
				if err != nil {
					return nil, fmt.Errorf("eventstore: marshal metadata: %w", err)
				}
			}
			id, err := uuid.NewV7()
			if err != nil {
				return nil, fmt.Errorf("eventstore: new event id: %w", err)
			}
			version++

			var position int64
			if err := tx.QueryRow(ctx,
				`INSERT INTO audit_events (stream_id, stream_kind, event_id, version, event_type, payload, metadata, occurred_at)
				 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8)
				 RETURNING position`,
				a.StreamID, string(model.KindOf(a.StreamID)), id, version,
				string(p.Data.EventType()), payload, metadata, p.OccurredAt,
			).Scan(&position); err != nil {
				return nil, fmt.Errorf("eventstore: insert event on %s: %w", a.StreamID, err)
			}

			stored = append(stored, model.StoredEvent{
				StreamID:   a.StreamID,
				EventID:    id,
				Version:    version,
				Position:   position,
				OccurredAt: p.OccurredAt,
				Data:       p.Data,
				Metadata:   p.Metadata,
			})
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("eventstore: commit append: %w", err)
	}
	return stored, nil
}

// Version returns the current version of a stream (0 when absent).
func (s *Postgres) Version(ctx context.Context, streamID string) (int64, error) {
	var v int64
	err := s.db.Pool().QueryRow(ctx,
		`SELECT version FROM streams WHERE id = $1`, streamID,
	).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("eventstore: stream version %s: %w", streamID, err)
	}
	return v, nil
}

func (s *Postgres) versionTx(ctx context.Context, tx pgx.Tx, streamID string) (int64, error) {
	var v int64
	err := tx.QueryRow(ctx, `SELECT version FROM streams WHERE id = $1`, streamID).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("eventstore: stream version %s: %w", streamID, err)
	}
	return v, nil
}

func scanEvents(rows pgx.Rows) ([]model.StoredEvent, error) {
	var events []model.StoredEvent
	for rows.Next() {
		var (
			e         model.StoredEvent
			eventType string
			payload   []byte
			metadata  []byte
		)
		if err := rows.Scan(
			&e.Position, &e.StreamID, &e.EventID, &e.Version,
			&eventType, &payload, &metadata, &e.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("eventstore: scan event: %w", err)
		}
		data, err := model.DecodePayload(model.EventType(eventType), payload)
		if err != nil {
			return nil, err
		}
		e.Data = data
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("eventstore: decode metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
