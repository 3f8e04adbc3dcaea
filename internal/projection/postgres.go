package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiroku/internal/eventstore"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
)

// UsageRow is one aggregated usage-metrics row. Rows with an empty provider
// hold traffic-level counters; provider rows hold extraction counters.
type UsageRow struct {
	Month           string
	Provider        string
	ModelVersion    string
	RequestCount    int64
	FailureCount    int64
	DiagnosticCount int64
	PromptCount     int64
	PromptChars     int64
	RequestBytes    int64
	ResponseBytes   int64
}

// usageDelta is the increment one event contributes to one row.
type usageDelta struct {
	month        string
	provider     string
	modelVersion string

	requests    int64
	failures    int64
	diagnostics int64
	prompts     int64
	promptChars int64
	reqBytes    int64
	respBytes   int64
}

// UsageMetrics is the persisted projection: monthly usage aggregates in
// Postgres that survive restarts. Each row carries the position of the last
// event applied to it, so redelivered events are dropped instead of double
// counted and at-least-once delivery converges.
type UsageMetrics struct {
	db *storage.DB
}

// NewUsageMetrics creates the persisted usage projection on an existing pool.
func NewUsageMetrics(db *storage.DB) *UsageMetrics {
	return &UsageMetrics{db: db}
}

func (p *UsageMetrics) Name() string { return "usage-metrics" }

func (p *UsageMetrics) Streams() []model.StreamKind {
	return []model.StreamKind{model.StreamSession, model.StreamRequest, model.StreamExtraction}
}

func (p *UsageMetrics) Apply(ctx context.Context, e model.StoredEvent) error {
	d, ok := deltaFor(e)
	if !ok {
		return nil
	}

	// The position guard on the conflict branch makes redelivery a no-op:
	// a row never applies the same position twice.
	_, err := p.db.Pool().Exec(ctx,
		`INSERT INTO usage_metrics
		 (month, provider, model_version, request_count, failure_count, diagnostic_count,
		  prompt_count, prompt_chars, request_bytes, response_bytes, last_position)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (month, provider, model_version) DO UPDATE SET
		   request_count    = usage_metrics.request_count + EXCLUDED.request_count,
		   failure_count    = usage_metrics.failure_count + EXCLUDED.failure_count,
		   diagnostic_count = usage_metrics.diagnostic_count + EXCLUDED.diagnostic_count,
		   prompt_count     = usage_metrics.prompt_count + EXCLUDED.prompt_count,
		   prompt_chars     = usage_metrics.prompt_chars + EXCLUDED.prompt_chars,
		   request_bytes    = usage_metrics.request_bytes + EXCLUDED.request_bytes,
		   response_bytes   = usage_metrics.response_bytes + EXCLUDED.response_bytes,
		   last_position    = EXCLUDED.last_position
		 WHERE usage_metrics.last_position < EXCLUDED.last_position`,
		d.month, d.provider, d.modelVersion, d.requests, d.failures, d.diagnostics,
		d.prompts, d.promptChars, d.reqBytes, d.respBytes, e.Position,
	)
	if err != nil {
		return fmt.Errorf("projection %s: apply event at %d: %w", p.Name(), e.Position, err)
	}
	return nil
}

func deltaFor(e model.StoredEvent) (usageDelta, bool) {
	month := monthOf(e.OccurredAt)
	switch d := e.Data.(type) {
	case *model.RequestReceivedData:
		return usageDelta{month: month, requests: 1, reqBytes: d.BodySize}, true
	case *model.ResponseReceivedData:
		return usageDelta{month: month, respBytes: d.BodySize}, true
	case *model.RequestFailedData:
		return usageDelta{month: month, failures: 1}, true
	case *model.InvalidTransitionRecordedData:
		return usageDelta{month: month, diagnostics: 1}, true
	case *model.PromptExtractedData:
		return usageDelta{
			month: month, provider: d.Provider, modelVersion: d.ModelVersion,
			prompts: 1, promptChars: int64(len(d.Prompt)),
		}, true
	case *model.ParseFailureRecordedData:
		return usageDelta{
			month: month, provider: d.Provider, modelVersion: d.ModelVersion,
			prompts: 1,
		}, true
	default:
		return usageDelta{}, false
	}
}

func monthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func (p *UsageMetrics) Checkpoint(ctx context.Context) (eventstore.Position, bool, error) {
	var pos int64
	err := p.db.Pool().QueryRow(ctx,
		`SELECT position FROM projection_checkpoints WHERE name = $1`, p.Name(),
	).Scan(&pos)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("projection %s: read checkpoint: %w", p.Name(), err)
	}
	return eventstore.Position(pos), true, nil
}

func (p *UsageMetrics) SetCheckpoint(ctx context.Context, pos eventstore.Position) error {
	_, err := p.db.Pool().Exec(ctx,
		`INSERT INTO projection_checkpoints (name, position, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (name) DO UPDATE SET position = EXCLUDED.position, updated_at = now()`,
		p.Name(), int64(pos),
	)
	if err != nil {
		return fmt.Errorf("projection %s: set checkpoint: %w", p.Name(), err)
	}
	return nil
}

// Reset drops the materialized rows and the checkpoint in one transaction,
// returning the projection to genesis for a rebuild.
func (p *UsageMetrics) Reset(ctx context.Context) error {
	tx, err := p.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("projection %s: begin reset: %w", p.Name(), err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM usage_metrics`); err != nil {
		return fmt.Errorf("projection %s: clear state: %w", p.Name(), err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM projection_checkpoints WHERE name = $1`, p.Name(),
	); err != nil {
		return fmt.Errorf("projection %s: clear checkpoint: %w", p.Name(), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("projection %s: commit reset: %w", p.Name(), err)
	}
	return nil
}

// Usage returns the aggregated rows for one month in provider order.
func (p *UsageMetrics) Usage(ctx context.Context, month string) ([]UsageRow, error) {
	rows, err := p.db.Pool().Query(ctx,
		`SELECT month, provider, model_version, request_count, failure_count, diagnostic_count,
		        prompt_count, prompt_chars, request_bytes, response_bytes
		 FROM usage_metrics
		 WHERE month = $1
		 ORDER BY provider, model_version`, month,
	)
	if err != nil {
		return nil, fmt.Errorf("projection %s: query usage for %s: %w", p.Name(), month, err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var r UsageRow
		if err := rows.Scan(
			&r.Month, &r.Provider, &r.ModelVersion, &r.RequestCount, &r.FailureCount,
			&r.DiagnosticCount, &r.PromptCount, &r.PromptChars, &r.RequestBytes, &r.ResponseBytes,
		); err != nil {
			return nil, fmt.Errorf("projection %s: scan usage row: %w", p.Name(), err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
