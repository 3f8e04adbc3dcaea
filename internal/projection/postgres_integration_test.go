package projection

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/eventstore"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/testutil"
)

// testDB is the shared database for all integration tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		slog.Error("test database setup failed", "error", err)
		tc.Terminate()
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

// storedAt builds a StoredEvent with an explicit position. The usage
// projection only reads Position, OccurredAt, and Data, so the stream
// bookkeeping fields can stay minimal.
func storedAt(pos int64, at time.Time, data model.EventData) model.StoredEvent {
	return model.StoredEvent{
		StreamID:   model.StreamID(model.StreamRequest, uuid.New()),
		EventID:    uuid.New(),
		Version:    1,
		Position:   pos,
		OccurredAt: at,
		Data:       data,
	}
}

func TestUsageMetrics_AppliesAndAggregates(t *testing.T) {
	ctx := context.Background()
	p := NewUsageMetrics(testDB)
	reqID := uuid.New()

	// Month is the aggregation key; keep it unique to this test since the
	// table is shared across the package.
	at := time.Date(2031, 1, 10, 12, 0, 0, 0, time.UTC)

	events := []model.StoredEvent{
		storedAt(100_001, at, &model.RequestReceivedData{RequestID: reqID, BodySize: 512}),
		storedAt(100_002, at, &model.ResponseReceivedData{RequestID: reqID, Status: 200, BodySize: 4096}),
		storedAt(100_003, at, &model.PromptExtractedData{
			RequestID: reqID, Provider: "anthropic", ModelVersion: "claude-sonnet-4-5",
			Prompt: "summarize the incident",
		}),
		storedAt(100_004, at, &model.RequestFailedData{RequestID: uuid.New(), Reason: "upstream timeout"}),
		storedAt(100_005, at, &model.InvalidTransitionRecordedData{
			RequestID: reqID, Signal: model.SignalRequestForwarded, Reason: "request already forwarded",
		}),
	}
	for _, e := range events {
		require.NoError(t, p.Apply(ctx, e))
	}

	rows, err := p.Usage(ctx, "2031-01")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Provider "" sorts first: the traffic-level row.
	traffic := rows[0]
	assert.Empty(t, traffic.Provider)
	assert.Equal(t, int64(1), traffic.RequestCount)
	assert.Equal(t, int64(1), traffic.FailureCount)
	assert.Equal(t, int64(1), traffic.DiagnosticCount)
	assert.Equal(t, int64(512), traffic.RequestBytes)
	assert.Equal(t, int64(4096), traffic.ResponseBytes)

	extraction := rows[1]
	assert.Equal(t, "anthropic", extraction.Provider)
	assert.Equal(t, "claude-sonnet-4-5", extraction.ModelVersion)
	assert.Equal(t, int64(1), extraction.PromptCount)
	assert.Equal(t, int64(len("summarize the incident")), extraction.PromptChars)
}

func TestUsageMetrics_RedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := NewUsageMetrics(testDB)
	at := time.Date(2032, 2, 1, 0, 0, 0, 0, time.UTC)

	e := storedAt(200_001, at, &model.RequestReceivedData{RequestID: uuid.New(), BodySize: 100})

	// At-least-once delivery: the same event applied twice counts once.
	require.NoError(t, p.Apply(ctx, e))
	require.NoError(t, p.Apply(ctx, e))

	rows, err := p.Usage(ctx, "2032-02")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].RequestCount)
	assert.Equal(t, int64(100), rows[0].RequestBytes)
}

func TestUsageMetrics_Checkpoint(t *testing.T) {
	ctx := context.Background()
	p := NewUsageMetrics(testDB)

	require.NoError(t, p.Reset(ctx))

	_, ok, err := p.Checkpoint(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "fresh projection must have no checkpoint")

	require.NoError(t, p.SetCheckpoint(ctx, 42))
	pos, ok, err := p.Checkpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, eventstore.Position(42), pos)

	require.NoError(t, p.SetCheckpoint(ctx, 99))
	pos, _, err = p.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, eventstore.Position(99), pos)
}

func TestUsageMetrics_ResetThenReplayConverges(t *testing.T) {
	ctx := context.Background()
	p := NewUsageMetrics(testDB)
	at := time.Date(2034, 4, 1, 0, 0, 0, 0, time.UTC)

	events := []model.StoredEvent{
		storedAt(400_001, at, &model.RequestReceivedData{RequestID: uuid.New(), BodySize: 10}),
		storedAt(400_002, at, &model.RequestReceivedData{RequestID: uuid.New(), BodySize: 20}),
		storedAt(400_003, at, &model.RequestFailedData{RequestID: uuid.New(), Reason: "cancelled"}),
	}
	for _, e := range events {
		require.NoError(t, p.Apply(ctx, e))
	}
	require.NoError(t, p.SetCheckpoint(ctx, 400_003))

	first, err := p.Usage(ctx, "2034-04")
	require.NoError(t, err)

	// Reset drops state and checkpoint together.
	require.NoError(t, p.Reset(ctx))
	_, ok, err := p.Checkpoint(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	rows, err := p.Usage(ctx, "2034-04")
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Replaying the log from genesis lands on the same aggregates.
	for _, e := range events {
		require.NoError(t, p.Apply(ctx, e))
	}
	replayed, err := p.Usage(ctx, "2034-04")
	require.NoError(t, err)
	assert.Equal(t, first, replayed)
}

func TestRunner_UsageMetricsEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := eventstore.NewPostgres(testDB)
	p := NewUsageMetrics(testDB)
	require.NoError(t, p.Reset(ctx))

	reqID, sesID := uuid.New(), uuid.New()
	at := time.Date(2035, 5, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.Append(ctx, eventstore.StreamAppend{
		StreamID: model.StreamID(model.StreamSession, sesID),
		Events: []eventstore.PendingEvent{{
			OccurredAt: at,
			Data:       &model.RequestReceivedData{RequestID: reqID, SessionID: sesID, BodySize: 256},
		}},
	})
	require.NoError(t, err)
	stored, err := store.Append(ctx, eventstore.StreamAppend{
		StreamID: model.StreamID(model.StreamRequest, reqID),
		Events: []eventstore.PendingEvent{{
			OccurredAt: at,
			Data:       &model.ResponseReceivedData{RequestID: reqID, Status: 200, BodySize: 1024},
		}},
	})
	require.NoError(t, err)
	lastPos := eventstore.Position(stored[len(stored)-1].Position)

	r := NewRunner(store, p, testLogger(), RunnerConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    100,
	})
	done := make(chan struct{})
	go func() { defer close(done); r.run(ctx) }()

	require.Eventually(t, func() bool {
		pos, ok, err := p.Checkpoint(context.Background())
		return err == nil && ok && pos >= lastPos
	}, 10*time.Second, 20*time.Millisecond, "runner never checkpointed past the appended events")

	rows, err := p.Usage(context.Background(), "2035-05")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].RequestCount)
	assert.Equal(t, int64(256), rows[0].RequestBytes)
	assert.Equal(t, int64(1024), rows[0].ResponseBytes)

	cancel()
	<-done
}
