package command_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/command"
	"github.com/ashita-ai/kiroku/internal/eventstore"
	"github.com/ashita-ai/kiroku/internal/lifecycle"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/parse"
	"github.com/ashita-ai/kiroku/internal/testutil"
)

var t0 = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

func newExecutor(store eventstore.Store) *command.Executor {
	return command.NewExecutor(store, testutil.TestLogger(), 3, time.Millisecond)
}

func receivedSignal(reqID, sesID uuid.UUID, at time.Time, body []byte) model.AuditSignal {
	return model.AuditSignal{
		RequestID: reqID,
		SessionID: sesID,
		Timestamp: at,
		Kind:      model.SignalRequestReceived,
		Received: &model.RequestReceivedSignal{
			Method:   "POST",
			URI:      "/v1/messages",
			Headers:  map[string]string{"anthropic-version": "2023-06-01"},
			BodySize: int64(len(body)),
			Body:     body,
		},
	}
}

func forwardedSignal(reqID, sesID uuid.UUID, at time.Time) model.AuditSignal {
	return model.AuditSignal{
		RequestID: reqID, SessionID: sesID, Timestamp: at,
		Kind:      model.SignalRequestForwarded,
		Forwarded: &model.RequestForwardedSignal{TargetURL: "https://api.anthropic.com", StartTime: at},
	}
}

func responseSignal(reqID, sesID uuid.UUID, at time.Time) model.AuditSignal {
	return model.AuditSignal{
		RequestID: reqID, SessionID: sesID, Timestamp: at,
		Kind:     model.SignalResponseReceived,
		Response: &model.ResponseReceivedSignal{Status: 200, BodySize: 2048, Duration: 300 * time.Millisecond},
	}
}

func TestRecordSignal_InOrderScenario(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemory()
	exec := newExecutor(store)
	reqID, sesID := uuid.New(), uuid.New()

	for _, sig := range []model.AuditSignal{
		receivedSignal(reqID, sesID, t0, nil),
		forwardedSignal(reqID, sesID, t0.Add(time.Second)),
		responseSignal(reqID, sesID, t0.Add(2*time.Second)),
	} {
		_, err := exec.Execute(ctx, command.NewRecordSignal(sig))
		require.NoError(t, err)
	}

	sessionEvents, err := store.ReadStream(ctx, model.StreamID(model.StreamSession, sesID))
	require.NoError(t, err)
	require.Len(t, sessionEvents, 1, "session stream should carry only the received event")
	assert.Equal(t, model.EventRequestReceived, sessionEvents[0].Type())

	requestEvents, err := store.ReadStream(ctx, model.StreamID(model.StreamRequest, reqID))
	require.NoError(t, err)
	require.Len(t, requestEvents, 2)
	assert.Equal(t, model.EventRequestForwarded, requestEvents[0].Type())
	assert.Equal(t, model.EventResponseReceived, requestEvents[1].Type())

	all := append(sessionEvents, requestEvents...)
	final := lifecycle.Resolve(lifecycle.Fold(reqID, all))
	assert.Equal(t, lifecycle.StageCompleted, final.Stage)
}

func TestRecordSignal_OutOfOrderScenario(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemory()
	exec := newExecutor(store)
	reqID, sesID := uuid.New(), uuid.New()

	// Reverse delivery: response, forward, receive.
	for _, sig := range []model.AuditSignal{
		responseSignal(reqID, sesID, t0),
		forwardedSignal(reqID, sesID, t0.Add(time.Second)),
		receivedSignal(reqID, sesID, t0.Add(2*time.Second), nil),
	} {
		_, err := exec.Execute(ctx, command.NewRecordSignal(sig))
		require.NoError(t, err, "out-of-order signals must not fail the command")
	}

	sessionEvents, err := store.ReadStream(ctx, model.StreamID(model.StreamSession, sesID))
	require.NoError(t, err)
	require.Len(t, sessionEvents, 1, "only the received event is accepted on the session stream")
	assert.Equal(t, model.EventRequestReceived, sessionEvents[0].Type())

	requestEvents, err := store.ReadStream(ctx, model.StreamID(model.StreamRequest, reqID))
	require.NoError(t, err)
	require.Len(t, requestEvents, 2)
	for _, e := range requestEvents {
		assert.Equal(t, model.EventInvalidTransitionRecorded, e.Type())
	}
}

func TestRecordSignal_DuplicateReceiveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemory()
	exec := newExecutor(store)
	reqID, sesID := uuid.New(), uuid.New()

	for range 2 {
		_, err := exec.Execute(ctx, command.NewRecordSignal(receivedSignal(reqID, sesID, t0, nil)))
		require.NoError(t, err)
	}

	sessionEvents, err := store.ReadStream(ctx, model.StreamID(model.StreamSession, sesID))
	require.NoError(t, err)
	require.Len(t, sessionEvents, 2)
	assert.Equal(t, model.EventRequestReceived, sessionEvents[0].Type())

	diag, ok := sessionEvents[1].Data.(*model.InvalidTransitionRecordedData)
	require.True(t, ok, "second receive must be recorded as a diagnostic, got %s", sessionEvents[1].Type())
	assert.Equal(t, "request already received", diag.Reason)
	assert.Equal(t, model.SignalRequestReceived, diag.Signal)
}

func TestRecordSignal_BodyExtraction(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemory()
	exec := newExecutor(store)
	reqID, sesID := uuid.New(), uuid.New()

	body := []byte(`{"model":"claude-sonnet-4-5","max_tokens":1024,"messages":[{"role":"user","content":"summarize the incident"}]}`)
	_, err := exec.Execute(ctx, command.NewRecordSignal(receivedSignal(reqID, sesID, t0, body)))
	require.NoError(t, err)

	extraction, err := store.ReadStream(ctx, model.StreamID(model.StreamExtraction, reqID))
	require.NoError(t, err)
	require.Len(t, extraction, 1)

	d, ok := extraction[0].Data.(*model.PromptExtractedData)
	require.True(t, ok)
	assert.Equal(t, parse.ProviderAnthropic, d.Provider)
	assert.Equal(t, "claude-sonnet-4-5", d.ModelVersion)
	assert.Equal(t, "summarize the incident", d.Prompt)
}

func TestRecordSignal_ParseFailureFallback(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemory()
	exec := newExecutor(store)
	reqID, sesID := uuid.New(), uuid.New()

	_, err := exec.Execute(ctx, command.NewRecordSignal(receivedSignal(reqID, sesID, t0, []byte("\xff\xfenot json"))))
	require.NoError(t, err, "a malformed body must never abort the pipeline")

	extraction, err := store.ReadStream(ctx, model.StreamID(model.StreamExtraction, reqID))
	require.NoError(t, err)
	require.Len(t, extraction, 1)

	d, ok := extraction[0].Data.(*model.ParseFailureRecordedData)
	require.True(t, ok)
	assert.Equal(t, parse.ProviderUnknown, d.Provider)
	assert.Equal(t, "unknown-model", d.ModelVersion)
	assert.Contains(t, d.Prompt, "parse failed")
	assert.NotEmpty(t, d.Error)
}

func TestRecordSignal_FailureFromAnyState(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemory()
	exec := newExecutor(store)
	reqID, sesID := uuid.New(), uuid.New()

	_, err := exec.Execute(ctx, command.NewRecordSignal(receivedSignal(reqID, sesID, t0, nil)))
	require.NoError(t, err)

	fail := model.AuditSignal{
		RequestID: reqID, SessionID: sesID, Timestamp: t0.Add(time.Second),
		Kind:   model.SignalRequestFailed,
		Failed: &model.RequestFailedSignal{Reason: "upstream unreachable"},
	}
	_, err = exec.Execute(ctx, command.NewRecordSignal(fail))
	require.NoError(t, err)

	requestEvents, err := store.ReadStream(ctx, model.StreamID(model.StreamRequest, reqID))
	require.NoError(t, err)
	require.Len(t, requestEvents, 1)
	assert.Equal(t, model.EventRequestFailed, requestEvents[0].Type())

	// Nothing after a terminal state mutates it; late signals become diagnostics.
	_, err = exec.Execute(ctx, command.NewRecordSignal(forwardedSignal(reqID, sesID, t0.Add(2*time.Second))))
	require.NoError(t, err)
	requestEvents, err = store.ReadStream(ctx, model.StreamID(model.StreamRequest, reqID))
	require.NoError(t, err)
	require.Len(t, requestEvents, 2)
	assert.Equal(t, model.EventInvalidTransitionRecorded, requestEvents[1].Type())
}

// conflictingStore wraps a Memory store and fails the first n Append calls
// with a version conflict to exercise the executor's retry loop.
type conflictingStore struct {
	*eventstore.Memory
	remaining int
}

func (s *conflictingStore) Append(ctx context.Context, appends ...eventstore.StreamAppend) ([]model.StoredEvent, error) {
	if s.remaining > 0 {
		s.remaining--
		return nil, &eventstore.ConflictError{StreamID: appends[0].StreamID, Expected: appends[0].ExpectedVersion, Actual: appends[0].ExpectedVersion + 1}
	}
	return s.Memory.Append(ctx, appends...)
}

func TestExecutor_RetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{Memory: eventstore.NewMemory(), remaining: 2}
	exec := newExecutor(store)
	reqID, sesID := uuid.New(), uuid.New()

	_, err := exec.Execute(ctx, command.NewRecordSignal(receivedSignal(reqID, sesID, t0, nil)))
	require.NoError(t, err, "executor should retry past transient conflicts")

	events, err := store.ReadStream(ctx, model.StreamID(model.StreamSession, sesID))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestExecutor_ConflictBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{Memory: eventstore.NewMemory(), remaining: 100}
	exec := command.NewExecutor(store, testutil.TestLogger(), 2, time.Millisecond)
	reqID, sesID := uuid.New(), uuid.New()

	_, err := exec.Execute(ctx, command.NewRecordSignal(receivedSignal(reqID, sesID, t0, nil)))
	require.ErrorIs(t, err, eventstore.ErrVersionConflict)
}

// undeclaredCommand tries to write outside its declared stream set.
type undeclaredCommand struct{}

func (undeclaredCommand) Name() string                                { return "undeclared" }
func (undeclaredCommand) StreamIDs() []string                         { return []string{"testcase:only-this"} }
func (undeclaredCommand) NewState() any                               { return nil }
func (undeclaredCommand) Apply(state any, _ model.StoredEvent) any    { return state }
func (undeclaredCommand) Handle(any) ([]command.ProposedEvent, error) {
	return []command.ProposedEvent{{
		StreamID: "testcase:somewhere-else",
		Data:     &model.RequestFailedData{RequestID: uuid.New(), Reason: "x"},
	}}, nil
}

func TestExecutor_RejectsUndeclaredStreamWrites(t *testing.T) {
	exec := newExecutor(eventstore.NewMemory())
	_, err := exec.Execute(context.Background(), undeclaredCommand{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared stream")
}

func TestUpdateSettings(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemory()
	exec := newExecutor(store)
	userID := uuid.New()

	enabled := false
	_, err := exec.Execute(ctx, &command.UpdateSettings{
		UserID: userID, Timestamp: t0, RetentionDays: 30, AlertsEnabled: &enabled,
	})
	require.NoError(t, err)

	stream := model.StreamID(model.StreamUserSettings, userID)
	events, err := store.ReadStream(ctx, stream)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Re-issuing the identical update changes nothing and emits nothing.
	_, err = exec.Execute(ctx, &command.UpdateSettings{
		UserID: userID, Timestamp: t0.Add(time.Minute), RetentionDays: 30, AlertsEnabled: &enabled,
	})
	require.NoError(t, err)
	events, err = store.ReadStream(ctx, stream)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestExecutor_HardFailurePropagates(t *testing.T) {
	ctx := context.Background()
	exec := newExecutor(eventstore.NewMemory())

	// A signal with a missing payload is a state-construction hard error,
	// not a diagnostic.
	sig := model.AuditSignal{
		RequestID: uuid.New(), SessionID: uuid.New(), Timestamp: t0,
		Kind: model.SignalRequestReceived, // Received payload deliberately nil
	}
	_, err := exec.Execute(ctx, command.NewRecordSignal(sig))
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("signal %s has no payload", model.SignalRequestReceived))
}
