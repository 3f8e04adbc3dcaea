// Package lifecycle models the per-request audit status as a pure state
// machine over stored events. State is never persisted on its own: it is
// recomputed by folding a request's events, both inside commands (to reject
// illegal signals) and inside projections (to summarize).
package lifecycle

import (
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Stage is the tagged discriminator of a lifecycle State.
type Stage string

const (
	StageNotStarted       Stage = "not_started"
	StageReceived         Stage = "received"
	StageForwarded        Stage = "forwarded"
	StageResponseReceived Stage = "response_received"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
)

// State is the audit status of one request. The zero value is NotStarted.
// Timestamp fields are populated as the corresponding stages are reached.
type State struct {
	Stage     Stage
	RequestID uuid.UUID

	ReceivedAt  time.Time
	ForwardedAt time.Time
	RespondedAt time.Time
	CompletedAt time.Time
	FailedAt    time.Time
	FailReason  string
}

// NotStarted returns the initial state for a request.
func NotStarted(requestID uuid.UUID) State {
	return State{Stage: StageNotStarted, RequestID: requestID}
}

// Terminal reports whether the state can no longer change.
func (s State) Terminal() bool {
	return s.Stage == StageCompleted || s.Stage == StageFailed
}

// Transition applies one stored event to the state and returns the next
// state. Events that match no declared edge leave the state unchanged; the
// caller is responsible for surfacing that as a diagnostic event.
//
// A state resting in ResponseReceived promotes to Completed when any further
// event is applied, whether or not that event matches an edge. The explicit
// ResponseReturned event promotes with its own timestamps.
func Transition(s State, e model.StoredEvent) State {
	if s.Terminal() {
		return s
	}

	// Auto-promotion: the exchange ended when the response arrived; the next
	// processed event of any kind seals it.
	if s.Stage == StageResponseReceived {
		s.Stage = StageCompleted
		s.CompletedAt = e.OccurredAt
		return s
	}

	switch d := e.Data.(type) {
	case *model.RequestReceivedData:
		if s.Stage == StageNotStarted && d.RequestID == s.RequestID {
			s.Stage = StageReceived
			s.ReceivedAt = e.OccurredAt
		}
	case *model.RequestForwardedData:
		if s.Stage == StageReceived && d.RequestID == s.RequestID {
			s.Stage = StageForwarded
			s.ForwardedAt = e.OccurredAt
		}
	case *model.ResponseReceivedData:
		if s.Stage == StageForwarded && d.RequestID == s.RequestID {
			s.Stage = StageResponseReceived
			s.RespondedAt = e.OccurredAt
		}
	case *model.RequestFailedData:
		if d.RequestID == s.RequestID {
			s.Stage = StageFailed
			s.FailedAt = e.OccurredAt
			s.FailReason = d.Reason
		}
	case *model.RequestCancelledData:
		if d.RequestID == s.RequestID {
			s.Stage = StageFailed
			s.FailedAt = e.OccurredAt
			s.FailReason = "cancelled: " + d.Reason
		}
	}
	return s
}

// Fold replays events in order from the initial state.
func Fold(requestID uuid.UUID, events []model.StoredEvent) State {
	s := NotStarted(requestID)
	for _, e := range events {
		s = Transition(s, e)
	}
	return s
}

// Resolve maps a resting ResponseReceived state to Completed. Projections
// use it when summarizing: once the upstream response arrived, the exchange
// is complete from the audit trail's point of view even if no further event
// has been processed yet.
func Resolve(s State) State {
	if s.Stage == StageResponseReceived {
		s.Stage = StageCompleted
		s.CompletedAt = s.RespondedAt
	}
	return s
}

// Accepts reports whether applying the signal kind in the current state
// matches a declared edge. Commands use it to decide between emitting a
// real domain event and an InvalidTransitionRecorded diagnostic.
func Accepts(s State, kind model.SignalKind) bool {
	switch kind {
	case model.SignalRequestFailed, model.SignalRequestCancelled:
		return !s.Terminal()
	case model.SignalRequestReceived:
		return s.Stage == StageNotStarted
	case model.SignalRequestForwarded:
		return s.Stage == StageReceived
	case model.SignalResponseReceived:
		return s.Stage == StageForwarded
	case model.SignalResponseReturned:
		return s.Stage == StageResponseReceived
	default:
		return false
	}
}
