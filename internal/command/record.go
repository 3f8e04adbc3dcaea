package command

import (
	"fmt"

	"github.com/ashita-ai/kiroku/internal/lifecycle"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/parse"
)

// Parser turns a raw intercepted request body into its extracted essence.
// parse.Parse is the production implementation; tests substitute their own.
type Parser func(body []byte, uri string, headers map[string]string) (parse.ParsedRequest, error)

// RecordSignal folds one proxy signal into the audit trail.
//
// Stream set: the session stream (receives the RequestReceived fact and its
// duplicates' diagnostics), the request stream (all later lifecycle facts
// and their diagnostics), and the extraction stream (prompt extraction or
// parse-failure record). A signal whose precondition is not satisfied is
// recorded as an InvalidTransitionRecorded diagnostic and the command still
// succeeds — duplicate and out-of-order signals are expected input, and the
// trail must keep them.
type RecordSignal struct {
	Signal model.AuditSignal
	Parse  Parser
}

// NewRecordSignal builds the command with the production parser.
func NewRecordSignal(sig model.AuditSignal) *RecordSignal {
	return &RecordSignal{Signal: sig, Parse: parse.Parse}
}

func (c *RecordSignal) Name() string { return "record-signal" }

func (c *RecordSignal) sessionStream() string {
	return model.StreamID(model.StreamSession, c.Signal.SessionID)
}

func (c *RecordSignal) requestStream() string {
	return model.StreamID(model.StreamRequest, c.Signal.RequestID)
}

func (c *RecordSignal) extractionStream() string {
	return model.StreamID(model.StreamExtraction, c.Signal.RequestID)
}

func (c *RecordSignal) StreamIDs() []string {
	return []string{c.sessionStream(), c.requestStream(), c.extractionStream()}
}

// recordState is the folded view the command decides against.
type recordState struct {
	life      lifecycle.State
	extracted bool // an extraction record (real or fallback) already exists
}

func (c *RecordSignal) NewState() any {
	return recordState{life: lifecycle.NotStarted(c.Signal.RequestID)}
}

func (c *RecordSignal) Apply(state any, e model.StoredEvent) any {
	s := state.(recordState)
	s.life = lifecycle.Transition(s.life, e)
	switch d := e.Data.(type) {
	case *model.PromptExtractedData:
		if d.RequestID == c.Signal.RequestID {
			s.extracted = true
		}
	case *model.ParseFailureRecordedData:
		if d.RequestID == c.Signal.RequestID {
			s.extracted = true
		}
	}
	return s
}

func (c *RecordSignal) Handle(state any) ([]ProposedEvent, error) {
	s := state.(recordState)
	sig := c.Signal

	if !lifecycle.Accepts(s.life, sig.Kind) {
		return []ProposedEvent{c.diagnostic(s)}, nil
	}

	switch sig.Kind {
	case model.SignalRequestReceived:
		if sig.Received == nil {
			return nil, fmt.Errorf("signal %s has no payload", sig.Kind)
		}
		out := []ProposedEvent{{
			StreamID:   c.sessionStream(),
			OccurredAt: sig.Timestamp,
			Data: &model.RequestReceivedData{
				RequestID: sig.RequestID,
				SessionID: sig.SessionID,
				Method:    sig.Received.Method,
				URI:       sig.Received.URI,
				Headers:   sig.Received.Headers,
				BodySize:  sig.Received.BodySize,
			},
		}}
		if len(sig.Received.Body) > 0 && !s.extracted {
			out = append(out, c.extraction(sig))
		}
		return out, nil

	case model.SignalRequestForwarded:
		if sig.Forwarded == nil {
			return nil, fmt.Errorf("signal %s has no payload", sig.Kind)
		}
		return []ProposedEvent{{
			StreamID:   c.requestStream(),
			OccurredAt: sig.Timestamp,
			Data: &model.RequestForwardedData{
				RequestID: sig.RequestID,
				TargetURL: sig.Forwarded.TargetURL,
				StartTime: sig.Forwarded.StartTime,
			},
		}}, nil

	case model.SignalResponseReceived:
		if sig.Response == nil {
			return nil, fmt.Errorf("signal %s has no payload", sig.Kind)
		}
		return []ProposedEvent{{
			StreamID:   c.requestStream(),
			OccurredAt: sig.Timestamp,
			Data: &model.ResponseReceivedData{
				RequestID: sig.RequestID,
				Status:    sig.Response.Status,
				Headers:   sig.Response.Headers,
				BodySize:  sig.Response.BodySize,
				Duration:  sig.Response.Duration,
			},
		}}, nil

	case model.SignalResponseReturned:
		if sig.Returned == nil {
			return nil, fmt.Errorf("signal %s has no payload", sig.Kind)
		}
		return []ProposedEvent{{
			StreamID:   c.requestStream(),
			OccurredAt: sig.Timestamp,
			Data: &model.ResponseReturnedData{
				RequestID: sig.RequestID,
				Duration:  sig.Returned.Duration,
			},
		}}, nil

	case model.SignalRequestFailed:
		reason := ""
		if sig.Failed != nil {
			reason = sig.Failed.Reason
		}
		return []ProposedEvent{{
			StreamID:   c.requestStream(),
			OccurredAt: sig.Timestamp,
			Data:       &model.RequestFailedData{RequestID: sig.RequestID, Reason: reason},
		}}, nil

	case model.SignalRequestCancelled:
		reason := ""
		if sig.Cancelled != nil {
			reason = sig.Cancelled.Reason
		}
		return []ProposedEvent{{
			StreamID:   c.requestStream(),
			OccurredAt: sig.Timestamp,
			Data:       &model.RequestCancelledData{RequestID: sig.RequestID, Reason: reason},
		}}, nil

	default:
		return nil, fmt.Errorf("unknown signal kind %q", sig.Kind)
	}
}

// extraction parses the captured body and returns either the real
// PromptExtracted event or the fallback ParseFailureRecorded record.
func (c *RecordSignal) extraction(sig model.AuditSignal) ProposedEvent {
	parsed, err := c.Parse(sig.Received.Body, sig.Received.URI, sig.Received.Headers)
	if err != nil {
		fb := parse.Fallback(err)
		return ProposedEvent{
			StreamID:   c.extractionStream(),
			OccurredAt: sig.Timestamp,
			Data: &model.ParseFailureRecordedData{
				RequestID:    sig.RequestID,
				Provider:     fb.Provider,
				ModelVersion: fb.ModelVersion,
				Prompt:       fb.Prompt,
				Error:        err.Error(),
			},
		}
	}
	return ProposedEvent{
		StreamID:   c.extractionStream(),
		OccurredAt: sig.Timestamp,
		Data: &model.PromptExtractedData{
			RequestID:    sig.RequestID,
			Provider:     parsed.Provider,
			ModelVersion: parsed.ModelVersion,
			Prompt:       parsed.Prompt,
			Parameters:   parsed.Parameters,
		},
	}
}

// diagnostic records a signal whose precondition was not met. Duplicate
// receives land on the session stream (that is where the original fact
// lives); everything else lands on the request stream.
func (c *RecordSignal) diagnostic(s recordState) ProposedEvent {
	sig := c.Signal
	streamID := c.requestStream()
	reason := fmt.Sprintf("signal %s not allowed in state %s", sig.Kind, s.life.Stage)
	if sig.Kind == model.SignalRequestReceived {
		streamID = c.sessionStream()
		if s.life.Stage != lifecycle.StageFailed {
			reason = "request already received"
		}
	}
	return ProposedEvent{
		StreamID:   streamID,
		OccurredAt: sig.Timestamp,
		Data: &model.InvalidTransitionRecordedData{
			RequestID: sig.RequestID,
			Signal:    sig.Kind,
			State:     string(s.life.Stage),
			Reason:    reason,
		},
	}
}
