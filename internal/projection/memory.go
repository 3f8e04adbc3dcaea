package projection

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/eventstore"
	"github.com/ashita-ai/kiroku/internal/lifecycle"
	"github.com/ashita-ai/kiroku/internal/model"
)

// SessionSummary is the per-session read model.
type SessionSummary struct {
	SessionID       uuid.UUID
	RequestCount    int
	CompletedCount  int
	FailedCount     int
	InFlightCount   int
	DiagnosticCount int
	FirstSeen       time.Time
	LastSeen        time.Time
}

// requestEntry tracks one request's folded lifecycle and its owning session.
type requestEntry struct {
	sessionID uuid.UUID
	life      lifecycle.State
}

// SessionSummaries is the in-memory projection over session and request
// streams. All state lives behind one RWMutex; reads return copies.
type SessionSummaries struct {
	mu         sync.RWMutex
	sessions   map[uuid.UUID]*SessionSummary
	requests   map[uuid.UUID]*requestEntry
	checkpoint eventstore.Position
	hasCkpt    bool
}

// NewSessionSummaries creates an empty session-summary projection.
func NewSessionSummaries() *SessionSummaries {
	return &SessionSummaries{
		sessions: make(map[uuid.UUID]*SessionSummary),
		requests: make(map[uuid.UUID]*requestEntry),
	}
}

func (p *SessionSummaries) Name() string { return "session-summaries" }

func (p *SessionSummaries) Streams() []model.StreamKind {
	return []model.StreamKind{model.StreamSession, model.StreamRequest}
}

func (p *SessionSummaries) Apply(_ context.Context, e model.StoredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch d := e.Data.(type) {
	case *model.RequestReceivedData:
		s := p.session(d.SessionID)
		if _, seen := p.requests[d.RequestID]; !seen {
			p.requests[d.RequestID] = &requestEntry{
				sessionID: d.SessionID,
				life:      lifecycle.NotStarted(d.RequestID),
			}
			s.RequestCount++
		}
		p.touch(s, e.OccurredAt)
		p.fold(d.RequestID, e)

	case *model.InvalidTransitionRecordedData:
		sessionID, ok := p.sessionFor(d.RequestID, e.StreamID)
		if ok {
			s := p.session(sessionID)
			s.DiagnosticCount++
			p.touch(s, e.OccurredAt)
		}

	default:
		// Remaining request-stream events only matter through the fold.
		if id, ok := requestIDOf(e.Data); ok {
			p.fold(id, e)
			if r, seen := p.requests[id]; seen {
				p.touch(p.session(r.sessionID), e.OccurredAt)
			}
		}
	}
	return nil
}

// sessionFor resolves the session a diagnostic belongs to: through the
// request index when the request is known, else through the stream key when
// the diagnostic landed on a session stream.
func (p *SessionSummaries) sessionFor(requestID uuid.UUID, streamID string) (uuid.UUID, bool) {
	if r, ok := p.requests[requestID]; ok {
		return r.sessionID, true
	}
	if model.KindOf(streamID) == model.StreamSession {
		return model.StreamUUID(streamID)
	}
	return uuid.Nil, false
}

// session returns (creating if needed) the summary for a session.
func (p *SessionSummaries) session(id uuid.UUID) *SessionSummary {
	s, ok := p.sessions[id]
	if !ok {
		s = &SessionSummary{SessionID: id}
		p.sessions[id] = s
	}
	return s
}

func (p *SessionSummaries) touch(s *SessionSummary, at time.Time) {
	if s.FirstSeen.IsZero() || at.Before(s.FirstSeen) {
		s.FirstSeen = at
	}
	if at.After(s.LastSeen) {
		s.LastSeen = at
	}
}

func (p *SessionSummaries) fold(requestID uuid.UUID, e model.StoredEvent) {
	r, ok := p.requests[requestID]
	if !ok {
		// Request never received; the diagnostic event for it carries the
		// record, nothing to aggregate here.
		return
	}
	r.life = lifecycle.Transition(r.life, e)
}

// requestIDOf extracts the request ID from request-scoped event payloads.
func requestIDOf(data model.EventData) (uuid.UUID, bool) {
	switch d := data.(type) {
	case *model.RequestForwardedData:
		return d.RequestID, true
	case *model.ResponseReceivedData:
		return d.RequestID, true
	case *model.ResponseReturnedData:
		return d.RequestID, true
	case *model.RequestFailedData:
		return d.RequestID, true
	case *model.RequestCancelledData:
		return d.RequestID, true
	default:
		return uuid.Nil, false
	}
}

// Summary returns a snapshot of one session's summary. Lifecycle counts are
// computed at read time so a request resting in response-received reads as
// completed.
func (p *SessionSummaries) Summary(sessionID uuid.UUID) (SessionSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.sessions[sessionID]
	if !ok {
		return SessionSummary{}, false
	}
	return p.snapshot(s), true
}

// Summaries returns a snapshot of every session summary.
func (p *SessionSummaries) Summaries() []SessionSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]SessionSummary, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, p.snapshot(s))
	}
	return out
}

func (p *SessionSummaries) snapshot(s *SessionSummary) SessionSummary {
	cp := *s
	for _, r := range p.requests {
		if r.sessionID != s.SessionID {
			continue
		}
		switch lifecycle.Resolve(r.life).Stage {
		case lifecycle.StageCompleted:
			cp.CompletedCount++
		case lifecycle.StageFailed:
			cp.FailedCount++
		default:
			cp.InFlightCount++
		}
	}
	return cp
}

func (p *SessionSummaries) Checkpoint(context.Context) (eventstore.Position, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.checkpoint, p.hasCkpt, nil
}

func (p *SessionSummaries) SetCheckpoint(_ context.Context, pos eventstore.Position) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkpoint = pos
	p.hasCkpt = true
	return nil
}

func (p *SessionSummaries) Reset(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = make(map[uuid.UUID]*SessionSummary)
	p.requests = make(map[uuid.UUID]*requestEntry)
	p.checkpoint = 0
	p.hasCkpt = false
	return nil
}
