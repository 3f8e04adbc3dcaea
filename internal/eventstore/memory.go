package eventstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Memory is an in-process Store for tests, rebuild tooling, and
// single-node deployments that do not need durability.
type Memory struct {
	mu       sync.RWMutex
	streams  map[string][]model.StoredEvent
	log      []model.StoredEvent // global position order
	position Position
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{streams: make(map[string][]model.StoredEvent)}
}

// ReadStream returns a copy of one stream's events in version order.
func (m *Memory) ReadStream(_ context.Context, streamID string) ([]model.StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.streams[streamID]
	out := make([]model.StoredEvent, len(events))
	copy(out, events)
	return out, nil
}

// Read returns the given streams' events merged in global position order.
func (m *Memory) Read(_ context.Context, streamIDs []string) ([]model.StoredEvent, error) {
	want := make(map[string]bool, len(streamIDs))
	for _, id := range streamIDs {
		want[id] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.StoredEvent
	for _, e := range m.log {
		if want[e.StreamID] {
			out = append(out, e)
		}
	}
	return out, nil
}

// ReadAfter returns up to limit events past the given position, restricted
// to the given stream kinds (all kinds when empty).
func (m *Memory) ReadAfter(_ context.Context, kinds []model.StreamKind, after Position, limit int) ([]model.StoredEvent, error) {
	wantKind := make(map[model.StreamKind]bool, len(kinds))
	for _, k := range kinds {
		wantKind[k] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.StoredEvent
	for _, e := range m.log {
		if Position(e.Position) <= after {
			continue
		}
		if len(wantKind) > 0 && !wantKind[model.KindOf(e.StreamID)] {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Append validates every stream's expected version under one lock, then
// applies all appends. All-or-nothing: a conflict on any stream writes
// nothing anywhere.
func (m *Memory) Append(_ context.Context, appends ...StreamAppend) ([]model.StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate first so a late conflict cannot leave earlier streams written.
	for _, a := range appends {
		actual := int64(len(m.streams[a.StreamID]))
		if actual != a.ExpectedVersion {
			return nil, &ConflictError{StreamID: a.StreamID, Expected: a.ExpectedVersion, Actual: actual}
		}
	}

	// Stage everything before touching the maps so a bad payload cannot
	// leave a partial multi-stream write behind.
	var stored []model.StoredEvent
	pos := m.position
	for _, a := range appends {
		version := a.ExpectedVersion
		for _, p := range a.Events {
			if p.Data == nil {
				return nil, fmt.Errorf("eventstore: append to %s: nil payload", a.StreamID)
			}
			id, err := uuid.NewV7()
			if err != nil {
				return nil, fmt.Errorf("eventstore: new event id: %w", err)
			}
			version++
			pos++
			stored = append(stored, model.StoredEvent{
				StreamID:   a.StreamID,
				EventID:    id,
				Version:    version,
				Position:   int64(pos),
				OccurredAt: p.OccurredAt,
				Data:       p.Data,
				Metadata:   p.Metadata,
			})
		}
	}

	m.position = pos
	for _, e := range stored {
		m.streams[e.StreamID] = append(m.streams[e.StreamID], e)
		m.log = append(m.log, e)
	}
	return stored, nil
}

// Version returns the current version of a stream (0 when absent).
func (m *Memory) Version(_ context.Context, streamID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.streams[streamID])), nil
}
