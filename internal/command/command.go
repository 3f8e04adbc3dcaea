// Package command implements the command-execution protocol: a command
// declares the streams it reads and writes, the executor folds those
// streams' events into the command's state, invokes the business logic, and
// appends the resulting events atomically. Version conflicts from
// concurrent writers are retried from a fresh read.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/ashita-ai/kiroku/internal/eventstore"
	"github.com/ashita-ai/kiroku/internal/model"
)

// ProposedEvent is one (stream, event) pair a command wants appended.
type ProposedEvent struct {
	StreamID   string
	Data       model.EventData
	OccurredAt time.Time
	Metadata   map[string]string
}

// Command is a unit of work against a declared stream set.
//
// Apply must be a pure fold: no I/O, no mutation of the event. Handle sees
// the fully folded state and returns the events to append; it must only
// target streams named by StreamIDs. A semantically invalid operation is
// not an error — Handle records it as a diagnostic event and succeeds.
// Errors from Handle are hard failures and abort the command.
type Command interface {
	Name() string
	StreamIDs() []string
	NewState() any
	Apply(state any, e model.StoredEvent) any
	Handle(state any) ([]ProposedEvent, error)
}

// Executor runs commands against an event store.
type Executor struct {
	store      eventstore.Store
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
}

// NewExecutor creates an executor. maxRetries bounds how often a command is
// re-run after an optimistic-concurrency conflict; baseDelay seeds the
// jittered exponential backoff between attempts.
func NewExecutor(store eventstore.Store, logger *slog.Logger, maxRetries int, baseDelay time.Duration) *Executor {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 10 * time.Millisecond
	}
	return &Executor{store: store, logger: logger, maxRetries: maxRetries, baseDelay: baseDelay}
}

// Execute runs one command to completion: read, fold, handle, append.
// On a version conflict the whole cycle restarts from a fresh read, up to
// the retry budget. The returned events are the stored results of the final
// successful attempt (possibly none, when the command emitted nothing).
func (x *Executor) Execute(ctx context.Context, cmd Command) ([]model.StoredEvent, error) {
	delay := x.baseDelay
	var err error
	for attempt := range x.maxRetries + 1 {
		var stored []model.StoredEvent
		stored, err = x.attempt(ctx, cmd)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, eventstore.ErrVersionConflict) || attempt == x.maxRetries {
			break
		}

		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		x.logger.Debug("command: conflict, retrying",
			"command", cmd.Name(), "attempt", attempt+1, "delay", delay+jitter)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("command %s: %w", cmd.Name(), err)
}

func (x *Executor) attempt(ctx context.Context, cmd Command) ([]model.StoredEvent, error) {
	streamIDs := cmd.StreamIDs()
	declared := make(map[string]bool, len(streamIDs))
	for _, id := range streamIDs {
		declared[id] = true
	}

	events, err := x.store.Read(ctx, streamIDs)
	if err != nil {
		return nil, fmt.Errorf("read streams: %w", err)
	}

	// Versions observed at read time; the append below asserts them.
	versions := make(map[string]int64, len(streamIDs))
	for _, e := range events {
		if e.Version > versions[e.StreamID] {
			versions[e.StreamID] = e.Version
		}
	}

	state := cmd.NewState()
	for _, e := range events {
		state = cmd.Apply(state, e)
	}

	proposed, err := cmd.Handle(state)
	if err != nil {
		return nil, err
	}
	if len(proposed) == 0 {
		return nil, nil
	}

	// Group by stream, preserving the order Handle produced.
	var order []string
	byStream := make(map[string][]eventstore.PendingEvent)
	for _, p := range proposed {
		if !declared[p.StreamID] {
			return nil, fmt.Errorf("event %s targets undeclared stream %s", p.Data.EventType(), p.StreamID)
		}
		if _, seen := byStream[p.StreamID]; !seen {
			order = append(order, p.StreamID)
		}
		byStream[p.StreamID] = append(byStream[p.StreamID], eventstore.PendingEvent{
			Data:       p.Data,
			OccurredAt: p.OccurredAt,
			Metadata:   p.Metadata,
		})
	}

	appends := make([]eventstore.StreamAppend, 0, len(order))
	for _, id := range order {
		appends = append(appends, eventstore.StreamAppend{
			StreamID:        id,
			ExpectedVersion: versions[id],
			Events:          byStream[id],
		})
	}

	stored, err := x.store.Append(ctx, appends...)
	if err != nil {
		return nil, err
	}
	return stored, nil
}
