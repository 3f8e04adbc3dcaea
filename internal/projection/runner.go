package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kiroku/internal/eventstore"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// RunnerConfig tunes one projection's poll loop.
type RunnerConfig struct {
	PollInterval time.Duration
	BatchSize    int

	// MaxRetries bounds consecutive failed batches before the runner marks
	// the projection Failed and stops processing. BaseBackoff seeds the
	// exponential backoff between failed batches, capped at MaxBackoff.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// LagThreshold is the batch processing time beyond which the runner
	// reports Lagging instead of Healthy.
	LagThreshold time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.LagThreshold <= 0 {
		c.LagThreshold = 5 * time.Second
	}
	return c
}

// Runner drives one projection: poll for events past the checkpoint, apply
// them in order, advance the checkpoint after the full batch. Checkpointing
// after the batch (never mid-batch) means a crash redelivers the batch, which
// projections absorb by being idempotent.
type Runner struct {
	store  eventstore.Store
	proj   Projection
	logger *slog.Logger
	cfg    RunnerConfig

	mu          sync.Mutex
	status      Status
	checkpoint  eventstore.Position
	processed   int64
	consecutive int
	lastError   string
	caughtUpAt  time.Time

	batchMu sync.Mutex // serializes batches against rebuilds
}

// NewRunner creates a runner for one projection.
func NewRunner(store eventstore.Store, proj Projection, logger *slog.Logger, cfg RunnerConfig) *Runner {
	return &Runner{
		store:      store,
		proj:       proj,
		logger:     logger.With("projection", proj.Name()),
		cfg:        cfg.withDefaults(),
		status:     StatusHealthy,
		caughtUpAt: time.Now(),
	}
}

// run is the poll loop. It exits only on context cancellation; a projection
// that exhausts its retry budget is marked Failed and stops processing but
// keeps its goroutine parked so a later Rebuild can revive it. A batch in
// flight when the context is cancelled finishes first.
func (r *Runner) run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	backoff := r.cfg.BaseBackoff
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if r.Status() == StatusFailed {
			continue
		}

		batchStart := time.Now()
		n, err := r.processBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failed := r.recordError(err)
			if failed {
				r.logger.Error("projection failed, retry budget exhausted",
					"error", err, "max_retries", r.cfg.MaxRetries)
				continue
			}
			r.logger.Warn("projection batch failed, backing off",
				"error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, r.cfg.MaxBackoff)
			continue
		}

		backoff = r.cfg.BaseBackoff
		r.recordBatch(n, time.Since(batchStart))
	}
}

// processBatch reads and applies one batch, returning how many events it
// processed. The checkpoint moves only after every event in the batch
// applied cleanly.
func (r *Runner) processBatch(ctx context.Context) (int, error) {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()

	cp, _, err := r.proj.Checkpoint(ctx)
	if err != nil {
		return 0, err
	}

	events, err := r.store.ReadAfter(ctx, r.proj.Streams(), cp, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("read after %d: %w", cp, err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	for _, e := range events {
		if err := r.proj.Apply(ctx, e); err != nil {
			return 0, fmt.Errorf("apply event at %d: %w", e.Position, err)
		}
	}

	last := eventstore.Position(events[len(events)-1].Position)
	if err := r.proj.SetCheckpoint(ctx, last); err != nil {
		return 0, fmt.Errorf("set checkpoint %d: %w", last, err)
	}

	r.mu.Lock()
	r.checkpoint = last
	r.processed += int64(len(events))
	r.mu.Unlock()
	return len(events), nil
}

// recordError notes a failed batch and reports whether the retry budget is
// now exhausted.
func (r *Runner) recordError(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutive++
	r.lastError = err.Error()
	if r.consecutive > r.cfg.MaxRetries {
		r.status = StatusFailed
		return true
	}
	return false
}

// recordBatch notes a clean batch. A batch that took longer than the
// configured threshold to process marks the runner Lagging; caughtUpAt only
// advances on within-threshold batches, so lag_seconds reads as how long the
// projection has been behind.
func (r *Runner) recordBatch(n int, took time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutive = 0
	r.lastError = ""
	if n > 0 && took > r.cfg.LagThreshold {
		r.status = StatusLagging
		return
	}
	r.status = StatusHealthy
	r.caughtUpAt = time.Now()
}

// Rebuild resets the projection and replays the whole log from genesis.
// Progress is logged per batch; the runner reads as Rebuilding until the
// replay catches up, then Healthy with a clean error slate.
func (r *Runner) Rebuild(ctx context.Context) error {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()

	r.setStatus(StatusRebuilding)
	start := time.Now()
	r.logger.Info("rebuilding projection from genesis")

	if err := r.proj.Reset(ctx); err != nil {
		r.setStatus(StatusFailed)
		return fmt.Errorf("projection %s: reset: %w", r.proj.Name(), err)
	}
	r.mu.Lock()
	r.checkpoint = 0
	r.processed = 0
	r.mu.Unlock()

	var total int64
	cp := eventstore.Position(0)
	for {
		if err := ctx.Err(); err != nil {
			r.setStatus(StatusFailed)
			return fmt.Errorf("projection %s: rebuild cancelled: %w", r.proj.Name(), err)
		}

		events, err := r.store.ReadAfter(ctx, r.proj.Streams(), cp, r.cfg.BatchSize)
		if err != nil {
			r.setStatus(StatusFailed)
			return fmt.Errorf("projection %s: rebuild read after %d: %w", r.proj.Name(), cp, err)
		}
		if len(events) == 0 {
			break
		}

		for _, e := range events {
			if err := r.proj.Apply(ctx, e); err != nil {
				r.setStatus(StatusFailed)
				return fmt.Errorf("projection %s: rebuild apply at %d: %w", r.proj.Name(), e.Position, err)
			}
		}
		cp = eventstore.Position(events[len(events)-1].Position)
		if err := r.proj.SetCheckpoint(ctx, cp); err != nil {
			r.setStatus(StatusFailed)
			return fmt.Errorf("projection %s: rebuild checkpoint %d: %w", r.proj.Name(), cp, err)
		}

		total += int64(len(events))
		r.mu.Lock()
		r.checkpoint = cp
		r.processed = total
		r.mu.Unlock()
		r.logger.Info("rebuild progress", "events", total, "checkpoint", int64(cp))
	}

	r.mu.Lock()
	r.status = StatusHealthy
	r.consecutive = 0
	r.lastError = ""
	r.caughtUpAt = time.Now()
	r.mu.Unlock()
	r.logger.Info("rebuild complete", "events", total, "took", time.Since(start))
	return nil
}

func (r *Runner) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Status returns the runner's current health state.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Health returns a point-in-time snapshot of the runner.
func (r *Runner) Health() ProjectionHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lag float64
	if r.status == StatusLagging {
		lag = time.Since(r.caughtUpAt).Seconds()
	}
	return ProjectionHealth{
		Name:              r.proj.Name(),
		Status:            r.status,
		Checkpoint:        int64(r.checkpoint),
		EventsProcessed:   r.processed,
		ConsecutiveErrors: r.consecutive,
		LastError:         r.lastError,
		LagSeconds:        lag,
	}
}

// Supervisor runs a set of projection runners, one goroutine each, and
// aggregates their health. Shutdown is cooperative: cancelling the Run
// context broadcasts to every runner, and each finishes its in-flight batch
// before exiting.
type Supervisor struct {
	runners    []*Runner
	byName     map[string]*Runner
	logger     *slog.Logger
	thresholds Thresholds
}

// NewSupervisor creates a supervisor over the given runners.
func NewSupervisor(logger *slog.Logger, thresholds Thresholds, runners ...*Runner) *Supervisor {
	byName := make(map[string]*Runner, len(runners))
	for _, r := range runners {
		byName[r.proj.Name()] = r
	}
	return &Supervisor{runners: runners, byName: byName, logger: logger, thresholds: thresholds}
}

// Run blocks until the context is cancelled and every runner has exited.
func (s *Supervisor) Run(ctx context.Context) error {
	s.registerMetrics()
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range s.runners {
		g.Go(func() error { return r.run(ctx) })
	}
	s.logger.Info("projection supervisor started", "projections", len(s.runners))
	return g.Wait()
}

// Rebuild rebuilds one projection by name.
func (s *Supervisor) Rebuild(ctx context.Context, name string) error {
	r, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("projection: unknown projection %q", name)
	}
	return r.Rebuild(ctx)
}

// Health returns the aggregated health report.
func (s *Supervisor) Health() Report {
	snapshots := make([]ProjectionHealth, 0, len(s.runners))
	for _, r := range s.runners {
		snapshots = append(snapshots, r.Health())
	}
	return report(snapshots, s.thresholds)
}

// registerMetrics registers observable OTEL gauges for projection health.
func (s *Supervisor) registerMetrics() {
	meter := telemetry.Meter("kiroku/projection")

	_, _ = meter.Int64ObservableGauge("kiroku.projection.checkpoint",
		metric.WithDescription("Last checkpointed global position per projection"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for _, r := range s.runners {
				h := r.Health()
				o.Observe(h.Checkpoint, metric.WithAttributes(attribute.String("projection", h.Name)))
			}
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("kiroku.projection.events_processed",
		metric.WithDescription("Events applied since start per projection"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for _, r := range s.runners {
				h := r.Health()
				o.Observe(h.EventsProcessed, metric.WithAttributes(attribute.String("projection", h.Name)))
			}
			return nil
		}),
	)
}
