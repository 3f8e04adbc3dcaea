// Package kiroku is the public API for embedding the kiroku audit recorder.
//
// Kiroku is the durable record-keeping core of an LLM-traffic audit service:
// the intercepting proxy feeds it signals, and kiroku turns them into
// immutable ordered events, folds them through the request lifecycle rules,
// mirrors them into a tamper-evident hash chain, and materializes queryable
// read models that can be rebuilt from the log at any time.
//
//	app, err := kiroku.New(
//	    kiroku.WithVersion(version),
//	    kiroku.WithLogger(logger),
//	)
//	if err != nil { ... }
//	go app.Run(ctx)
//	...
//	err = app.Record(ctx, kiroku.Signal{...})
//
// The import graph enforces a strict no-cycle rule: kiroku (root) imports
// internal/*, but internal/* never imports kiroku (root). Public types
// (Signal and its variants) are standalone structs with no internal imports;
// conversion helpers live here because this is the only file that sees both
// sides of the boundary.
package kiroku

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kiroku/internal/command"
	"github.com/ashita-ai/kiroku/internal/config"
	"github.com/ashita-ai/kiroku/internal/eventstore"
	"github.com/ashita-ai/kiroku/internal/hashchain"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/projection"
	"github.com/ashita-ai/kiroku/internal/server"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/telemetry"
	"github.com/ashita-ai/kiroku/migrations"
)

// SignalKind identifies which variant of a Signal is populated.
type SignalKind string

// Signal kinds, one per lifecycle transition the proxy can observe.
const (
	SignalRequestReceived  SignalKind = "RequestReceived"
	SignalRequestForwarded SignalKind = "RequestForwarded"
	SignalResponseReceived SignalKind = "ResponseReceived"
	SignalResponseReturned SignalKind = "ResponseReturned"
	SignalRequestFailed    SignalKind = "RequestFailed"
	SignalRequestCancelled SignalKind = "RequestCancelled"
)

// Signal is one raw observation from the intercepting proxy. Exactly one
// variant field matching Kind is populated.
type Signal struct {
	RequestID uuid.UUID
	SessionID uuid.UUID
	Timestamp time.Time
	Kind      SignalKind

	Received  *RequestReceived
	Forwarded *RequestForwarded
	Response  *ResponseReceived
	Returned  *ResponseReturned
	Failed    *RequestFailed
	Cancelled *RequestCancelled
}

// RequestReceived carries the intercepted request envelope.
type RequestReceived struct {
	Method   string
	URI      string
	Headers  map[string]string
	BodySize int64
	Body     []byte
}

// RequestForwarded carries the upstream forwarding details.
type RequestForwarded struct {
	TargetURL string
	StartTime time.Time
}

// ResponseReceived carries the upstream response envelope.
type ResponseReceived struct {
	Status   int
	Headers  map[string]string
	BodySize int64
	Duration time.Duration
}

// ResponseReturned marks delivery of the response back to the client.
type ResponseReturned struct {
	Duration time.Duration
}

// RequestFailed marks a hard failure of the intercepted exchange.
type RequestFailed struct {
	Reason string
}

// RequestCancelled marks client-side cancellation.
type RequestCancelled struct {
	Reason string
}

func toInternalSignal(s Signal) model.AuditSignal {
	out := model.AuditSignal{
		RequestID: s.RequestID,
		SessionID: s.SessionID,
		Timestamp: s.Timestamp,
		Kind:      model.SignalKind(s.Kind),
	}
	if s.Received != nil {
		out.Received = &model.RequestReceivedSignal{
			Method:   s.Received.Method,
			URI:      s.Received.URI,
			Headers:  s.Received.Headers,
			BodySize: s.Received.BodySize,
			Body:     s.Received.Body,
		}
	}
	if s.Forwarded != nil {
		out.Forwarded = &model.RequestForwardedSignal{
			TargetURL: s.Forwarded.TargetURL,
			StartTime: s.Forwarded.StartTime,
		}
	}
	if s.Response != nil {
		out.Response = &model.ResponseReceivedSignal{
			Status:   s.Response.Status,
			Headers:  s.Response.Headers,
			BodySize: s.Response.BodySize,
			Duration: s.Response.Duration,
		}
	}
	if s.Returned != nil {
		out.Returned = &model.ResponseReturnedSignal{Duration: s.Returned.Duration}
	}
	if s.Failed != nil {
		out.Failed = &model.RequestFailedSignal{Reason: s.Failed.Reason}
	}
	if s.Cancelled != nil {
		out.Cancelled = &model.RequestCancelledSignal{Reason: s.Cancelled.Reason}
	}
	return out
}

// App is the kiroku service lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	store        eventstore.Store
	executor     *command.Executor
	chain        *hashchain.SQLiteChain
	summaries    *projection.SessionSummaries
	usage        *projection.UsageMetrics
	supervisor   *projection.Supervisor
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	// Set by Run; used by Shutdown to stop and drain the supervisor.
	supCancel context.CancelFunc
	supDone   chan error
}

// New initialises the kiroku service. It connects to the database, runs
// migrations, opens the audit chain, and wires all subsystems. It does NOT
// start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.chainPath != "" {
		cfg.ChainPath = o.chainPath
	}
	if o.environment != "" {
		cfg.Environment = o.environment
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kiroku starting", "version", version, "port", cfg.Port)

	ctx := context.Background()

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database and install the schema.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Open the durable audit chain.
	chain, err := hashchain.OpenSQLite(ctx, cfg.ChainPath)
	if err != nil {
		db.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("hashchain: %w", err)
	}

	store := eventstore.NewPostgres(db)
	executor := command.NewExecutor(store, logger, cfg.CommandMaxRetries, cfg.CommandBaseDelay)

	// Projections and their supervisor.
	summaries := projection.NewSessionSummaries()
	usage := projection.NewUsageMetrics(db)
	runnerCfg := projection.RunnerConfig{
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
		MaxRetries:   cfg.RunnerMaxRetries,
		BaseBackoff:  cfg.RunnerBaseBackoff,
		MaxBackoff:   cfg.RunnerMaxBackoff,
	}
	supervisor := projection.NewSupervisor(logger,
		projection.Thresholds{
			MaxLagSeconds:        cfg.MaxLagSeconds,
			MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		},
		projection.NewRunner(store, summaries, logger, runnerCfg),
		projection.NewRunner(store, usage, logger, runnerCfg),
	)

	srv := server.New(server.ServerConfig{
		Deps: server.HandlersDeps{
			DB:         db,
			Supervisor: supervisor,
			Chain:      chain,
			Summaries:  summaries,
			Usage:      usage,
			Logger:     logger,
			Version:    version,
		},
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		store:        store,
		executor:     executor,
		chain:        chain,
		summaries:    summaries,
		usage:        usage,
		supervisor:   supervisor,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Record folds one proxy signal into the audit trail and mirrors the
// resulting events into the hash chain. Semantically invalid signals
// (duplicates, out-of-order) are recorded as diagnostics and do not error;
// only infrastructure failures surface here.
func (a *App) Record(ctx context.Context, sig Signal) error {
	stored, err := a.executor.Execute(ctx, command.NewRecordSignal(toInternalSignal(sig)))
	if err != nil {
		return fmt.Errorf("kiroku: record signal: %w", err)
	}

	for _, e := range stored {
		if err := a.appendToChain(ctx, e); err != nil {
			// The event log is the source of truth; a chain append failure
			// is loud but does not roll the events back.
			a.logger.Error("chain append failed", "error", err,
				"stream_id", e.StreamID, "event_id", e.EventID)
			return err
		}
	}
	return nil
}

// chainEntryPayload is the serialized event content bound into a chain entry.
type chainEntryPayload struct {
	StreamID   string          `json:"stream_id"`
	EventID    uuid.UUID       `json:"event_id"`
	Version    int64           `json:"version"`
	Position   int64           `json:"position"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

func (a *App) appendToChain(ctx context.Context, e model.StoredEvent) error {
	data, err := model.EncodePayload(e.Data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(chainEntryPayload{
		StreamID:   e.StreamID,
		EventID:    e.EventID,
		Version:    e.Version,
		Position:   e.Position,
		EventType:  string(e.Type()),
		OccurredAt: e.OccurredAt,
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("kiroku: marshal chain payload: %w", err)
	}

	subject, ok := model.StreamUUID(e.StreamID)
	if !ok {
		subject = e.EventID
	}
	entryCtx := hashchain.Context{
		Environment:   a.cfg.Environment,
		CorrelationID: e.EventID.String(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		entryCtx.TraceID = sc.TraceID().String()
	}

	_, err = a.chain.Append(ctx, hashchain.EntryInput{
		SubjectID: subject,
		Timestamp: e.OccurredAt,
		Payload:   payload,
		Context:   entryCtx,
	})
	return err
}

// UpdateSettings records a change to a user's audit settings. An update
// that changes nothing is a no-op.
func (a *App) UpdateSettings(ctx context.Context, userID uuid.UUID, retentionDays int, alertsEnabled *bool, maxLagSeconds float64) error {
	_, err := a.executor.Execute(ctx, &command.UpdateSettings{
		UserID:        userID,
		Timestamp:     time.Now().UTC(),
		RetentionDays: retentionDays,
		AlertsEnabled: alertsEnabled,
		MaxLagSeconds: maxLagSeconds,
	})
	if err != nil {
		return fmt.Errorf("kiroku: update settings: %w", err)
	}
	return nil
}

// VerifyChain re-walks the audit chain and returns the first integrity
// violation found, or nil when the chain is intact.
func (a *App) VerifyChain(ctx context.Context) error {
	return a.chain.VerifyIntegrity(ctx)
}

// Run starts the projection supervisor and the HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. On return, Shutdown
// is called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	supCtx, supCancel := context.WithCancel(ctx)
	a.supCancel = supCancel
	a.supDone = make(chan error, 1)
	go func() { a.supDone <- a.supervisor.Run(supCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in phases: stop accepting HTTP requests, wait for the
// supervisor's in-flight batches to finish, then release the chain, the
// pool, and telemetry. Each phase gets its own timeout so early completion
// doesn't steal budget from later phases.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kiroku shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	if a.supCancel != nil {
		a.supCancel()
		select {
		case err := <-a.supDone:
			if err != nil {
				a.logger.Error("supervisor exit error", "error", err)
			}
		case <-time.After(10 * time.Second):
			a.logger.Warn("supervisor drain timed out")
		}
	}

	if err := a.chain.Close(); err != nil {
		a.logger.Error("chain close error", "error", err)
	}
	a.db.Close()
	if err := a.otelShutdown(context.Background()); err != nil {
		a.logger.Error("telemetry shutdown error", "error", err)
	}

	a.logger.Info("kiroku stopped")
	return nil
}
