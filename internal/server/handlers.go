package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/hashchain"
	"github.com/ashita-ai/kiroku/internal/projection"
	"github.com/ashita-ai/kiroku/internal/storage"
)

// ChainVerifier is the slice of the durable hash chain the server needs.
type ChainVerifier interface {
	VerifyIntegrity(ctx context.Context) error
	Len(ctx context.Context) (int64, error)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db         *storage.DB
	supervisor *projection.Supervisor
	chain      ChainVerifier
	summaries  *projection.SessionSummaries
	usage      *projection.UsageMetrics
	logger     *slog.Logger
	version    string
}

// HandlersDeps holds the dependencies for creating Handlers.
// Optional fields (nil-safe): DB, Chain, Summaries, Usage.
type HandlersDeps struct {
	DB         *storage.DB
	Supervisor *projection.Supervisor
	Chain      ChainVerifier
	Summaries  *projection.SessionSummaries
	Usage      *projection.UsageMetrics
	Logger     *slog.Logger
	Version    string
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		db:         deps.DB,
		supervisor: deps.Supervisor,
		chain:      deps.Chain,
		summaries:  deps.Summaries,
		usage:      deps.Usage,
		logger:     deps.Logger,
		version:    deps.Version,
	}
}

// HandleHealth reports liveness plus the projection verdict. The database
// ping gates readiness; a degraded projection set still returns 200 so
// orchestrators don't restart a service that is merely catching up.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": h.version,
	}
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.logger.Error("health: database ping failed", "error", err)
			resp["status"] = "unavailable"
			writeJSON(w, r, http.StatusServiceUnavailable, resp)
			return
		}
	}
	if h.supervisor != nil {
		rep := h.supervisor.Health()
		resp["projections"] = rep.Status
		if rep.Status == "unhealthy" {
			writeJSON(w, r, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListProjections returns the full per-projection health report.
func (h *Handlers) HandleListProjections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.supervisor.Health())
}

// HandleRebuildProjection kicks off a rebuild from genesis. The replay can
// outlive the request, so it runs in the background and the handler answers
// 202 immediately.
func (h *Handlers) HandleRebuildProjection(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	go func() {
		if err := h.supervisor.Rebuild(context.WithoutCancel(r.Context()), name); err != nil {
			h.logger.Error("projection rebuild failed", "projection", name, "error", err)
		}
	}()
	writeJSON(w, r, http.StatusAccepted, map[string]string{
		"projection": name,
		"status":     "rebuilding",
	})
}

// HandleChainVerify re-walks the audit chain. A violation is a 409 naming
// the first corrupted index; it is never repaired here.
func (h *Handlers) HandleChainVerify(w http.ResponseWriter, r *http.Request) {
	if h.chain == nil {
		writeError(w, r, http.StatusNotFound, "audit chain not configured")
		return
	}

	n, err := h.chain.Len(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "chain length unavailable")
		return
	}

	if err := h.chain.VerifyIntegrity(r.Context()); err != nil {
		var integrityErr *hashchain.IntegrityError
		if errors.As(err, &integrityErr) {
			h.logger.Error("chain integrity violation",
				"index", integrityErr.Index, "reason", integrityErr.Reason)
			writeJSON(w, r, http.StatusConflict, map[string]any{
				"verified": false,
				"entries":  n,
				"index":    integrityErr.Index,
				"reason":   integrityErr.Reason,
			})
			return
		}
		writeError(w, r, http.StatusInternalServerError, "chain verification failed")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"verified": true,
		"entries":  n,
	})
}

// HandleGetSession returns one session's summary from the in-memory
// projection.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("session_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid session id")
		return
	}
	if h.summaries == nil {
		writeError(w, r, http.StatusNotFound, "session summaries not configured")
		return
	}
	s, ok := h.summaries.Summary(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}

// HandleUsage returns the aggregated usage rows for one month ("2026-03").
func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		writeError(w, r, http.StatusNotFound, "usage metrics not configured")
		return
	}
	rows, err := h.usage.Usage(r.Context(), r.PathValue("month"))
	if err != nil {
		h.logger.Error("usage query failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "usage query failed")
		return
	}
	writeJSON(w, r, http.StatusOK, rows)
}
