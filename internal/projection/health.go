package projection

import "fmt"

// Status is the health state of one projection runner.
type Status string

const (
	StatusHealthy    Status = "healthy"
	StatusLagging    Status = "lagging"
	StatusFailed     Status = "failed"
	StatusRebuilding Status = "rebuilding"
)

// ProjectionHealth is one runner's health snapshot.
type ProjectionHealth struct {
	Name              string  `json:"name"`
	Status            Status  `json:"status"`
	Checkpoint        int64   `json:"checkpoint"`
	EventsProcessed   int64   `json:"events_processed"`
	ConsecutiveErrors int     `json:"consecutive_errors"`
	LastError         string  `json:"last_error,omitempty"`
	LagSeconds        float64 `json:"lag_seconds"`
}

// Report aggregates runner health into a service-level verdict.
type Report struct {
	Status      string             `json:"status"` // healthy | degraded | unhealthy
	Projections []ProjectionHealth `json:"projections"`
	Summary     string             `json:"summary"`
}

// Thresholds configure when a lagging projection degrades the report.
type Thresholds struct {
	MaxLagSeconds        float64
	MaxConsecutiveErrors int
}

// DefaultThresholds tolerate brief lag spikes without paging anyone.
func DefaultThresholds() Thresholds {
	return Thresholds{MaxLagSeconds: 30, MaxConsecutiveErrors: 3}
}

// report folds per-projection snapshots into the service verdict: any
// failed projection is unhealthy; lag or error streaks beyond the
// thresholds, or an in-flight rebuild, degrade the report.
func report(snapshots []ProjectionHealth, th Thresholds) Report {
	status := "healthy"
	degraded, failed := 0, 0
	for _, p := range snapshots {
		switch {
		case p.Status == StatusFailed:
			failed++
		case p.Status == StatusRebuilding,
			p.LagSeconds > th.MaxLagSeconds,
			p.ConsecutiveErrors > th.MaxConsecutiveErrors:
			degraded++
		}
	}
	switch {
	case failed > 0:
		status = "unhealthy"
	case degraded > 0:
		status = "degraded"
	}
	return Report{
		Status:      status,
		Projections: snapshots,
		Summary: fmt.Sprintf("%d projections, %d degraded, %d failed",
			len(snapshots), degraded, failed),
	}
}
