package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StreamKind is the namespace prefix of a stream key.
type StreamKind string

const (
	StreamSession      StreamKind = "session"
	StreamRequest      StreamKind = "request"
	StreamAnalysis     StreamKind = "analysis"
	StreamExtraction   StreamKind = "extraction"
	StreamTestcase     StreamKind = "testcase"
	StreamUserSettings StreamKind = "user-settings"
	StreamMetrics      StreamKind = "metrics"
)

// StreamID builds a "{kind}:{uuid}" stream key.
func StreamID(kind StreamKind, id uuid.UUID) string {
	return string(kind) + ":" + id.String()
}

// MetricsStreamID builds a "metrics:{year}-{month}" bucket key for t (UTC).
func MetricsStreamID(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s:%04d-%02d", StreamMetrics, t.Year(), int(t.Month()))
}

// StreamUUID returns the UUID suffix of a "{kind}:{uuid}" stream key.
// Metrics bucket keys have no UUID suffix and report false.
func StreamUUID(streamID string) (uuid.UUID, bool) {
	_, suffix, ok := strings.Cut(streamID, ":")
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(suffix)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// KindOf returns the stream kind prefix of a stream key, or "" if the key
// has no kind separator.
func KindOf(streamID string) StreamKind {
	kind, _, ok := strings.Cut(streamID, ":")
	if !ok {
		return ""
	}
	return StreamKind(kind)
}
