package model

import (
	"time"

	"github.com/google/uuid"
)

// RequestReceivedData is the payload for RequestReceived events.
// Appended to the session stream when the proxy first sees a request.
type RequestReceivedData struct {
	RequestID uuid.UUID         `json:"request_id"`
	SessionID uuid.UUID         `json:"session_id"`
	Method    string            `json:"method"`
	URI       string            `json:"uri"`
	Headers   map[string]string `json:"headers,omitempty"`
	BodySize  int64             `json:"body_size"`
}

func (RequestReceivedData) EventType() EventType { return EventRequestReceived }

// RequestForwardedData is the payload for RequestForwarded events.
type RequestForwardedData struct {
	RequestID uuid.UUID `json:"request_id"`
	TargetURL string    `json:"target_url"`
	StartTime time.Time `json:"start_time"`
}

func (RequestForwardedData) EventType() EventType { return EventRequestForwarded }

// ResponseReceivedData is the payload for ResponseReceived events.
type ResponseReceivedData struct {
	RequestID uuid.UUID         `json:"request_id"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	BodySize  int64             `json:"body_size"`
	Duration  time.Duration     `json:"duration_ns"`
}

func (ResponseReceivedData) EventType() EventType { return EventResponseReceived }

// ResponseReturnedData is the payload for ResponseReturned events,
// recorded when the intercepted response was delivered back to the client.
type ResponseReturnedData struct {
	RequestID uuid.UUID     `json:"request_id"`
	Duration  time.Duration `json:"duration_ns"`
}

func (ResponseReturnedData) EventType() EventType { return EventResponseReturned }

// RequestFailedData is the payload for RequestFailed events.
type RequestFailedData struct {
	RequestID uuid.UUID `json:"request_id"`
	Reason    string    `json:"reason"`
}

func (RequestFailedData) EventType() EventType { return EventRequestFailed }

// RequestCancelledData is the payload for RequestCancelled events.
type RequestCancelledData struct {
	RequestID uuid.UUID `json:"request_id"`
	Reason    string    `json:"reason,omitempty"`
}

func (RequestCancelledData) EventType() EventType { return EventRequestCancelled }

// PromptExtractedData is the payload for PromptExtracted events,
// produced when the provider parser understood the intercepted body.
type PromptExtractedData struct {
	RequestID    uuid.UUID      `json:"request_id"`
	Provider     string         `json:"provider"`
	ModelVersion string         `json:"model_version"`
	Prompt       string         `json:"prompt"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

func (PromptExtractedData) EventType() EventType { return EventPromptExtracted }

// ParseFailureRecordedData is the payload for ParseFailureRecorded events.
// The fallback fields preserve a usable record even when the body was
// malformed; the pipeline never drops a signal.
type ParseFailureRecordedData struct {
	RequestID    uuid.UUID `json:"request_id"`
	Provider     string    `json:"provider"`      // "unknown" on fallback
	ModelVersion string    `json:"model_version"` // "unknown-model" on fallback
	Prompt       string    `json:"prompt"`        // "parse failed: ..." on fallback
	Error        string    `json:"error"`
}

func (ParseFailureRecordedData) EventType() EventType { return EventParseFailureRecorded }

// InvalidTransitionRecordedData is the payload for InvalidTransitionRecorded
// events: a signal arrived whose precondition was not satisfied (duplicate,
// out of order, or after a terminal state). The signal is recorded as this
// diagnostic instead of mutating lifecycle state.
type InvalidTransitionRecordedData struct {
	RequestID uuid.UUID  `json:"request_id"`
	Signal    SignalKind `json:"signal"`
	State     string     `json:"state"`
	Reason    string     `json:"reason"`
}

func (InvalidTransitionRecordedData) EventType() EventType { return EventInvalidTransitionRecorded }

// SettingsUpdatedData is the payload for SettingsUpdated events on
// user-settings streams.
type SettingsUpdatedData struct {
	UserID        uuid.UUID `json:"user_id"`
	RetentionDays int       `json:"retention_days,omitempty"`
	AlertsEnabled *bool     `json:"alerts_enabled,omitempty"`
	MaxLagSeconds float64   `json:"max_lag_seconds,omitempty"`
}

func (SettingsUpdatedData) EventType() EventType { return EventSettingsUpdated }
