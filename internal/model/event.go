package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of a stored audit event.
type EventType string

const (
	// Request lifecycle events.
	EventRequestReceived  EventType = "RequestReceived"
	EventRequestForwarded EventType = "RequestForwarded"
	EventResponseReceived EventType = "ResponseReceived"
	EventResponseReturned EventType = "ResponseReturned"
	EventRequestFailed    EventType = "RequestFailed"
	EventRequestCancelled EventType = "RequestCancelled"

	// Body analysis events.
	EventPromptExtracted      EventType = "PromptExtracted"
	EventParseFailureRecorded EventType = "ParseFailureRecorded"

	// Diagnostic events. Recorded instead of rejecting duplicate or
	// out-of-order signals so the audit trail stays complete.
	EventInvalidTransitionRecorded EventType = "InvalidTransitionRecorded"

	// Settings events.
	EventSettingsUpdated EventType = "SettingsUpdated"
)

// EventData is the tagged-union payload of a stored event.
// Concrete payload types live in payloads.go and register themselves
// in the decode table so persisted JSON round-trips to the typed form.
type EventData interface {
	EventType() EventType
}

// StoredEvent is one immutable fact in the event store.
// Source of truth. Never mutated or deleted.
type StoredEvent struct {
	StreamID   string            `json:"stream_id"`
	EventID    uuid.UUID         `json:"event_id"` // UUIDv7; ordering consistent with timestamps
	Version    int64             `json:"version"`  // contiguous per stream, starting at 1
	Position   int64             `json:"position"` // global append order across all streams
	OccurredAt time.Time         `json:"occurred_at"`
	Data       EventData         `json:"data"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Type returns the event type of the payload, or "" when the payload is absent.
func (e StoredEvent) Type() EventType {
	if e.Data == nil {
		return ""
	}
	return e.Data.EventType()
}

// payloadFactories maps event types to zero-value payload constructors for decoding.
var payloadFactories = map[EventType]func() EventData{
	EventRequestReceived:           func() EventData { return &RequestReceivedData{} },
	EventRequestForwarded:          func() EventData { return &RequestForwardedData{} },
	EventResponseReceived:          func() EventData { return &ResponseReceivedData{} },
	EventResponseReturned:          func() EventData { return &ResponseReturnedData{} },
	EventRequestFailed:             func() EventData { return &RequestFailedData{} },
	EventRequestCancelled:          func() EventData { return &RequestCancelledData{} },
	EventPromptExtracted:           func() EventData { return &PromptExtractedData{} },
	EventParseFailureRecorded:      func() EventData { return &ParseFailureRecordedData{} },
	EventInvalidTransitionRecorded: func() EventData { return &InvalidTransitionRecordedData{} },
	EventSettingsUpdated:           func() EventData { return &SettingsUpdatedData{} },
}

// EncodePayload serializes an event payload to JSON for storage.
func EncodePayload(d EventData) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("model: encode payload: nil payload")
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("model: encode %s payload: %w", d.EventType(), err)
	}
	return b, nil
}

// DecodePayload deserializes a stored JSON payload back into its typed form.
// Unknown event types are an error: the store never contains types this
// binary did not write, so a miss means corruption or a version skew.
func DecodePayload(t EventType, raw []byte) (EventData, error) {
	factory, ok := payloadFactories[t]
	if !ok {
		return nil, fmt.Errorf("model: decode payload: unknown event type %q", t)
	}
	d := factory()
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("model: decode %s payload: %w", t, err)
	}
	return d, nil
}
