package model

import (
	"time"

	"github.com/google/uuid"
)

// SignalKind identifies which variant of an AuditSignal is populated.
type SignalKind string

const (
	SignalRequestReceived  SignalKind = "RequestReceived"
	SignalRequestForwarded SignalKind = "RequestForwarded"
	SignalResponseReceived SignalKind = "ResponseReceived"
	SignalResponseReturned SignalKind = "ResponseReturned"
	SignalRequestFailed    SignalKind = "RequestFailed"
	SignalRequestCancelled SignalKind = "RequestCancelled"
)

// AuditSignal is one raw observation from the intercepting proxy.
// Exactly one variant field matching Kind is populated.
type AuditSignal struct {
	RequestID uuid.UUID
	SessionID uuid.UUID
	Timestamp time.Time
	Kind      SignalKind

	Received  *RequestReceivedSignal
	Forwarded *RequestForwardedSignal
	Response  *ResponseReceivedSignal
	Returned  *ResponseReturnedSignal
	Failed    *RequestFailedSignal
	Cancelled *RequestCancelledSignal
}

// RequestReceivedSignal carries the intercepted request envelope.
type RequestReceivedSignal struct {
	Method   string
	URI      string
	Headers  map[string]string
	BodySize int64
	// Body is the raw intercepted request body, if captured. It is parsed
	// by the provider parser before folding; it is never stored verbatim.
	Body []byte
}

// RequestForwardedSignal carries the upstream forwarding details.
type RequestForwardedSignal struct {
	TargetURL string
	StartTime time.Time
}

// ResponseReceivedSignal carries the upstream response envelope.
type ResponseReceivedSignal struct {
	Status   int
	Headers  map[string]string
	BodySize int64
	Duration time.Duration
}

// ResponseReturnedSignal marks delivery of the response back to the client.
type ResponseReturnedSignal struct {
	Duration time.Duration
}

// RequestFailedSignal marks a hard failure of the intercepted exchange.
type RequestFailedSignal struct {
	Reason string
}

// RequestCancelledSignal marks client-side cancellation.
type RequestCancelledSignal struct {
	Reason string
}
