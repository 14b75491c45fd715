// Package errors provides the error taxonomy shared by the transport client,
// the service gateway and the batch orchestrator.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Error Kinds
// ==========================

// ErrorKind classifies a failure. Polling never produces a kind of its own:
// the task poller keeps retrying until a terminal status is observed.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "TIMEOUT"
	KindConnectionFailure ErrorKind = "CONNECTION_FAILURE"
	KindUpstream          ErrorKind = "UPSTREAM_ERROR"
	KindValidation        ErrorKind = "VALIDATION_ERROR"
)

// GatewayError is the tagged union produced by the transport client and the
// input validators. Only the fields relevant to Kind are populated.
type GatewayError struct {
	Kind      ErrorKind     `json:"kind"`
	Service   string        `json:"service,omitempty"`
	Status    int           `json:"status,omitempty"`
	Body      []byte        `json:"-"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	Details   string        `json:"details,omitempty"`
	Cause     error         `json:"-"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e *GatewayError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("GatewayError[%s]: %s timed out after %s", e.Kind, e.target(), e.Elapsed.Round(time.Millisecond))
	case KindConnectionFailure:
		return fmt.Sprintf("GatewayError[%s]: cannot reach %s: %v", e.Kind, e.target(), e.Cause)
	case KindUpstream:
		return fmt.Sprintf("GatewayError[%s]: %s responded %d: %s", e.Kind, e.target(), e.Status, e.upstreamDetail())
	default:
		return fmt.Sprintf("GatewayError[%s]: %s", e.Kind, e.Details)
	}
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

func (e *GatewayError) target() string {
	if e.Service == "" {
		return "upstream"
	}
	return e.Service
}

// upstreamDetail extracts the most useful text from an upstream body. Backends
// in this system answer with {"detail": ...} or {"message": ...}.
func (e *GatewayError) upstreamDetail() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("status %d", e.Status)
	}
	var body struct {
		Detail  interface{} `json:"detail"`
		Message string      `json:"message"`
	}
	if err := json.Unmarshal(e.Body, &body); err == nil {
		if s, ok := body.Detail.(string); ok && s != "" {
			return s
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(e.Body))
}

// ==========================
// 2. Constructors
// ==========================

// NewTimeoutError reports a request that did not complete within timeout.
func NewTimeoutError(service string, elapsed, timeout time.Duration) *GatewayError {
	return &GatewayError{
		Kind:      KindTimeout,
		Service:   service,
		Elapsed:   elapsed,
		Timeout:   timeout,
		Timestamp: time.Now().UTC(),
	}
}

// NewConnectionFailureError reports a destination that could not be reached.
func NewConnectionFailureError(service string, cause error) *GatewayError {
	return &GatewayError{
		Kind:      KindConnectionFailure,
		Service:   service,
		Cause:     cause,
		Timestamp: time.Now().UTC(),
	}
}

// NewUpstreamError preserves the raw status and body of a non-2xx response.
func NewUpstreamError(service string, status int, body []byte) *GatewayError {
	return &GatewayError{
		Kind:      KindUpstream,
		Service:   service,
		Status:    status,
		Body:      body,
		Timestamp: time.Now().UTC(),
	}
}

// NewValidationError reports malformed caller input.
func NewValidationError(details string) *GatewayError {
	return &GatewayError{
		Kind:      KindValidation,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 3. Classification helpers
// ==========================

// AsGatewayError unwraps err into a *GatewayError when possible.
func AsGatewayError(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if stderrors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

func hasKind(err error, kind ErrorKind) bool {
	gwErr, ok := AsGatewayError(err)
	return ok && gwErr.Kind == kind
}

func IsTimeout(err error) bool           { return hasKind(err, KindTimeout) }
func IsConnectionFailure(err error) bool { return hasKind(err, KindConnectionFailure) }
func IsUpstream(err error) bool          { return hasKind(err, KindUpstream) }
func IsValidation(err error) bool        { return hasKind(err, KindValidation) }

// Message returns the short text shown next to a failed entity.
func Message(err error) string {
	if err == nil {
		return ""
	}
	gwErr, ok := AsGatewayError(err)
	if !ok {
		return err.Error()
	}
	switch gwErr.Kind {
	case KindTimeout:
		return fmt.Sprintf("timeout after %s: processing may still be running", gwErr.Timeout)
	case KindConnectionFailure:
		return "connection failure"
	case KindUpstream:
		return fmt.Sprintf("upstream error (%d): %s", gwErr.Status, gwErr.upstreamDetail())
	default:
		return "validation error: " + gwErr.Details
	}
}

// ==========================
// 4. Response Envelope
// ==========================

// Envelope is the normalized body the gateway writes on failure.
type Envelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Service   string `json:"service"`
	Route     string `json:"route,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Label returns the envelope "error" value for a kind.
func Label(kind ErrorKind) string {
	switch kind {
	case KindTimeout:
		return "Gateway Timeout"
	case KindUpstream:
		return "API Error"
	case KindValidation:
		return "Validation Error"
	default:
		return "Proxy Error"
	}
}

// ToEnvelope converts a GatewayError into its wire representation. route is
// the inbound prefix that received the request.
func (e *GatewayError) ToEnvelope(route string) Envelope {
	var message string
	switch e.Kind {
	case KindTimeout:
		message = fmt.Sprintf("request to %s timed out (%s)", e.target(), e.Timeout)
	case KindConnectionFailure:
		if e.Cause != nil {
			message = e.Cause.Error()
		} else {
			message = "connection failure"
		}
	case KindUpstream:
		message = e.upstreamDetail()
	default:
		message = e.Details
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Envelope{
		Error:     Label(e.Kind),
		Message:   message,
		Service:   e.Service,
		Route:     route,
		Timestamp: ts.Format(time.RFC3339Nano),
	}
}
