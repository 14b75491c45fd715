// internal/common/errors/handler.go
package errors

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorHandler maps gateway failures onto HTTP responses with a
// standardized envelope.
type ErrorHandler struct {
	logger Logger
}

type Logger interface {
	Error(msg string, fields map[string]interface{})
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// StatusFor returns the HTTP status the gateway answers with for err.
func StatusFor(err *GatewayError) int {
	switch err.Kind {
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstream:
		if err.Status >= 100 && err.Status <= 999 {
			return err.Status
		}
		return http.StatusBadGateway
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// HandleRequestError writes the envelope for err on w.
func (h *ErrorHandler) HandleRequestError(w http.ResponseWriter, r *http.Request, route string, err error) {
	gwErr := h.normalizeError(err)
	status := StatusFor(gwErr)

	h.logError(r, route, status, gwErr)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(gwErr.ToEnvelope(route))
}

// normalizeError ensures we always have a GatewayError
func (h *ErrorHandler) normalizeError(err error) *GatewayError {
	if gwErr, ok := AsGatewayError(err); ok {
		return gwErr
	}
	return &GatewayError{
		Kind:      KindConnectionFailure,
		Cause:     err,
		Timestamp: time.Now().UTC(),
	}
}

func (h *ErrorHandler) logError(r *http.Request, route string, status int, gwErr *GatewayError) {
	if h.logger == nil {
		return
	}
	h.logger.Error("proxy request failed", map[string]interface{}{
		"method":    r.Method,
		"path":      r.URL.Path,
		"route":     route,
		"service":   gwErr.Service,
		"errorKind": string(gwErr.Kind),
		"status":    status,
		"error":     gwErr.Error(),
	})
}
