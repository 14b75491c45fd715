// internal/gateway/status.go
package gateway

import "net/http"

type BackendState string

const (
	StateOnline  BackendState = "online"
	StateOffline BackendState = "offline"
)

// ClassifyStatus decides liveness from a root probe. Some backends reject GET
// on their main endpoint with 404 or 405 while still running.
func ClassifyStatus(connected bool, status int) BackendState {
	if !connected {
		return StateOffline
	}
	switch status {
	case http.StatusOK, http.StatusNotFound, http.StatusMethodNotAllowed:
		return StateOnline
	default:
		return StateOffline
	}
}

// StatusReport is the body of a route status check.
type StatusReport struct {
	Status     BackendState `json:"status"`
	Route      string       `json:"route"`
	Service    string       `json:"service"`
	HTTPStatus int          `json:"httpStatus,omitempty"`
	Message    string       `json:"message,omitempty"`
	ElapsedMs  int64        `json:"elapsedMs"`
	Timestamp  string       `json:"timestamp"`
}
