// internal/models/task.go
package models

import "encoding/json"

type TaskState string

const (
	TaskStarted   TaskState = "started"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// Terminal reports whether no further transition can occur.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskHandle is the status document of a long-running backend task.
type TaskHandle struct {
	TaskID   string          `json:"task_id"`
	Status   TaskState       `json:"status"`
	Progress *float64        `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// IsAsync reports whether h names a task that still has to be watched.
func (h TaskHandle) IsAsync() bool {
	return h.TaskID != "" && h.Status != "" && !h.Status.Terminal()
}
