// internal/models/batch.go
package models

import (
	"encoding/json"
	"time"
)

// Outcome is the result of one entity in a batch run.
type Outcome struct {
	EntityID string          `json:"entityId"`
	Success  bool            `json:"success"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type Summary struct {
	RunID        string    `json:"runId"`
	Operation    string    `json:"operation"`
	Total        int       `json:"total"`
	SuccessCount int       `json:"successCount"`
	FailureCount int       `json:"failureCount"`
	Outcomes     []Outcome `json:"outcomes"`
	Cancelled    bool      `json:"cancelled,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// Progress is emitted before and after every entity.
type Progress struct {
	EntityIDs  []string `json:"entityIds"`
	Index      int      `json:"index"`
	Processing bool     `json:"processing"`
}

// Current returns the entity being processed, or "" once the index has
// moved past the end of the list.
func (p Progress) Current() string {
	if p.Index >= 0 && p.Index < len(p.EntityIDs) {
		return p.EntityIDs[p.Index]
	}
	return ""
}

// Report is the display form of a Summary.
type Report struct {
	RunID      string        `json:"runId"`
	Operation  string        `json:"operation"`
	Message    string        `json:"message"`
	Total      int           `json:"total"`
	Success    int           `json:"success"`
	Failure    int           `json:"failure"`
	Cancelled  bool          `json:"cancelled,omitempty"`
	Rows       []ReportRow   `json:"rows"`
	Errors     []ReportError `json:"errors"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
}

type ReportRow struct {
	Position int             `json:"position"`
	EntityID string          `json:"entityId"`
	Status   string          `json:"status"`
	Detail   string          `json:"detail,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

type ReportError struct {
	EntityID string `json:"entityId"`
	Error    string `json:"error"`
}
