// internal/models/scheduler.go
package models

// SchedulerStatus is the per-API document served by the scheduler service.
type SchedulerStatus struct {
	Enabled      bool   `json:"enabled"`
	Interval     int    `json:"interval"`
	LastRun      string `json:"lastRun,omitempty"`
	NextRun      string `json:"nextRun,omitempty"`
	IsRunning    bool   `json:"isRunning"`
	SuccessCount int    `json:"successCount"`
	ErrorCount   int    `json:"errorCount"`
	Timeout      int    `json:"timeout,omitempty"`
	MaxFiles     int    `json:"max_files,omitempty"`
	DeviceID     string `json:"deviceId,omitempty"`
	ProcessDate  string `json:"processDate,omitempty"`
}
