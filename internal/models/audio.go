// internal/models/audio.go
package models

import "time"

type AudioFile struct {
	FilePath  string    `json:"file_path"`
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status,omitempty"`
}
