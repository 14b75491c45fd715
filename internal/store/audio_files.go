// internal/store/audio_files.go
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"api-manager/internal/common/database"
	"api-manager/internal/common/errors"
	"api-manager/internal/models"
)

// statusColumns are the audio_files columns a pending query may filter on.
// The column name is interpolated into SQL, so it must come from this set.
var statusColumns = map[string]bool{
	"transcriptions_status":    true,
	"behavior_features_status": true,
	"emotion_features_status":  true,
}

// AudioFiles queries the audio_files table of the recording database.
type AudioFiles struct {
	db       *database.PostgresClient
	location *time.Location
}

// NewAudioFiles returns a store whose calendar dates are interpreted in loc
// (the devices' local time). A nil loc means UTC.
func NewAudioFiles(db *database.PostgresClient, loc *time.Location) *AudioFiles {
	if loc == nil {
		loc = time.UTC
	}
	return &AudioFiles{db: db, location: loc}
}

// PendingFiles returns up to limit files whose statusColumn is 'pending',
// newest first.
func (s *AudioFiles) PendingFiles(ctx context.Context, statusColumn string, limit int) ([]models.AudioFile, error) {
	if !statusColumns[statusColumn] {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown status column %q", statusColumn))
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT file_path, created_at, device_id
		FROM audio_files
		WHERE %s = 'pending'
		ORDER BY created_at DESC
		LIMIT $1`, statusColumn), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending files: %w", err)
	}
	defer rows.Close()

	files := []models.AudioFile{}
	for rows.Next() {
		f := models.AudioFile{Status: "pending"}
		var deviceID sql.NullString
		if err := rows.Scan(&f.FilePath, &f.CreatedAt, &deviceID); err != nil {
			return nil, fmt.Errorf("scan pending file: %w", err)
		}
		f.DeviceID = deviceID.String
		files = append(files, f)
	}
	return files, rows.Err()
}

// DeviceIDsForDate returns the distinct devices that uploaded audio on date
// (YYYY-MM-DD, local time).
func (s *AudioFiles) DeviceIDsForDate(ctx context.Context, date string) ([]string, error) {
	start, end, err := s.dayBounds(date)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT device_id
		FROM audio_files
		WHERE created_at >= $1 AND created_at <= $2 AND device_id IS NOT NULL
		ORDER BY device_id`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query device ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan device id: %w", err)
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

// FilesByDateRange returns the files created within [from, to], newest
// first, optionally restricted to one device. Status carries the
// transcription status.
func (s *AudioFiles) FilesByDateRange(ctx context.Context, from, to time.Time, deviceID string) ([]models.AudioFile, error) {
	if to.Before(from) {
		return nil, errors.NewValidationError("end of range is before its start")
	}

	query := `
		SELECT file_path, created_at, device_id, transcriptions_status
		FROM audio_files
		WHERE created_at >= $1 AND created_at <= $2`
	args := []interface{}{from.UTC(), to.UTC()}
	if deviceID != "" {
		query += ` AND device_id = $3`
		args = append(args, deviceID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query files by date range: %w", err)
	}
	defer rows.Close()

	files := []models.AudioFile{}
	for rows.Next() {
		var f models.AudioFile
		var device, status sql.NullString
		if err := rows.Scan(&f.FilePath, &f.CreatedAt, &device, &status); err != nil {
			return nil, fmt.Errorf("scan audio file: %w", err)
		}
		f.DeviceID = device.String
		f.Status = status.String
		files = append(files, f)
	}
	return files, rows.Err()
}

// dayBounds converts a local calendar date into its UTC start and end.
func (s *AudioFiles) dayBounds(date string) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", date, s.location)
	if err != nil {
		return time.Time{}, time.Time{}, errors.NewValidationError(fmt.Sprintf("invalid date %q, expected YYYY-MM-DD", date))
	}
	end := day.AddDate(0, 0, 1).Add(-time.Second)
	return day.UTC(), end.UTC(), nil
}
