// internal/store/run_history.go
package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"api-manager/internal/common/database"
	"api-manager/internal/models"
)

var ErrRunNotFound = stderrors.New("run not found")

// RunHistory keeps finished batch reports in Redis. Each report is stored
// under its run id and indexed by finish time in a per-operation sorted set.
type RunHistory struct {
	redis     *database.RedisClient
	retainFor time.Duration
	now       func() time.Time
}

// NewRunHistory keeps reports for retainFor; zero keeps them forever.
func NewRunHistory(client *database.RedisClient, retainFor time.Duration) *RunHistory {
	return &RunHistory{redis: client, retainFor: retainFor, now: time.Now}
}

// Save stores report. Reports without a run id (nothing was processed) are
// not recorded.
func (h *RunHistory) Save(ctx context.Context, report models.Report) error {
	if report.RunID == "" {
		return nil
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	at := report.FinishedAt
	if at.IsZero() {
		at = h.now()
	}

	if err := h.redis.Set(ctx, h.redis.Key("run", report.RunID), data, h.retainFor); err != nil {
		return fmt.Errorf("store report %s: %w", report.RunID, err)
	}
	index := h.redis.Key("runs", report.Operation)
	if err := h.redis.AddScored(ctx, index, at, report.RunID); err != nil {
		return fmt.Errorf("index report %s: %w", report.RunID, err)
	}
	if h.retainFor > 0 {
		if err := h.redis.TrimScored(ctx, index, h.now().Add(-h.retainFor)); err != nil {
			return fmt.Errorf("trim %s: %w", index, err)
		}
	}
	return nil
}

func (h *RunHistory) Get(ctx context.Context, runID string) (models.Report, error) {
	raw, err := h.redis.Get(ctx, h.redis.Key("run", runID))
	if stderrors.Is(err, redis.Nil) {
		return models.Report{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return models.Report{}, fmt.Errorf("load report %s: %w", runID, err)
	}

	var report models.Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return models.Report{}, fmt.Errorf("decode report %s: %w", runID, err)
	}
	return report, nil
}

// Range returns the reports of operation that finished within [from, to],
// oldest first. Index entries whose report has expired are skipped.
func (h *RunHistory) Range(ctx context.Context, operation string, from, to time.Time) ([]models.Report, error) {
	ids, err := h.redis.RangeScored(ctx, h.redis.Key("runs", operation), from, to)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", operation, err)
	}

	reports := make([]models.Report, 0, len(ids))
	for _, id := range ids {
		report, err := h.Get(ctx, id)
		if stderrors.Is(err, ErrRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}
