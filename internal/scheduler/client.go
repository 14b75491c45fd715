// internal/scheduler/client.go
package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"api-manager/internal/common/config"
	"api-manager/internal/common/errors"
	commonhttp "api-manager/internal/common/http"
	"api-manager/internal/common/logger"
	"api-manager/internal/models"
)

// Client talks to the scheduler service that runs operations on a timer.
// Each operation is addressed by its API name (e.g. "vibe-scorer").
type Client struct {
	http   *commonhttp.Client
	logger logger.Logger
}

func NewClient(cfg config.SchedulerConfig, log logger.Logger) *Client {
	return &Client{
		http: commonhttp.NewClient(commonhttp.Destination{
			Name:    "scheduler",
			BaseURL: cfg.BaseURL,
			Timeout: config.GetDuration(cfg.Timeout),
			Headers: map[string]string{"User-Agent": config.DefaultUserAgent},
		}, log),
		logger: log.WithFields(map[string]interface{}{"component": "scheduler"}),
	}
}

// GetStatus returns the schedule of apiName.
func (c *Client) GetStatus(ctx context.Context, apiName string) (models.SchedulerStatus, error) {
	if apiName == "" {
		return models.SchedulerStatus{}, errors.NewValidationError("api name is required")
	}

	var status models.SchedulerStatus
	if _, err := c.http.DoJSON(ctx, http.MethodGet, "/status/"+url.PathEscape(apiName), nil, &status); err != nil {
		return models.SchedulerStatus{}, err
	}
	return status, nil
}

// Update posts a full schedule for apiName and returns what the scheduler
// stored.
func (c *Client) Update(ctx context.Context, apiName string, status models.SchedulerStatus) (models.SchedulerStatus, error) {
	if apiName == "" {
		return models.SchedulerStatus{}, errors.NewValidationError("api name is required")
	}
	if status.Interval < 0 || status.Timeout < 0 || status.MaxFiles < 0 {
		return models.SchedulerStatus{}, errors.NewValidationError("interval, timeout and max_files must not be negative")
	}

	var stored models.SchedulerStatus
	resp, err := c.http.DoJSON(ctx, http.MethodPost, "/toggle/"+url.PathEscape(apiName), status, &stored)
	if err != nil {
		return models.SchedulerStatus{}, err
	}
	// Some scheduler builds answer with {"success": true} only.
	if len(resp.Body) == 0 || (stored == models.SchedulerStatus{}) {
		stored = status
	}

	c.logger.Info("schedule updated", map[string]interface{}{
		"api":     apiName,
		"enabled": stored.Enabled,
	})
	return stored, nil
}

// Toggle flips the enabled flag of apiName, keeping the rest of its
// schedule.
func (c *Client) Toggle(ctx context.Context, apiName string) (models.SchedulerStatus, error) {
	current, err := c.GetStatus(ctx, apiName)
	if err != nil {
		return models.SchedulerStatus{}, fmt.Errorf("read schedule of %s: %w", apiName, err)
	}
	current.Enabled = !current.Enabled
	return c.Update(ctx, apiName, current)
}
