// internal/poller/poller.go
package poller

import (
	"context"
	"time"

	"api-manager/internal/common/errors"
	"api-manager/internal/common/logger"
	"api-manager/internal/common/metrics"
	"api-manager/internal/models"
)

const (
	DefaultInterval    = 3 * time.Second
	DefaultPollTimeout = 30 * time.Second
)

// StatusFetcher retrieves the current status of taskID.
type StatusFetcher func(ctx context.Context, taskID string) (models.TaskHandle, error)

// UpdateFunc observes every status received, in order.
type UpdateFunc func(models.TaskHandle)

// Poller watches asynchronous backend tasks at a fixed cadence. It never gives
// up on its own: only a terminal status or cancellation of the watch context
// ends a watch.
type Poller struct {
	interval    time.Duration
	pollTimeout time.Duration
	logger      logger.Logger
}

type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

// WithPollTimeout bounds a single status request.
func WithPollTimeout(d time.Duration) Option {
	return func(p *Poller) { p.pollTimeout = d }
}

func New(log logger.Logger, opts ...Option) *Poller {
	p := &Poller{
		interval:    DefaultInterval,
		pollTimeout: DefaultPollTimeout,
		logger:      log,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.pollTimeout <= 0 {
		p.pollTimeout = DefaultPollTimeout
	}
	return p
}

// Watch polls fetch every interval until a terminal status is observed and
// returns that handle. Each status is passed to onUpdate before the next poll
// is scheduled. A failed poll is logged and treated as not yet terminal.
//
// Cancelling ctx stops the watch between polls. A poll already in flight runs
// to completion on a detached context, but its result is discarded and
// onUpdate is not called again.
func (p *Poller) Watch(ctx context.Context, taskID string, fetch StatusFetcher, onUpdate UpdateFunc) (models.TaskHandle, error) {
	if taskID == "" {
		return models.TaskHandle{}, errors.NewValidationError("task id is required")
	}
	if fetch == nil {
		return models.TaskHandle{}, errors.NewValidationError("status fetcher is required")
	}

	log := p.logger.WithFields(map[string]interface{}{"taskId": taskID})
	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			timer.Reset(p.interval)
		}
		select {
		case <-ctx.Done():
			log.Info("task watch cancelled", map[string]interface{}{"attempts": attempt - 1})
			return models.TaskHandle{}, ctx.Err()
		case <-timer.C:
		}

		handle, err := p.poll(ctx, taskID, fetch)
		if ctx.Err() != nil {
			// Cancelled while the poll was in flight.
			return models.TaskHandle{}, ctx.Err()
		}
		if err != nil {
			metrics.TaskPolls.WithLabelValues("error").Inc()
			log.Warn("task status poll failed, will retry on next tick", map[string]interface{}{
				"attempt": attempt,
				"error":   errors.Message(err),
			})
			continue
		}

		metrics.TaskPolls.WithLabelValues(string(handle.Status)).Inc()
		if handle.TaskID == "" {
			handle.TaskID = taskID
		}
		if onUpdate != nil {
			onUpdate(handle)
		}

		if handle.Status.Terminal() {
			log.Info("task reached terminal status", map[string]interface{}{
				"status":   string(handle.Status),
				"attempts": attempt,
			})
			return handle, nil
		}
	}
}

// poll issues one status request that is not torn down by cancellation of
// ctx; the caller decides whether the result is still wanted.
func (p *Poller) poll(ctx context.Context, taskID string, fetch StatusFetcher) (models.TaskHandle, error) {
	pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.pollTimeout)
	defer cancel()

	return fetch(pollCtx, taskID)
}
