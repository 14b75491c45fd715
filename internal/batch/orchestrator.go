// internal/batch/orchestrator.go
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"api-manager/internal/common/errors"
	"api-manager/internal/common/logger"
	"api-manager/internal/common/metrics"
	"api-manager/internal/common/observability"
	"api-manager/internal/models"
)

// Operation processes one entity and returns its raw result payload.
type Operation func(ctx context.Context, entityID string) (json.RawMessage, error)

type stopKey struct{}

// StopContext returns the context that is cancelled when the caller of
// RunForEach gives up on the run. Inside an Operation the ctx argument ignores
// cancellation so a started request can complete; long waits such as task
// watches should listen to StopContext(ctx) instead. Outside a run it returns
// ctx.
func StopContext(ctx context.Context) context.Context {
	if stop, ok := ctx.Value(stopKey{}).(context.Context); ok {
		return stop
	}
	return ctx
}

// ProgressFunc is called before each entity with Processing=true and after it
// with Index advanced and Processing=false.
type ProgressFunc func(models.Progress)

// Orchestrator runs one operation across many entities, strictly one at a
// time and in input order.
type Orchestrator struct {
	logger logger.Logger
	obs    *observability.Observability
	now    func() time.Time
}

func NewOrchestrator(log logger.Logger, obs *observability.Observability) *Orchestrator {
	if obs == nil {
		obs = &observability.Observability{}
	}
	return &Orchestrator{
		logger: log.WithFields(map[string]interface{}{"component": "batch"}),
		obs:    obs,
		now:    time.Now,
	}
}

// RunForEach invokes op once per entity. A failing entity is recorded as a
// failed outcome and the run moves on to the next one.
//
// Cancelling ctx stops the run before the next entity starts. The entity in
// flight at that moment finishes on a context that ignores the cancellation,
// except for waits bound to StopContext. The partial summary is returned with Cancelled set, together with ctx.Err().
func (o *Orchestrator) RunForEach(ctx context.Context, operation string, entityIDs []string, op Operation, onProgress ProgressFunc) (models.Summary, error) {
	if len(entityIDs) == 0 {
		return models.Summary{}, errors.NewValidationError("entity list is empty")
	}
	for i, id := range entityIDs {
		if id == "" {
			return models.Summary{}, errors.NewValidationError(fmt.Sprintf("entity at index %d has an empty id", i))
		}
	}
	if op == nil {
		return models.Summary{}, errors.NewValidationError("operation is required")
	}

	ids := append([]string(nil), entityIDs...)
	summary := models.Summary{
		RunID:     uuid.NewString(),
		Operation: operation,
		Total:     len(ids),
		Outcomes:  make([]models.Outcome, 0, len(ids)),
		StartedAt: o.now().UTC(),
	}
	log := o.logger.WithFields(map[string]interface{}{
		"runId":     summary.RunID,
		"operation": operation,
	})
	log.Info("batch run started", map[string]interface{}{"total": len(ids)})

	metrics.BatchRunsActive.WithLabelValues(operation).Inc()
	defer metrics.BatchRunsActive.WithLabelValues(operation).Dec()

	var runErr error
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			summary.Cancelled = true
			runErr = err
			log.Warn("batch run cancelled", map[string]interface{}{
				"processed": i,
				"remaining": len(ids) - i,
			})
			break
		}

		if onProgress != nil {
			onProgress(models.Progress{EntityIDs: ids, Index: i, Processing: true})
		}

		entityCtx := context.WithValue(context.WithoutCancel(ctx), stopKey{}, ctx)
		outcome := o.runOne(entityCtx, log, operation, id, op)
		summary.Outcomes = append(summary.Outcomes, outcome)
		if outcome.Success {
			summary.SuccessCount++
		} else {
			summary.FailureCount++
		}

		if onProgress != nil {
			onProgress(models.Progress{EntityIDs: ids, Index: i + 1, Processing: false})
		}
	}

	summary.FinishedAt = o.now().UTC()
	elapsed := summary.FinishedAt.Sub(summary.StartedAt)
	o.obs.RecordBatch(ctx, operation, summary.FailureCount, elapsed)

	log.Info("batch run finished", map[string]interface{}{
		"total":     summary.Total,
		"success":   summary.SuccessCount,
		"failure":   summary.FailureCount,
		"cancelled": summary.Cancelled,
		"elapsedMs": elapsed.Milliseconds(),
	})

	return summary, runErr
}

func (o *Orchestrator) runOne(ctx context.Context, log logger.Logger, operation, id string, op Operation) models.Outcome {
	ctx, span := o.obs.StartSpan(ctx, "batch.entity")
	defer span.End()

	result, err := op(ctx, id)
	if err != nil {
		span.RecordError(err)
		metrics.BatchEntities.WithLabelValues(operation, "failure").Inc()
		log.Warn("entity failed", map[string]interface{}{
			"entityId": id,
			"error":    errors.Message(err),
		})
		return models.Outcome{EntityID: id, Success: false, Error: errors.Message(err)}
	}

	metrics.BatchEntities.WithLabelValues(operation, "success").Inc()
	return models.Outcome{EntityID: id, Success: true, Result: result}
}
