// internal/services/runner.go
package services

import (
	"context"
	"encoding/json"
	"fmt"

	"api-manager/internal/batch"
	"api-manager/internal/common/config"
	"api-manager/internal/common/errors"
	"api-manager/internal/common/logger"
	"api-manager/internal/common/validation"
	"api-manager/internal/models"
	"api-manager/internal/poller"
)

// DeviceSource lists the devices that recorded audio on a date.
type DeviceSource interface {
	DeviceIDsForDate(ctx context.Context, date string) ([]string, error)
}

// PendingFileSource lists files whose status column is still pending.
type PendingFileSource interface {
	PendingFiles(ctx context.Context, statusColumn string, limit int) ([]models.AudioFile, error)
}

type HistoryRecorder interface {
	Save(ctx context.Context, report models.Report) error
}

type OutcomeArchiver interface {
	Archive(ctx context.Context, summary models.Summary) error
}

type Notifier interface {
	Notify(ctx context.Context, report models.Report) error
}

// RunnerDeps are the collaborators of a Runner. Everything except Catalog
// and Orchestrator is optional.
type RunnerDeps struct {
	Catalog      *Catalog
	Orchestrator *batch.Orchestrator
	Devices      DeviceSource
	Files        PendingFileSource
	History      HistoryRecorder
	Archive      OutcomeArchiver
	Notifier     Notifier
	Batch        config.BatchConfig
	Logger       logger.Logger
}

// Runner drives whole-run flows: discovery, the batch itself, aggregation
// and the post-run bookkeeping.
type Runner struct {
	deps   RunnerDeps
	logger logger.Logger
}

func NewRunner(deps RunnerDeps) *Runner {
	if deps.Batch.PendingFileLimit <= 0 {
		deps.Batch.PendingFileLimit = 50
	}
	return &Runner{
		deps:   deps,
		logger: deps.Logger.WithFields(map[string]interface{}{"component": "runner"}),
	}
}

func (r *Runner) Catalog() *Catalog { return r.deps.Catalog }

// DeviceRequest selects an operation and the devices to run it on. When
// DeviceIDs is empty the devices are discovered for Date.
type DeviceRequest struct {
	Operation string   `json:"operation"`
	Date      string   `json:"date"`
	DeviceIDs []string `json:"device_ids,omitempty"`
}

// RunDevices runs a device operation over every requested device.
func (r *Runner) RunDevices(ctx context.Context, req DeviceRequest, onProgress batch.ProgressFunc, onTask poller.UpdateFunc) (models.Report, error) {
	if req.Date == "" {
		return models.Report{}, errors.NewValidationError("date is required")
	}
	if err := validateRequest(req.Operation, req.Date, "", req.DeviceIDs); err != nil {
		return models.Report{}, err
	}
	svc, err := r.deps.Catalog.Get(req.Operation)
	if err != nil {
		return models.Report{}, err
	}
	if svc.Kind() != config.KindDevice {
		return models.Report{}, errors.NewValidationError(fmt.Sprintf("%s is a %s operation, not a device operation", req.Operation, svc.Kind()))
	}

	ids := req.DeviceIDs
	if len(ids) == 0 {
		ids = r.DiscoverDevices(ctx, req.Date)
	}
	if len(ids) == 0 {
		return batch.NoEntities(req.Operation, req.Date), nil
	}

	summary, runErr := r.deps.Orchestrator.RunForEach(ctx, req.Operation, ids, svc.DeviceOperation(req.Date, onTask), onProgress)
	if summary.RunID == "" {
		return models.Report{}, runErr
	}

	report := batch.Aggregate(summary)
	r.finish(ctx, summary, report)
	return report, runErr
}

// RunTimeblocks runs a time block operation for one device, one block at a
// time.
func (r *Runner) RunTimeblocks(ctx context.Context, operation, deviceID, date string, blocks []string, onProgress batch.ProgressFunc) (models.Report, error) {
	if deviceID == "" || date == "" {
		return models.Report{}, errors.NewValidationError("device id and date are required")
	}
	if len(blocks) == 0 {
		blocks = AllTimeblocks()
	}
	for _, b := range blocks {
		if err := validateRequest(operation, date, b, nil); err != nil {
			return models.Report{}, err
		}
	}
	svc, err := r.deps.Catalog.Get(operation)
	if err != nil {
		return models.Report{}, err
	}
	if svc.Kind() != config.KindTimeblock {
		return models.Report{}, errors.NewValidationError(fmt.Sprintf("%s is not a time block operation", operation))
	}

	summary, runErr := r.deps.Orchestrator.RunForEach(ctx, operation, blocks, svc.TimeblockOperation(deviceID, date), onProgress)
	if summary.RunID == "" {
		return models.Report{}, runErr
	}

	report := batch.AggregateAs(summary, "time blocks")
	r.finish(ctx, summary, report)
	return report, runErr
}

// FilesResult is the outcome of a pending-files submission.
type FilesResult struct {
	Operation string          `json:"operation"`
	Submitted int             `json:"submitted"`
	Files     []string        `json:"files"`
	Message   string          `json:"message"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// RunPendingFiles submits up to the configured limit of pending files to a
// file based operation in one request.
func (r *Runner) RunPendingFiles(ctx context.Context, operation string) (FilesResult, error) {
	svc, err := r.deps.Catalog.Get(operation)
	if err != nil {
		return FilesResult{}, err
	}
	if svc.Kind() != config.KindFiles {
		return FilesResult{}, errors.NewValidationError(fmt.Sprintf("%s is not a file operation", operation))
	}
	if r.deps.Files == nil {
		return FilesResult{}, errors.NewValidationError("audio file store is not configured")
	}

	files, err := r.deps.Files.PendingFiles(ctx, svc.StatusColumn(), r.deps.Batch.PendingFileLimit)
	if err != nil {
		return FilesResult{}, fmt.Errorf("fetch pending files: %w", err)
	}

	result := FilesResult{Operation: operation, Files: make([]string, 0, len(files))}
	for _, f := range files {
		result.Files = append(result.Files, f.FilePath)
	}
	if len(result.Files) == 0 {
		result.Message = "no pending files"
		return result, nil
	}

	resp, err := svc.SubmitFiles(ctx, result.Files)
	if err != nil {
		return result, err
	}
	result.Submitted = len(result.Files)
	result.Response = resp
	result.Message = fmt.Sprintf("%d files submitted", result.Submitted)

	r.logger.Info("pending files submitted", map[string]interface{}{
		"operation": operation,
		"count":     result.Submitted,
	})
	return result, nil
}

// DiscoverDevices asks the device source for the devices of date and falls
// back to the configured ids only when discovery fails. A successful empty
// answer means no device has data for date.
func (r *Runner) DiscoverDevices(ctx context.Context, date string) []string {
	fallback := append([]string(nil), r.deps.Batch.FallbackDeviceIDs...)
	if r.deps.Devices == nil {
		return fallback
	}

	ids, err := r.deps.Devices.DeviceIDsForDate(ctx, date)
	if err != nil {
		r.logger.Warn("device discovery failed, using fallback ids", map[string]interface{}{
			"date":     date,
			"error":    err.Error(),
			"fallback": fallback,
		})
		return fallback
	}
	return ids
}

// finish records history, archives outcomes and notifies. Failures here are
// logged and never change the report.
func (r *Runner) finish(ctx context.Context, summary models.Summary, report models.Report) {
	ctx = context.WithoutCancel(ctx)
	log := r.logger.WithFields(map[string]interface{}{"runId": summary.RunID, "operation": summary.Operation})

	if r.deps.History != nil {
		if err := r.deps.History.Save(ctx, report); err != nil {
			log.Warn("failed to save run history", map[string]interface{}{"error": err.Error()})
		}
	}
	if r.deps.Archive != nil {
		if err := r.deps.Archive.Archive(ctx, summary); err != nil {
			log.Warn("failed to archive outcomes", map[string]interface{}{"error": err.Error()})
		}
	}
	if r.deps.Notifier != nil {
		if err := r.deps.Notifier.Notify(ctx, report); err != nil {
			log.Warn("failed to send notification", map[string]interface{}{"error": err.Error()})
		}
	}
}

func validateRequest(operation, date, timeblock string, deviceIDs []string) error {
	doc := map[string]interface{}{"operation": operation}
	if date != "" {
		doc["date"] = date
	}
	if timeblock != "" {
		doc["timeblock"] = timeblock
	}
	if len(deviceIDs) > 0 {
		ids := make([]interface{}, len(deviceIDs))
		for i, id := range deviceIDs {
			ids[i] = id
		}
		doc["device_ids"] = ids
	}
	return validation.Validate(validation.BatchRequestSchema, doc)
}

// AllTimeblocks returns the 48 half-hour blocks of a day, "00-00" to "23-30".
func AllTimeblocks() []string {
	blocks := make([]string, 0, 48)
	for h := 0; h < 24; h++ {
		blocks = append(blocks, fmt.Sprintf("%02d-00", h), fmt.Sprintf("%02d-30", h))
	}
	return blocks
}
