// internal/services/service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"api-manager/internal/batch"
	"api-manager/internal/common/config"
	"api-manager/internal/common/errors"
	commonhttp "api-manager/internal/common/http"
	"api-manager/internal/common/logger"
	"api-manager/internal/common/validation"
	"api-manager/internal/models"
	"api-manager/internal/poller"
)

// Service invokes one backend operation through the transport client.
type Service struct {
	Name   string
	cfg    config.ServiceConfig
	client *commonhttp.Client
	poller *poller.Poller
	logger logger.Logger
}

// Catalog holds every configured backend operation by name.
type Catalog struct {
	services map[string]*Service
}

func NewCatalog(cfgs map[string]config.ServiceConfig, p *poller.Poller, log logger.Logger) *Catalog {
	c := &Catalog{services: make(map[string]*Service, len(cfgs))}
	for name, cfg := range cfgs {
		c.services[name] = &Service{
			Name: name,
			cfg:  cfg,
			client: commonhttp.NewClient(commonhttp.Destination{
				Name:    name,
				BaseURL: cfg.BaseURL,
				Timeout: config.GetDuration(cfg.Timeout),
				Verbose: cfg.Verbose,
				Headers: map[string]string{"User-Agent": config.DefaultUserAgent},
			}, log),
			poller: p,
			logger: log.WithFields(map[string]interface{}{"service": name}),
		}
	}
	return c
}

func (c *Catalog) Get(name string) (*Service, error) {
	s, ok := c.services[name]
	if !ok {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown operation %q (known: %s)", name, strings.Join(c.Names(), ", ")))
	}
	return s, nil
}

func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.services))
	for n := range c.services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Service) Kind() string         { return s.cfg.Kind }
func (s *Service) DisplayName() string  { return s.cfg.DisplayName }
func (s *Service) StatusColumn() string { return s.cfg.StatusColumn }
func (s *Service) SupportsTasks() bool  { return s.cfg.StatusPath != "" }
func (s *Service) method() string       { return strings.ToUpper(s.cfg.Method) }
func (s *Service) isGet() bool          { return s.method() == http.MethodGet }

// RunDevice processes one device for one date. A response carrying a task id
// and a non-terminal status is watched until the task finishes; onTask
// receives every intermediate status.
func (s *Service) RunDevice(ctx context.Context, deviceID, date string, onTask poller.UpdateFunc) (json.RawMessage, error) {
	if s.cfg.Kind != config.KindDevice {
		return nil, errors.NewValidationError(fmt.Sprintf("%s is not a device operation", s.Name))
	}

	var resp *commonhttp.Response
	var err error
	if s.isGet() {
		resp, err = s.client.Invoke(ctx, http.MethodGet, s.cfg.Path, nil,
			commonhttp.WithQuery(url.Values{"device_id": {deviceID}, "date": {date}}))
	} else {
		body, _ := json.Marshal(map[string]string{"device_id": deviceID, "date": date})
		resp, err = s.client.Invoke(ctx, s.method(), s.cfg.Path, body)
	}
	if err != nil {
		return nil, err
	}

	return s.settle(ctx, resp.Body, onTask)
}

// DeviceOperation adapts RunDevice to the batch orchestrator.
func (s *Service) DeviceOperation(date string, onTask poller.UpdateFunc) batch.Operation {
	return func(ctx context.Context, deviceID string) (json.RawMessage, error) {
		return s.RunDevice(ctx, deviceID, date, onTask)
	}
}

// SubmitFiles sends a set of pending file paths in one request.
func (s *Service) SubmitFiles(ctx context.Context, paths []string) (json.RawMessage, error) {
	if s.cfg.Kind != config.KindFiles {
		return nil, errors.NewValidationError(fmt.Sprintf("%s is not a file operation", s.Name))
	}
	if len(paths) == 0 {
		return nil, errors.NewValidationError("no file paths to submit")
	}

	payload := map[string]interface{}{"file_paths": paths}
	if s.cfg.Model != "" {
		payload["model"] = s.cfg.Model
	}
	body, _ := json.Marshal(payload)

	resp, err := s.client.Invoke(ctx, s.method(), s.cfg.Path, body)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, resp.Body, nil)
}

// TimeblockOperation generates the prompt of each time block for one device.
func (s *Service) TimeblockOperation(deviceID, date string) batch.Operation {
	return func(ctx context.Context, block string) (json.RawMessage, error) {
		if s.cfg.Kind != config.KindTimeblock {
			return nil, errors.NewValidationError(fmt.Sprintf("%s is not a time block operation", s.Name))
		}
		resp, err := s.client.Invoke(ctx, http.MethodGet, s.cfg.Path, nil,
			commonhttp.WithQuery(url.Values{
				"device_id":  {deviceID},
				"date":       {date},
				"time_block": {block},
			}))
		if err != nil {
			return nil, err
		}
		return json.RawMessage(resp.Body), nil
	}
}

// settle returns body as is, unless it is an async task handle, in which
// case the task is watched to completion.
func (s *Service) settle(ctx context.Context, body []byte, onTask poller.UpdateFunc) (json.RawMessage, error) {
	var handle models.TaskHandle
	if err := json.Unmarshal(body, &handle); err != nil || !handle.IsAsync() {
		return json.RawMessage(body), nil
	}
	if !s.SupportsTasks() || s.poller == nil {
		s.logger.Warn("backend returned a task handle but no status path is configured", map[string]interface{}{
			"taskId": handle.TaskID,
		})
		return json.RawMessage(body), nil
	}

	if onTask != nil {
		onTask(handle)
	}
	// The watch ends when the batch is abandoned, even though the request
	// that started the task was allowed to complete.
	final, err := s.poller.Watch(batch.StopContext(ctx), handle.TaskID, s.TaskStatus, onTask)
	if err != nil {
		return nil, fmt.Errorf("watch task %s: %w", handle.TaskID, err)
	}
	if final.Status == models.TaskFailed {
		msg := final.Message
		if msg == "" {
			msg = "no message"
		}
		return nil, fmt.Errorf("task %s failed: %s", final.TaskID, msg)
	}
	if len(final.Result) > 0 {
		return final.Result, nil
	}
	return json.Marshal(final)
}

// TaskStatus fetches the status document of an async task.
func (s *Service) TaskStatus(ctx context.Context, taskID string) (models.TaskHandle, error) {
	if !s.SupportsTasks() {
		return models.TaskHandle{}, errors.NewValidationError(fmt.Sprintf("%s has no task status endpoint", s.Name))
	}

	resp, err := s.client.Invoke(ctx, http.MethodGet, s.taskPath(taskID), nil)
	if err != nil {
		return models.TaskHandle{}, err
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return models.TaskHandle{}, fmt.Errorf("decode task status: %w", err)
	}
	if err := validation.Validate(validation.TaskStatusSchema, doc); err != nil {
		return models.TaskHandle{}, err
	}

	var handle models.TaskHandle
	if err := json.Unmarshal(resp.Body, &handle); err != nil {
		return models.TaskHandle{}, fmt.Errorf("decode task status: %w", err)
	}
	if handle.TaskID == "" {
		handle.TaskID = taskID
	}
	return handle, nil
}

// ListTasks returns the backend's task list verbatim.
func (s *Service) ListTasks(ctx context.Context) (json.RawMessage, error) {
	if !s.SupportsTasks() {
		return nil, errors.NewValidationError(fmt.Sprintf("%s has no task endpoint", s.Name))
	}
	resp, err := s.client.Invoke(ctx, http.MethodGet, s.cfg.Path, nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Body), nil
}

func (s *Service) DeleteTask(ctx context.Context, taskID string) (json.RawMessage, error) {
	if !s.SupportsTasks() {
		return nil, errors.NewValidationError(fmt.Sprintf("%s has no task endpoint", s.Name))
	}
	resp, err := s.client.Invoke(ctx, http.MethodDelete, s.taskPath(taskID), nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Body), nil
}

func (s *Service) taskPath(taskID string) string {
	return strings.ReplaceAll(s.cfg.StatusPath, "{task_id}", url.PathEscape(taskID))
}
