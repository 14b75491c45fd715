package services

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"api-manager/internal/batch"
	"api-manager/internal/common/config"
	"api-manager/internal/common/errors"
	"api-manager/internal/common/logger"
	"api-manager/internal/models"
)

// ==========================
// Mocks
// ==========================

type MockDeviceSource struct{ mock.Mock }

func (m *MockDeviceSource) DeviceIDsForDate(ctx context.Context, date string) ([]string, error) {
	args := m.Called(ctx, date)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

type MockFileSource struct{ mock.Mock }

func (m *MockFileSource) PendingFiles(ctx context.Context, statusColumn string, limit int) ([]models.AudioFile, error) {
	args := m.Called(ctx, statusColumn, limit)
	files, _ := args.Get(0).([]models.AudioFile)
	return files, args.Error(1)
}

type MockHistory struct{ mock.Mock }

func (m *MockHistory) Save(ctx context.Context, report models.Report) error {
	return m.Called(ctx, report).Error(0)
}

type MockArchive struct{ mock.Mock }

func (m *MockArchive) Archive(ctx context.Context, summary models.Summary) error {
	return m.Called(ctx, summary).Error(0)
}

type MockNotifier struct{ mock.Mock }

func (m *MockNotifier) Notify(ctx context.Context, report models.Report) error {
	return m.Called(ctx, report).Error(0)
}

// ==========================
// Helpers
// ==========================

func newTestRunner(t *testing.T, baseURL string, deps RunnerDeps) *Runner {
	t.Helper()
	log := logger.NewTestLogger(t)
	deps.Catalog = newTestCatalog(t, baseURL)
	deps.Orchestrator = batch.NewOrchestrator(log, nil)
	deps.Logger = log
	return NewRunner(deps)
}

// scorerBackend fails every device listed in failing with a 500.
func scorerBackend(t *testing.T, failing ...string) *httptest.Server {
	bad := map[string]bool{}
	for _, id := range failing {
		bad[id] = true
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if bad[body["device_id"]] {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"detail":"scoring failed"}`))
			return
		}
		w.Write([]byte(`{"status":"success"}`))
	}))
}

// ==========================
// RunDevices
// ==========================

func TestRunner_RunDevices_ExplicitIDs(t *testing.T) {
	backend := scorerBackend(t, "dev-2")
	defer backend.Close()

	history := new(MockHistory)
	history.On("Save", mock.Anything, mock.MatchedBy(func(r models.Report) bool {
		return r.Total == 3 && r.Failure == 1
	})).Return(nil)
	archive := new(MockArchive)
	archive.On("Archive", mock.Anything, mock.Anything).Return(nil)
	notifier := new(MockNotifier)
	notifier.On("Notify", mock.Anything, mock.Anything).Return(stderrors.New("sns down"))

	r := newTestRunner(t, backend.URL, RunnerDeps{History: history, Archive: archive, Notifier: notifier})

	var progress []models.Progress
	report, err := r.RunDevices(context.Background(), DeviceRequest{
		Operation: "vibe-scorer",
		Date:      "2025-07-01",
		DeviceIDs: []string{"dev-1", "dev-2", "dev-3"},
	}, func(p models.Progress) { progress = append(progress, p) }, nil)

	require.NoError(t, err)
	assert.Equal(t, "2/3 devices processed", report.Message)
	assert.Equal(t, []models.ReportError{{EntityID: "dev-2", Error: "upstream error (500): scoring failed"}}, report.Errors)
	assert.Len(t, progress, 6)

	history.AssertExpectations(t)
	archive.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestRunner_RunDevices_Discovery(t *testing.T) {
	backend := scorerBackend(t)
	defer backend.Close()

	devices := new(MockDeviceSource)
	devices.On("DeviceIDsForDate", mock.Anything, "2025-07-01").Return([]string{"dev-a", "dev-b"}, nil)

	r := newTestRunner(t, backend.URL, RunnerDeps{Devices: devices})
	report, err := r.RunDevices(context.Background(), DeviceRequest{Operation: "vibe-scorer", Date: "2025-07-01"}, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, "2/2 devices processed", report.Message)
	assert.Equal(t, "dev-a", report.Rows[0].EntityID)
}

func TestRunner_RunDevices_DiscoveryFallback(t *testing.T) {
	backend := scorerBackend(t)
	defer backend.Close()

	devices := new(MockDeviceSource)
	devices.On("DeviceIDsForDate", mock.Anything, "2025-07-01").Return(nil, stderrors.New("db down"))

	r := newTestRunner(t, backend.URL, RunnerDeps{
		Devices: devices,
		Batch:   config.BatchConfig{FallbackDeviceIDs: []string{"fallback-1"}},
	})
	report, err := r.RunDevices(context.Background(), DeviceRequest{Operation: "vibe-scorer", Date: "2025-07-01"}, nil, nil)

	require.NoError(t, err)
	require.Len(t, report.Rows, 1)
	assert.Equal(t, "fallback-1", report.Rows[0].EntityID)
}

func TestRunner_RunDevices_NoDevices(t *testing.T) {
	devices := new(MockDeviceSource)
	devices.On("DeviceIDsForDate", mock.Anything, "2025-07-01").Return([]string{}, nil)
	history := new(MockHistory)

	r := newTestRunner(t, "http://127.0.0.1:1", RunnerDeps{Devices: devices, History: history})
	report, err := r.RunDevices(context.Background(), DeviceRequest{Operation: "vibe-scorer", Date: "2025-07-01"}, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, "no devices with data for 2025-07-01", report.Message)
	history.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestRunner_RunDevices_EmptyDiscoveryIgnoresFallback(t *testing.T) {
	devices := new(MockDeviceSource)
	devices.On("DeviceIDsForDate", mock.Anything, "2025-07-01").Return([]string{}, nil)

	r := newTestRunner(t, "http://127.0.0.1:1", RunnerDeps{
		Devices: devices,
		Batch:   config.BatchConfig{FallbackDeviceIDs: []string{"fallback-1"}},
	})
	report, err := r.RunDevices(context.Background(), DeviceRequest{Operation: "vibe-scorer", Date: "2025-07-01"}, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, "no devices with data for 2025-07-01", report.Message)
	assert.Empty(t, report.Rows)
	devices.AssertExpectations(t)
}

func TestRunner_RunDevices_Validation(t *testing.T) {
	r := newTestRunner(t, "http://127.0.0.1:1", RunnerDeps{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  DeviceRequest
	}{
		{name: "missing date", req: DeviceRequest{Operation: "vibe-scorer"}},
		{name: "bad date", req: DeviceRequest{Operation: "vibe-scorer", Date: "01-07-2025"}},
		{name: "unknown operation", req: DeviceRequest{Operation: "nope", Date: "2025-07-01"}},
		{name: "file operation", req: DeviceRequest{Operation: "vibe-transcriber", Date: "2025-07-01"}},
		{name: "empty device id", req: DeviceRequest{Operation: "vibe-scorer", Date: "2025-07-01", DeviceIDs: []string{""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.RunDevices(ctx, tt.req, nil, nil)
			assert.True(t, errors.IsValidation(err), "got %v", err)
		})
	}
}

func TestRunner_RunDevices_CancelledStillRecordsHistory(t *testing.T) {
	backend := scorerBackend(t)
	defer backend.Close()

	history := new(MockHistory)
	history.On("Save", mock.Anything, mock.MatchedBy(func(r models.Report) bool { return r.Cancelled })).Return(nil)

	r := newTestRunner(t, backend.URL, RunnerDeps{History: history})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	report, err := r.RunDevices(ctx, DeviceRequest{
		Operation: "vibe-scorer",
		Date:      "2025-07-01",
		DeviceIDs: []string{"dev-1", "dev-2", "dev-3"},
	}, func(p models.Progress) {
		if !p.Processing && p.Index == 1 {
			cancel()
		}
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, report.Cancelled)
	assert.Len(t, report.Rows, 1)
	history.AssertExpectations(t)
}

func TestRunner_RunDevices_CancelStopsTaskWatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /behavior-aggregator/analysis/sed", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"task_id":"t-stuck","status":"started"}`))
	})
	mux.HandleFunc("GET /behavior-aggregator/analysis/sed/t-stuck", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"task_id":"t-stuck","status":"started"}`))
	})
	backend := httptest.NewServer(mux)
	defer backend.Close()

	r := newTestRunner(t, backend.URL, RunnerDeps{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)

	type result struct {
		report models.Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := r.RunDevices(ctx, DeviceRequest{
			Operation: "behavior-aggregator",
			Date:      "2025-07-01",
			DeviceIDs: []string{"dev-1", "dev-2"},
		}, nil, nil)
		done <- result{report, err}
	}()

	select {
	case res := <-done:
		assert.ErrorIs(t, res.err, context.Canceled)
		assert.True(t, res.report.Cancelled)
		require.Len(t, res.report.Rows, 1)
		assert.Equal(t, "dev-1", res.report.Rows[0].EntityID)
		assert.Contains(t, res.report.Errors[0].Error, "t-stuck")
	case <-time.After(2 * time.Second):
		t.Fatal("run kept watching the task after cancellation")
	}
}

// ==========================
// RunTimeblocks / RunPendingFiles
// ==========================

func TestRunner_RunTimeblocks(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("time_block") == "00-30" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"detail":"no data"}`))
			return
		}
		w.Write([]byte(`{"prompt":"ok"}`))
	}))
	defer backend.Close()

	r := newTestRunner(t, backend.URL, RunnerDeps{})
	report, err := r.RunTimeblocks(context.Background(), "dashboard-timeblock", "dev-1", "2025-07-01",
		[]string{"00-00", "00-30", "01-00"}, nil)

	require.NoError(t, err)
	assert.Equal(t, "2/3 time blocks processed", report.Message)
	assert.Equal(t, "00-30", report.Errors[0].EntityID)

	_, err = r.RunTimeblocks(context.Background(), "dashboard-timeblock", "dev-1", "2025-07-01", []string{"25-00"}, nil)
	assert.True(t, errors.IsValidation(err))
}

func TestRunner_RunPendingFiles(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/behavior-features/fetch-and-process-paths", r.URL.Path)
		w.Write([]byte(`{"processed":2}`))
	}))
	defer backend.Close()

	files := new(MockFileSource)
	files.On("PendingFiles", mock.Anything, "behavior_features_status", 50).Return([]models.AudioFile{
		{FilePath: "files/dev-1/2025-07-01/14-00/audio.wav", DeviceID: "dev-1", CreatedAt: time.Now()},
		{FilePath: "files/dev-1/2025-07-01/14-30/audio.wav", DeviceID: "dev-1", CreatedAt: time.Now()},
	}, nil)

	r := newTestRunner(t, backend.URL, RunnerDeps{Files: files})
	result, err := r.RunPendingFiles(context.Background(), "behavior-features")

	require.NoError(t, err)
	assert.Equal(t, 2, result.Submitted)
	assert.Equal(t, "2 files submitted", result.Message)
	assert.JSONEq(t, `{"processed":2}`, string(result.Response))
	files.AssertExpectations(t)
}

func TestRunner_RunPendingFiles_NothingPending(t *testing.T) {
	files := new(MockFileSource)
	files.On("PendingFiles", mock.Anything, "transcriptions_status", 10).Return([]models.AudioFile{}, nil)

	r := newTestRunner(t, "http://127.0.0.1:1", RunnerDeps{Files: files, Batch: config.BatchConfig{PendingFileLimit: 10}})
	result, err := r.RunPendingFiles(context.Background(), "vibe-transcriber")

	require.NoError(t, err)
	assert.Zero(t, result.Submitted)
	assert.Equal(t, "no pending files", result.Message)
}

func TestAllTimeblocks(t *testing.T) {
	blocks := AllTimeblocks()
	require.Len(t, blocks, 48)
	assert.Equal(t, "00-00", blocks[0])
	assert.Equal(t, "00-30", blocks[1])
	assert.Equal(t, "23-30", blocks[47])
}
