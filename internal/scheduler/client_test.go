package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"api-manager/internal/common/config"
	"api-manager/internal/common/errors"
	"api-manager/internal/common/logger"
	"api-manager/internal/models"
)

// fakeScheduler keeps one schedule per api name in memory.
type fakeScheduler struct {
	mu        sync.Mutex
	schedules map[string]models.SchedulerStatus
	bare      bool
}

func (f *fakeScheduler) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status/{api}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		s, ok := f.schedules[r.PathValue("api")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"detail":"unknown api"}`))
			return
		}
		json.NewEncoder(w).Encode(s)
	})
	mux.HandleFunc("POST /toggle/{api}", func(w http.ResponseWriter, r *http.Request) {
		var s models.SchedulerStatus
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.schedules[r.PathValue("api")] = s
		f.mu.Unlock()
		if f.bare {
			w.Write([]byte(`{"success":true}`))
			return
		}
		json.NewEncoder(w).Encode(s)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeScheduler) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewClient(config.SchedulerConfig{BaseURL: srv.URL, Timeout: 2000}, logger.NewTestLogger(t))
}

func TestClient_GetStatus(t *testing.T) {
	f := &fakeScheduler{schedules: map[string]models.SchedulerStatus{
		"vibe-scorer": {Enabled: true, Interval: 3, LastRun: "2025-07-01T10:00:00Z", SuccessCount: 4, DeviceID: "dev-1"},
	}}
	c := newTestClient(t, f)

	status, err := c.GetStatus(context.Background(), "vibe-scorer")
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	assert.Equal(t, 3, status.Interval)
	assert.Equal(t, "dev-1", status.DeviceID)

	_, err = c.GetStatus(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsUpstream(err))

	_, err = c.GetStatus(context.Background(), "")
	assert.True(t, errors.IsValidation(err))
}

func TestClient_Toggle(t *testing.T) {
	f := &fakeScheduler{schedules: map[string]models.SchedulerStatus{
		"vibe-transcriber": {Enabled: false, Interval: 1, Timeout: 600, MaxFiles: 10},
	}}
	c := newTestClient(t, f)

	updated, err := c.Toggle(context.Background(), "vibe-transcriber")
	require.NoError(t, err)
	assert.True(t, updated.Enabled)
	assert.Equal(t, 10, updated.MaxFiles)
	assert.Equal(t, 600, updated.Timeout)

	f.mu.Lock()
	assert.True(t, f.schedules["vibe-transcriber"].Enabled)
	f.mu.Unlock()

	updated, err = c.Toggle(context.Background(), "vibe-transcriber")
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
}

func TestClient_UpdateWithBareAcknowledgement(t *testing.T) {
	f := &fakeScheduler{schedules: map[string]models.SchedulerStatus{}, bare: true}
	c := newTestClient(t, f)

	want := models.SchedulerStatus{Enabled: true, Interval: 6, ProcessDate: "2025-07-01"}
	got, err := c.Update(context.Background(), "behavior-aggregator", want)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = c.Update(context.Background(), "behavior-aggregator", models.SchedulerStatus{Interval: -1})
	assert.True(t, errors.IsValidation(err))
}

func TestClient_ToggleUnknownAPI(t *testing.T) {
	c := newTestClient(t, &fakeScheduler{schedules: map[string]models.SchedulerStatus{}})

	_, err := c.Toggle(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read schedule of nope")
}
