package poller

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"api-manager/internal/common/errors"
	"api-manager/internal/common/logger"
	"api-manager/internal/models"
)

func newTestPoller(t *testing.T, interval time.Duration) *Poller {
	return New(logger.NewTestLogger(t), WithInterval(interval), WithPollTimeout(time.Second))
}

// sequenceFetcher returns the given states in order, repeating the last one.
func sequenceFetcher(states ...models.TaskState) (StatusFetcher, *int32) {
	var calls int32
	return func(ctx context.Context, taskID string) (models.TaskHandle, error) {
		n := atomic.AddInt32(&calls, 1)
		idx := int(n) - 1
		if idx >= len(states) {
			idx = len(states) - 1
		}
		return models.TaskHandle{TaskID: taskID, Status: states[idx]}, nil
	}, &calls
}

func TestWatch_ForwardsEveryStatusUntilTerminal(t *testing.T) {
	p := newTestPoller(t, 10*time.Millisecond)
	fetch, calls := sequenceFetcher(models.TaskStarted, models.TaskStarted, models.TaskCompleted)

	var seen []models.TaskState
	handle, err := p.Watch(context.Background(), "task-1", fetch, func(h models.TaskHandle) {
		seen = append(seen, h.Status)
	})

	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, handle.Status)
	assert.Equal(t, "task-1", handle.TaskID)
	assert.Equal(t, []models.TaskState{models.TaskStarted, models.TaskStarted, models.TaskCompleted}, seen)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestWatch_FailedIsTerminal(t *testing.T) {
	p := newTestPoller(t, 5*time.Millisecond)
	fetch, _ := sequenceFetcher(models.TaskStarted, models.TaskFailed)

	handle, err := p.Watch(context.Background(), "task-1", fetch, nil)

	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, handle.Status)
}

func TestWatch_CancelAfterSecondPoll(t *testing.T) {
	p := newTestPoller(t, 10*time.Millisecond)
	fetch, calls := sequenceFetcher(models.TaskStarted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var updates int
	_, err := p.Watch(ctx, "task-1", fetch, func(h models.TaskHandle) {
		updates++
		if updates == 2 {
			cancel()
		}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, updates)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestWatch_PollErrorsAreNotTerminal(t *testing.T) {
	p := newTestPoller(t, 5*time.Millisecond)

	var calls int32
	fetch := func(ctx context.Context, taskID string) (models.TaskHandle, error) {
		switch atomic.AddInt32(&calls, 1) {
		case 1, 2:
			return models.TaskHandle{}, errors.NewConnectionFailureError("behavior-aggregator", stderrors.New("reset"))
		default:
			return models.TaskHandle{TaskID: taskID, Status: models.TaskCompleted}, nil
		}
	}

	var updates []models.TaskState
	handle, err := p.Watch(context.Background(), "task-1", fetch, func(h models.TaskHandle) {
		updates = append(updates, h.Status)
	})

	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, handle.Status)
	assert.Equal(t, []models.TaskState{models.TaskCompleted}, updates)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWatch_InFlightPollCompletesButIsDiscarded(t *testing.T) {
	p := newTestPoller(t, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	entered := make(chan struct{})
	release := make(chan struct{})
	var fetchCtxErr error
	var wg sync.WaitGroup
	wg.Add(1)

	fetch := func(fctx context.Context, taskID string) (models.TaskHandle, error) {
		defer wg.Done()
		close(entered)
		<-release
		fetchCtxErr = fctx.Err()
		return models.TaskHandle{TaskID: taskID, Status: models.TaskCompleted}, nil
	}

	done := make(chan error, 1)
	var updates int32
	go func() {
		_, err := p.Watch(ctx, "task-1", fetch, func(models.TaskHandle) {
			atomic.AddInt32(&updates, 1)
		})
		done <- err
	}()

	<-entered
	cancel()
	close(release)

	err := <-done
	wg.Wait()

	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, fetchCtxErr)
	assert.Equal(t, int32(0), atomic.LoadInt32(&updates))
}

func TestWatch_CancelledBeforeFirstPoll(t *testing.T) {
	p := newTestPoller(t, time.Hour)
	fetch, calls := sequenceFetcher(models.TaskCompleted)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Watch(ctx, "task-1", fetch, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

func TestWatch_FixedInterval(t *testing.T) {
	const interval = 40 * time.Millisecond
	p := newTestPoller(t, interval)
	fetch, _ := sequenceFetcher(models.TaskStarted, models.TaskStarted, models.TaskCompleted)

	start := time.Now()
	_, err := p.Watch(context.Background(), "task-1", fetch, nil)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 3*interval)
}

func TestWatch_Validation(t *testing.T) {
	p := newTestPoller(t, time.Millisecond)
	fetch, _ := sequenceFetcher(models.TaskCompleted)

	_, err := p.Watch(context.Background(), "", fetch, nil)
	assert.True(t, errors.IsValidation(err))

	_, err = p.Watch(context.Background(), "task-1", nil, nil)
	assert.True(t, errors.IsValidation(err))
}

func TestNew_Defaults(t *testing.T) {
	p := New(logger.NewNoOpLogger(), WithInterval(0))
	assert.Equal(t, DefaultInterval, p.interval)
	assert.Equal(t, DefaultPollTimeout, p.pollTimeout)
}
