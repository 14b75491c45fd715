package batch

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"api-manager/internal/common/errors"
	"api-manager/internal/common/logger"
	"api-manager/internal/models"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	return NewOrchestrator(logger.NewTestLogger(t), nil)
}

func okResult(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"device_id":%q}`, id))
}

func TestRunForEach_FailureAtEachPosition(t *testing.T) {
	ids := []string{"dev-1", "dev-2", "dev-3", "dev-4"}

	for k := range ids {
		t.Run(fmt.Sprintf("fails at %d", k), func(t *testing.T) {
			o := newTestOrchestrator(t)
			op := func(ctx context.Context, id string) (json.RawMessage, error) {
				if id == ids[k] {
					return nil, errors.NewUpstreamError("vibe-scorer", 500, []byte(`{"detail":"boom"}`))
				}
				return okResult(id), nil
			}

			summary, err := o.RunForEach(context.Background(), "vibe-scorer", ids, op, nil)
			require.NoError(t, err)

			assert.Equal(t, len(ids), summary.Total)
			assert.Equal(t, len(ids)-1, summary.SuccessCount)
			assert.Equal(t, 1, summary.FailureCount)
			require.Len(t, summary.Outcomes, len(ids))
			for i, out := range summary.Outcomes {
				assert.Equal(t, ids[i], out.EntityID)
				assert.Equal(t, i != k, out.Success)
			}
			assert.Equal(t, "upstream error (500): boom", summary.Outcomes[k].Error)
		})
	}
}

func TestRunForEach_SequentialInOrder(t *testing.T) {
	o := newTestOrchestrator(t)
	ids := []string{"a", "b", "c"}

	var inFlight, maxInFlight int
	var order []string
	op := func(ctx context.Context, id string) (json.RawMessage, error) {
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		// Later entities answer faster; order must still follow the input.
		time.Sleep(time.Duration(len(ids)-len(order)) * 5 * time.Millisecond)
		order = append(order, id)
		inFlight--
		return nil, nil
	}

	summary, err := o.RunForEach(context.Background(), "op", ids, op, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, maxInFlight)
	assert.Equal(t, ids, order)
	assert.Equal(t, 3, summary.SuccessCount)
	assert.NotEmpty(t, summary.RunID)
	assert.False(t, summary.FinishedAt.Before(summary.StartedAt))
}

func TestRunForEach_ProgressSequence(t *testing.T) {
	o := newTestOrchestrator(t)
	ids := []string{"dev-1", "dev-2"}

	var events []models.Progress
	op := func(ctx context.Context, id string) (json.RawMessage, error) {
		if id == "dev-1" {
			return nil, stderrors.New("boom")
		}
		return nil, nil
	}

	_, err := o.RunForEach(context.Background(), "op", ids, op, func(p models.Progress) {
		events = append(events, p)
	})
	require.NoError(t, err)

	require.Len(t, events, 4)
	want := []struct {
		index      int
		processing bool
		current    string
	}{
		{0, true, "dev-1"},
		{1, false, "dev-2"},
		{1, true, "dev-2"},
		{2, false, ""},
	}
	for i, w := range want {
		assert.Equal(t, w.index, events[i].Index, "event %d", i)
		assert.Equal(t, w.processing, events[i].Processing, "event %d", i)
		assert.Equal(t, w.current, events[i].Current(), "event %d", i)
		assert.Equal(t, ids, events[i].EntityIDs)
	}
}

func TestRunForEach_Validation(t *testing.T) {
	o := newTestOrchestrator(t)
	op := func(ctx context.Context, id string) (json.RawMessage, error) { return nil, nil }

	_, err := o.RunForEach(context.Background(), "op", nil, op, nil)
	assert.True(t, errors.IsValidation(err))

	_, err = o.RunForEach(context.Background(), "op", []string{"a", ""}, op, nil)
	assert.True(t, errors.IsValidation(err))

	_, err = o.RunForEach(context.Background(), "op", []string{"a"}, nil, nil)
	assert.True(t, errors.IsValidation(err))
}

func TestRunForEach_CancelStopsBeforeNextEntity(t *testing.T) {
	o := newTestOrchestrator(t)
	ids := []string{"dev-1", "dev-2", "dev-3"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var called []string
	var inFlightCtxErr error
	op := func(opCtx context.Context, id string) (json.RawMessage, error) {
		called = append(called, id)
		if id == "dev-2" {
			cancel()
			time.Sleep(10 * time.Millisecond)
			inFlightCtxErr = opCtx.Err()
		}
		return nil, nil
	}

	summary, err := o.RunForEach(ctx, "op", ids, op, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, summary.Cancelled)
	assert.Equal(t, []string{"dev-1", "dev-2"}, called)
	assert.NoError(t, inFlightCtxErr)
	assert.Len(t, summary.Outcomes, 2)
	assert.Equal(t, 2, summary.SuccessCount)
	assert.Equal(t, 3, summary.Total)
}

func TestRunForEach_StopContextFollowsCaller(t *testing.T) {
	o := newTestOrchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stopErr, opErr error
	op := func(opCtx context.Context, id string) (json.RawMessage, error) {
		cancel()
		select {
		case <-StopContext(opCtx).Done():
		case <-time.After(time.Second):
		}
		stopErr = StopContext(opCtx).Err()
		opErr = opCtx.Err()
		return nil, stopErr
	}

	summary, err := o.RunForEach(ctx, "op", []string{"dev-1", "dev-2"}, op, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, stopErr, context.Canceled)
	assert.NoError(t, opErr)
	require.Len(t, summary.Outcomes, 1)
	assert.False(t, summary.Outcomes[0].Success)
}

func TestStopContext_OutsideRun(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, StopContext(ctx))
}

func TestRunForEach_DoesNotAliasInput(t *testing.T) {
	o := newTestOrchestrator(t)
	ids := []string{"a", "b"}

	var captured []string
	_, err := o.RunForEach(context.Background(), "op", ids, func(ctx context.Context, id string) (json.RawMessage, error) {
		return nil, nil
	}, func(p models.Progress) { captured = p.EntityIDs })
	require.NoError(t, err)

	ids[0] = "mutated"
	assert.Equal(t, "a", captured[0])
}
