package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cexll/aidir/internal/jobs"
)

func TestHandleRunTask(t *testing.T) {
	var got *Task
	exec := &mockExecutor{fn: func(ctx context.Context, task *Task) error {
		got = task
		return nil
	}}

	task, err := newRunTask(&Task{
		RunID:   "r1",
		Kind:    jobs.KindCautions,
		Options: jobs.Options{Scope: jobs.ScopeAll, Limit: 5},
		Trigger: "cron",
		Attempt: 9,
	})
	require.NoError(t, err)
	assert.Equal(t, TaskTypeRunJob, task.Type())
	assert.JSONEq(t, `{"run_id":"r1","kind":"cautions","options":{"scope":"all","limit":5},"trigger":"cron"}`, string(task.Payload()))

	require.NoError(t, HandleRunTask(exec, nil)(context.Background(), task))
	require.NotNil(t, got)
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, jobs.KindCautions, got.Kind)
	assert.Equal(t, jobs.Options{Scope: jobs.ScopeAll, Limit: 5}, got.Options)
	assert.Equal(t, "cron", got.Trigger)
	// outside a worker there is no retry metadata, so the first attempt is also the last
	assert.Equal(t, 1, got.Attempt)
	assert.True(t, got.Final())
}

func TestHandleRunTask_Errors(t *testing.T) {
	exec := &mockExecutor{fn: func(ctx context.Context, task *Task) error {
		if task.Kind == jobs.KindTags {
			return jobs.NonRetryable(errors.New("no tags defined"))
		}
		return errors.New("table down")
	}}
	h := HandleRunTask(exec, nil)

	nonRetryable, _ := newRunTask(&Task{RunID: "a", Kind: jobs.KindTags})
	err := h(context.Background(), nonRetryable)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	retryable, _ := newRunTask(&Task{RunID: "b", Kind: jobs.KindCautions})
	err = h(context.Background(), retryable)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	err = h(context.Background(), asynq.NewTask(TaskTypeRunJob, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
