package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/cexll/aidir/internal/jobs"
)

const (
	// TaskTypeRunJob is the asynq task type carrying a Task
	TaskTypeRunJob = "aidir:run-job"
	// QueueName is the asynq queue job runs are sent to
	QueueName = "aidir"

	runTimeout = 2 * time.Hour
)

// AsynqQueue sends tasks to Redis for a worker process
type AsynqQueue struct {
	client      *asynq.Client
	maxAttempts int
}

// NewAsynqQueue creates a queue; maxAttempts includes the first attempt
func NewAsynqQueue(opt asynq.RedisConnOpt, maxAttempts int) *AsynqQueue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &AsynqQueue{client: asynq.NewClient(opt), maxAttempts: maxAttempts}
}

// Enqueue sends task to Redis. The run id doubles as the asynq task id so a
// run can be queued only once.
func (q *AsynqQueue) Enqueue(task *Task) error {
	if task == nil {
		return errors.New("asynq enqueue: task is nil")
	}
	t, err := newRunTask(task)
	if err != nil {
		return err
	}
	_, err = q.client.Enqueue(t,
		asynq.Queue(QueueName),
		asynq.TaskID(task.RunID),
		asynq.MaxRetry(q.maxAttempts-1),
		asynq.Timeout(runTimeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return fmt.Errorf("run %s already queued: %w", task.RunID, ErrBusy)
	}
	if err != nil {
		return fmt.Errorf("enqueue run %s: %w", task.RunID, err)
	}
	return nil
}

func (q *AsynqQueue) Close() error {
	return q.client.Close()
}

func newRunTask(task *Task) (*asynq.Task, error) {
	b, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return asynq.NewTask(TaskTypeRunJob, b), nil
}

// HandleRunTask adapts exec to an asynq handler. Non-retryable failures skip
// asynq's retries, and the last allowed retry is marked final.
func HandleRunTask(exec TaskExecutor, logger *zap.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var task Task
		if err := json.Unmarshal(t.Payload(), &task); err != nil {
			return fmt.Errorf("decode task: %v: %w", err, asynq.SkipRetry)
		}
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		task.Attempt = retried + 1
		task.MaxAttempts = maxRetry + 1

		err := exec.Execute(ctx, &task)
		if err == nil {
			return nil
		}
		logger.Warn("run attempt failed",
			zap.String("run_id", task.RunID),
			zap.Int("attempt", task.Attempt),
			zap.Error(err),
		)
		if jobs.IsNonRetryable(err) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
}

// NewAsynqServer builds a worker server and mux that execute queued runs
func NewAsynqServer(opt asynq.RedisConnOpt, concurrency int, exec TaskExecutor, logger *zap.Logger) (*asynq.Server, *asynq.ServeMux) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 2
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueName: 1},
		Logger:      logger.Sugar(),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeRunJob, HandleRunTask(exec, logger))
	return srv, mux
}
