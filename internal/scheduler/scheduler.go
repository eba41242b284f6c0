package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/contest-sync/internal/updater"
	"github.com/hibiken/asynq"
)

// DefaultQueue is the asynq queue batch tasks are enqueued on.
const DefaultQueue = "updates"

// DefaultTaskTimeout bounds one batch task run. A batch-mode queue cut off by
// it continues in a follow-up task.
const DefaultTaskTimeout = time.Hour

const batchMaxRetry = 3

// Scheduler enqueues delayed batch runs.
type Scheduler struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
	timeout   time.Duration
}

// New creates a scheduler over the given Redis connection. Zero values select
// DefaultQueue and DefaultTaskTimeout.
func New(redisOpt asynq.RedisConnOpt, queue string, timeout time.Duration) *Scheduler {
	if queue == "" {
		queue = DefaultQueue
	}
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &Scheduler{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		queue:     queue,
		timeout:   timeout,
	}
}

// ScheduleBatch enqueues a batch to run after delay. A batch that is already
// enqueued is not enqueued twice.
func (s *Scheduler) ScheduleBatch(ctx context.Context, task updater.BatchTask, delay time.Duration) error {
	t, err := NewBatchTask(task)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(s.queue),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(batchMaxRetry),
		asynq.Timeout(s.timeout),
	}
	if id := TaskID(task); id != "" {
		opts = append(opts, asynq.TaskID(id))
	}

	_, err = s.client.EnqueueContext(ctx, t, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue batch task: %w", err)
	}
	return nil
}

// IsScheduled reports whether the batch is waiting to run or running.
func (s *Scheduler) IsScheduled(_ context.Context, task updater.BatchTask) (bool, error) {
	id := TaskID(task)
	if id == "" {
		return false, nil
	}

	info, err := s.inspector.GetTaskInfo(s.queue, id)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect batch task: %w", err)
	}

	switch info.State {
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry, asynq.TaskStateActive:
		return true, nil
	default:
		return false, nil
	}
}

// Unschedule removes a waiting batch task. A running task is left alone.
func (s *Scheduler) Unschedule(_ context.Context, task updater.BatchTask) error {
	id := TaskID(task)
	if id == "" {
		return nil
	}

	info, err := s.inspector.GetTaskInfo(s.queue, id)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect batch task: %w", err)
	}
	if info.State == asynq.TaskStateActive {
		return nil
	}

	err = s.inspector.DeleteTask(s.queue, id)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete batch task: %w", err)
	}
	return nil
}

// Close releases the Redis connections.
func (s *Scheduler) Close() error {
	return errors.Join(s.client.Close(), s.inspector.Close())
}
