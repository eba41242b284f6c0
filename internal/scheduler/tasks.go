// Package scheduler runs update batches and recurring jobs on asynq.
package scheduler

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/bissquit/contest-sync/internal/updater"
	"github.com/hibiken/asynq"
)

// Task types.
const (
	TypeProcessBatch = "updater:process_batch"
	TypeAutoUpdate   = "updater:auto_update"
	TypeCleanup      = "updater:cleanup"
)

// NewBatchTask builds the asynq task for one batch run.
func NewBatchTask(task updater.BatchTask) (*asynq.Task, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode batch task: %w", err)
	}
	return asynq.NewTask(TypeProcessBatch, payload), nil
}

// ParseBatchTask decodes the payload of a batch task.
func ParseBatchTask(t *asynq.Task) (updater.BatchTask, error) {
	var task updater.BatchTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return updater.BatchTask{}, fmt.Errorf("decode batch task: %w", err)
	}
	if task.QueueID == "" {
		return updater.BatchTask{}, fmt.Errorf("decode batch task: missing queue_id")
	}
	return task, nil
}

// TaskID returns the deduplication id of a batch task. Retry tasks have none.
func TaskID(task updater.BatchTask) string {
	if task.Batch < 0 {
		return ""
	}
	return "batch:" + strconv.FormatInt(task.GroupID, 10) + ":" + task.QueueID + ":" + strconv.Itoa(task.Batch)
}
