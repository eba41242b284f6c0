package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/contest-sync/internal/updater"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu         sync.Mutex
	batches    []updater.BatchTask
	autoForced []bool
	cleanups   []updater.CleanupOptions
	autoErr    error
}

func (f *fakeEngine) ProcessBatch(_ context.Context, groupID int64, queueID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, updater.BatchTask{GroupID: groupID, QueueID: queueID})
	return false
}

func (f *fakeEngine) RunAutoUpdate(_ context.Context, force bool) (*updater.AutoUpdateReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoForced = append(f.autoForced, force)
	if f.autoErr != nil {
		return nil, f.autoErr
	}
	return &updater.AutoUpdateReport{SkippedReason: "auto update disabled"}, nil
}

func (f *fakeEngine) Cleanup(_ context.Context, opts updater.CleanupOptions) (*updater.CleanupReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, opts)
	return &updater.CleanupReport{}, nil
}

func newTestWorker(engine Engine) *Worker {
	return &Worker{config: DefaultWorkerConfig(), engine: engine}
}

func TestBatchTask_Payload(t *testing.T) {
	in := updater.BatchTask{GroupID: 42, QueueID: "qAbCd", Batch: 3}

	task, err := NewBatchTask(in)
	require.NoError(t, err)
	assert.Equal(t, TypeProcessBatch, task.Type())

	out, err := ParseBatchTask(task)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseBatchTask_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"not json", []byte("{")},
		{"missing queue", []byte(`{"group_id":1,"batch":0}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBatchTask(asynq.NewTask(TypeProcessBatch, tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestTaskID(t *testing.T) {
	assert.Equal(t, "batch:0:qAbCd:2", TaskID(updater.BatchTask{GroupID: 0, QueueID: "qAbCd", Batch: 2}))
	assert.Equal(t, "batch:7:qAbCd:0", TaskID(updater.BatchTask{GroupID: 7, QueueID: "qAbCd"}))
	assert.Empty(t, TaskID(updater.BatchTask{GroupID: 7, QueueID: "qAbCd", Batch: updater.RetryBatch}))
}

func TestWorker_HandleBatch(t *testing.T) {
	engine := &fakeEngine{}
	w := newTestWorker(engine)

	task, err := NewBatchTask(updater.BatchTask{GroupID: 5, QueueID: "qWxYz", Batch: 1})
	require.NoError(t, err)

	require.NoError(t, w.handleBatch(context.Background(), task))
	require.Len(t, engine.batches, 1)
	assert.Equal(t, int64(5), engine.batches[0].GroupID)
	assert.Equal(t, "qWxYz", engine.batches[0].QueueID)
}

func TestWorker_HandleBatch_BadPayloadSkipsRetry(t *testing.T) {
	engine := &fakeEngine{}
	w := newTestWorker(engine)

	err := w.handleBatch(context.Background(), asynq.NewTask(TypeProcessBatch, []byte("nope")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Empty(t, engine.batches)
}

func TestWorker_HandleAutoUpdate(t *testing.T) {
	engine := &fakeEngine{}
	w := newTestWorker(engine)

	require.NoError(t, w.handleAutoUpdate(context.Background(), asynq.NewTask(TypeAutoUpdate, nil)))
	assert.Equal(t, []bool{false}, engine.autoForced)

	engine.autoErr = errors.New("boom")
	assert.Error(t, w.handleAutoUpdate(context.Background(), asynq.NewTask(TypeAutoUpdate, nil)))
}

func TestWorker_HandleCleanup(t *testing.T) {
	engine := &fakeEngine{}
	w := newTestWorker(engine)
	w.config.CleanupOlderThan = 6 * time.Hour

	require.NoError(t, w.handleCleanup(context.Background(), asynq.NewTask(TypeCleanup, nil)))
	require.Len(t, engine.cleanups, 1)
	assert.False(t, engine.cleanups[0].DryRun)
	assert.Equal(t, 6*time.Hour, engine.cleanups[0].OlderThan)
}

func TestWorker_Mux(t *testing.T) {
	engine := &fakeEngine{}
	w := newTestWorker(engine)

	task, err := NewBatchTask(updater.BatchTask{GroupID: 1, QueueID: "qAAAA"})
	require.NoError(t, err)

	require.NoError(t, w.Mux().ProcessTask(context.Background(), task))
	assert.Len(t, engine.batches, 1)
}
