//go:build integration

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/contest-sync/internal/testutil"
	"github.com/bissquit/contest-sync/internal/updater"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_Deduplicates(t *testing.T) {
	ctx := context.Background()

	container, err := testutil.NewRedisContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	redisOpt := asynq.RedisClientOpt{Addr: container.Addr}
	s := New(redisOpt, "", 0)
	t.Cleanup(func() { _ = s.Close() })

	task := updater.BatchTask{GroupID: 3, QueueID: "qAbCd", Batch: 1}

	scheduled, err := s.IsScheduled(ctx, task)
	require.NoError(t, err)
	assert.False(t, scheduled)

	require.NoError(t, s.ScheduleBatch(ctx, task, time.Hour))
	require.NoError(t, s.ScheduleBatch(ctx, task, time.Hour))

	scheduled, err = s.IsScheduled(ctx, task)
	require.NoError(t, err)
	assert.True(t, scheduled)

	retry := updater.BatchTask{GroupID: 3, QueueID: "qAbCd", Batch: updater.RetryBatch}
	require.NoError(t, s.ScheduleBatch(ctx, retry, time.Hour))
	require.NoError(t, s.ScheduleBatch(ctx, retry, time.Hour))

	inspector := asynq.NewInspector(redisOpt)
	t.Cleanup(func() { _ = inspector.Close() })
	tasks, err := inspector.ListScheduledTasks(DefaultQueue)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
	for _, info := range tasks {
		assert.Equal(t, DefaultTaskTimeout, info.Timeout)
	}

	require.NoError(t, s.Unschedule(ctx, task))
	scheduled, err = s.IsScheduled(ctx, task)
	require.NoError(t, err)
	assert.False(t, scheduled)
}
