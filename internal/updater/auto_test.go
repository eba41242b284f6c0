package updater

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAutoUpdate_CreatesQueuesForIdleGroups(t *testing.T) {
	env := newTestEnv(t)
	env.groups.contests = []int64{1, 2, 3}
	env.groups.accounts[1] = []int64{11, 12}
	env.groups.accounts[2] = []int64{21}
	env.create(t, 2, 99)

	report, err := env.svc.RunAutoUpdate(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, report.Ran)

	require.Len(t, report.Created, 1)
	assert.Equal(t, int64(1), report.Created[0].GroupID)
	assert.Equal(t, 2, report.Created[0].Total)

	skipped := map[int64]string{}
	for _, s := range report.Skipped {
		skipped[s.GroupID] = s.Reason
	}
	assert.Equal(t, "update already running", skipped[2])
	assert.Equal(t, "no accounts to update", skipped[3])

	st := env.status(t, 1, report.Created[0].QueueID)
	assert.Equal(t, InitiatorAuto, st.Initiator.Kind)

	require.NoError(t, env.svc.CompleteQueue(context.Background(), 1, report.Created[0].QueueID))
	history, err := env.svc.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].IsAutoUpdate)
}

func TestRunAutoUpdate_HonorsInterval(t *testing.T) {
	env := newTestEnv(t)
	env.groups.contests = []int64{1}
	env.groups.accounts[1] = []int64{11}

	report, err := env.svc.RunAutoUpdate(context.Background(), false)
	require.NoError(t, err)
	require.True(t, report.Ran)
	require.NoError(t, env.svc.CompleteQueue(context.Background(), 1, report.Created[0].QueueID))

	env.clock.Advance(30 * time.Minute)
	report, err = env.svc.RunAutoUpdate(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, report.Ran)
	assert.Contains(t, report.SkippedReason, "interval")
	assert.Empty(t, report.Created)

	report, err = env.svc.RunAutoUpdate(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, report.Ran)
	assert.Len(t, report.Created, 1)
}

func TestRunAutoUpdate_Disabled(t *testing.T) {
	env := newTestEnv(t)
	env.groups.contests = []int64{1}
	env.groups.accounts[1] = []int64{11}

	settings := DefaultConfig().DefaultSettings()
	settings.AutoUpdateEnabled = false
	require.NoError(t, env.svc.UpdateSettings(context.Background(), settings))

	report, err := env.svc.RunAutoUpdate(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, report.Ran)
	assert.Equal(t, "auto update disabled", report.SkippedReason)

	report, err = env.svc.RunAutoUpdate(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, report.Created, 1)
}

func TestRunAutoUpdate_NoGroupSource(t *testing.T) {
	env := newTestEnv(t)
	env.svc.groups = nil

	_, err := env.svc.RunAutoUpdate(context.Background(), true)
	assert.ErrorIs(t, err, ErrNoGroupSource)
}

func TestRequeueUnfinished(t *testing.T) {
	env := newTestEnv(t)
	q := env.create(t, 4, 1, 2, 3, 4)
	env.mutate(t, 4, q, func(st *QueueStatus) {
		st.Accounts[1].Status = StatusSuccess
		st.Accounts[3] = &AccountProgress{Status: StatusProcessing, StartTime: baseTime.Unix()}
		st.Success, st.Completed = 1, 1
		st.IsRunning = false
		st.TimedOut = true
	})

	res, err := env.svc.RequeueUnfinished(context.Background(), 4, q, Initiator{Kind: InitiatorManual, Identity: "bob"})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.NotEqual(t, q, res.QueueID)
	assert.Equal(t, 3, res.Total)

	work, err := env.svc.state.loadWork(context.Background(), 4, res.QueueID)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4}, work)

	old := env.status(t, 4, q)
	assert.False(t, old.IsRunning, "old queue never restarts")
	assert.Equal(t, res.QueueID, old.Successor)
	assert.Contains(t, old.Message, res.QueueID)
	assert.NotZero(t, old.EndTime)

	registered, err := env.svc.registry.Contains(context.Background(), 4, q)
	require.NoError(t, err)
	assert.False(t, registered)
}

func TestRequeueUnfinished_GlobalQueueStaysGlobal(t *testing.T) {
	env := newTestEnv(t)
	q := env.create(t, 0, 1, 2)
	env.mutate(t, 0, q, func(st *QueueStatus) { st.IsRunning = false })

	// the first account has since been assigned to a contest
	env.groups.owner[1] = 9

	res, err := env.svc.RequeueUnfinished(context.Background(), 0, q, Initiator{Kind: InitiatorManual})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.GroupID)

	registered, err := env.svc.registry.Contains(context.Background(), 0, res.QueueID)
	require.NoError(t, err)
	assert.True(t, registered)
}

func TestRequeueUnfinished_Errors(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.RequeueUnfinished(context.Background(), 1, "qnone", Initiator{})
	assert.ErrorIs(t, err, ErrQueueNotFound)

	running := env.create(t, 1, 1)
	_, err = env.svc.RequeueUnfinished(context.Background(), 1, running, Initiator{})
	assert.ErrorIs(t, err, ErrQueueRunning)

	done := env.create(t, 1, 2)
	require.True(t, env.svc.ProcessBatch(context.Background(), 1, done))
	_, err = env.svc.RequeueUnfinished(context.Background(), 1, done, Initiator{})
	assert.ErrorIs(t, err, ErrNothingToRequeue)
}
