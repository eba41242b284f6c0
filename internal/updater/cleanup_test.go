package updater

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stopQueue(t *testing.T, env *testEnv, groupID int64, queueID string, done int) {
	t.Helper()
	env.mutate(t, groupID, queueID, func(st *QueueStatus) {
		n := 0
		for _, p := range st.Accounts {
			if n == done {
				break
			}
			p.Status = StatusSuccess
			n++
		}
		st.Success, st.Completed = done, done
		st.IsRunning = false
	})
}

func TestCleanup_DryRunPreservesRunningQueue(t *testing.T) {
	env := newTestEnv(t)
	q := env.create(t, 1, 1, 2)
	env.clock.Advance(48 * time.Hour)

	report, err := env.svc.Cleanup(context.Background(), CleanupOptions{OlderThan: 24 * time.Hour, MaxProgress: 100, DryRun: true})
	require.NoError(t, err)

	assert.Empty(t, report.Eligible)
	require.Len(t, report.Preserved, 1)
	assert.Equal(t, q, report.Preserved[0].QueueID)
	assert.True(t, report.Preserved[0].IsRunning)
	assert.Equal(t, "queue is running", report.Preserved[0].Reason)
}

func TestCleanup_Classification(t *testing.T) {
	env := newTestEnv(t)

	young := env.create(t, 1, 1, 2)
	stopQueue(t, env, 1, young, 1)

	env.clock.Advance(-48 * time.Hour)
	stale := env.create(t, 1, 3, 4)
	complete := env.create(t, 2, 5, 6)
	half := env.create(t, 3, 7, 8, 9, 10)
	env.clock.Advance(48 * time.Hour)

	stopQueue(t, env, 1, stale, 0)
	stopQueue(t, env, 2, complete, 2)
	stopQueue(t, env, 3, half, 2)

	opts := CleanupOptions{OlderThan: 24 * time.Hour, MinProgress: 0, MaxProgress: 40, DryRun: true}
	report, err := env.svc.Cleanup(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Analyzed)

	reasons := map[string]string{}
	for _, a := range report.Preserved {
		reasons[a.QueueID] = a.Reason
	}
	require.Len(t, report.Eligible, 1)
	assert.Equal(t, stale, report.Eligible[0].QueueID)
	assert.Contains(t, reasons[young], "younger than")
	assert.Contains(t, reasons[half], "outside")
	assert.Contains(t, reasons[complete], "outside")

	opts.MaxProgress = 100
	report, err = env.svc.Cleanup(context.Background(), opts)
	require.NoError(t, err)
	reasons = map[string]string{}
	for _, a := range report.Preserved {
		reasons[a.QueueID] = a.Reason
	}
	assert.Len(t, report.Eligible, 2)
	assert.Equal(t, "queue is complete", reasons[complete])

	opts.IncludeCompleted = true
	report, err = env.svc.Cleanup(context.Background(), opts)
	require.NoError(t, err)
	assert.Len(t, report.Eligible, 3)
	assert.Empty(t, report.Cleaned, "dry run removes nothing")
}

func TestCleanup_RemovesEligibleQueues(t *testing.T) {
	env := newTestEnv(t)
	q := env.create(t, 1, 1, 2)
	keep := env.create(t, 1, 3)
	stopQueue(t, env, 1, q, 1)
	env.clock.Advance(2 * time.Hour)

	report, err := env.svc.Cleanup(context.Background(), CleanupOptions{OlderThan: time.Hour, MaxProgress: 100})
	require.NoError(t, err)
	assert.False(t, report.DryRun)
	require.Len(t, report.Cleaned, 1)
	assert.Equal(t, q, report.Cleaned[0].QueueID)

	st, err := env.svc.QueueStatus(context.Background(), 1, q)
	require.NoError(t, err)
	assert.True(t, st.NotFound)

	entries, err := env.svc.registry.List(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, keep, entries[0].QueueID)
}

func TestCleanup_OrphansPrunedOnlyForRealRuns(t *testing.T) {
	env := newTestEnv(t)
	q := env.create(t, 1, 1)
	require.NoError(t, env.svc.state.deleteStatus(context.Background(), 1, q))

	report, err := env.svc.Cleanup(context.Background(), CleanupOptions{MaxProgress: 100, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Orphans)
	registered, err := env.svc.registry.Contains(context.Background(), 1, q)
	require.NoError(t, err)
	assert.True(t, registered)

	report, err = env.svc.Cleanup(context.Background(), CleanupOptions{MaxProgress: 100})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Orphans)
	registered, err = env.svc.registry.Contains(context.Background(), 1, q)
	require.NoError(t, err)
	assert.False(t, registered)
}

func TestCleanup_InvalidBand(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Cleanup(context.Background(), CleanupOptions{MinProgress: 80, MaxProgress: 20})
	assert.Error(t, err)
}
