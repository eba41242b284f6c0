package updater

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/contest-sync/internal/kv"
	"github.com/bissquit/contest-sync/internal/provider"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type scheduledTask struct {
	task  BatchTask
	delay time.Duration
}

type mockScheduler struct {
	mu          sync.Mutex
	tasks       []scheduledTask
	scheduled   map[BatchTask]bool
	err         error
	unscheduled []BatchTask
}

func newMockScheduler() *mockScheduler {
	return &mockScheduler{scheduled: make(map[BatchTask]bool)}
}

func (m *mockScheduler) ScheduleBatch(_ context.Context, task BatchTask, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.tasks = append(m.tasks, scheduledTask{task: task, delay: delay})
	return nil
}

func (m *mockScheduler) IsScheduled(_ context.Context, task BatchTask) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduled[task], nil
}

func (m *mockScheduler) Unschedule(_ context.Context, task BatchTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unscheduled = append(m.unscheduled, task)
	return nil
}

func (m *mockScheduler) Tasks() []scheduledTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]scheduledTask(nil), m.tasks...)
}

type mockFetcher struct {
	mu      sync.Mutex
	results map[int64]provider.Result
	calls   [][]int64
	before  func(ids []int64)
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{results: make(map[int64]provider.Result)}
}

func (m *mockFetcher) result(id int64) provider.Result {
	if r, ok := m.results[id]; ok {
		r.AccountID = id
		return r
	}
	return provider.Result{
		AccountID: id,
		Success:   true,
		Snapshot:  &provider.Snapshot{ConnectionStatus: provider.StatusConnected},
	}
}

func (m *mockFetcher) record(ids []int64) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]int64(nil), ids...))
	hook := m.before
	m.mu.Unlock()
	if hook != nil {
		hook(ids)
	}
}

func (m *mockFetcher) FetchOne(_ context.Context, accountID int64, _ string) provider.Result {
	m.record([]int64{accountID})
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result(accountID)
}

func (m *mockFetcher) FetchMany(_ context.Context, accountIDs []int64, _ string) map[int64]provider.Result {
	m.record(accountIDs)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]provider.Result, len(accountIDs))
	for _, id := range accountIDs {
		out[id] = m.result(id)
	}
	return out
}

func (m *mockFetcher) Calls() [][]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]int64(nil), m.calls...)
}

func (m *mockFetcher) Fetched() []int64 {
	var ids []int64
	for _, c := range m.Calls() {
		ids = append(ids, c...)
	}
	return ids
}

type mockSink struct {
	mu      sync.Mutex
	applied []provider.Result
	fail    map[int64]error
}

func (m *mockSink) ApplyResult(_ context.Context, result provider.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[result.AccountID]; err != nil {
		return err
	}
	m.applied = append(m.applied, result)
	return nil
}

type mockGroups struct {
	contests []int64
	accounts map[int64][]int64
	owner    map[int64]int64
	err      error
}

func (m *mockGroups) ActiveContests(_ context.Context) ([]int64, error) {
	return m.contests, m.err
}

func (m *mockGroups) AccountsForUpdate(_ context.Context, contestID int64) ([]int64, error) {
	return m.accounts[contestID], nil
}

func (m *mockGroups) AccountContest(_ context.Context, accountID int64) (int64, error) {
	g, ok := m.owner[accountID]
	if !ok {
		return 0, errors.New("account not found")
	}
	return g, nil
}

// failingStore fails writes to status records while failStatus is set.
type failingStore struct {
	*kv.Memory
	mu         sync.Mutex
	failStatus bool
}

func (f *failingStore) SetFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStatus = v
}

func (f *failingStore) failing(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failStatus && strings.HasPrefix(key, keyPrefix+"status:")
}

func (f *failingStore) Set(ctx context.Context, key string, value []byte) error {
	if f.failing(key) {
		return errors.New("state store unavailable")
	}
	return f.Memory.Set(ctx, key, value)
}

func (f *failingStore) CompareAndSwap(ctx context.Context, key string, old, next []byte) error {
	if f.failing(key) {
		return errors.New("state store unavailable")
	}
	return f.Memory.CompareAndSwap(ctx, key, old, next)
}

type testEnv struct {
	svc       *Service
	store     kv.Store
	clock     *clock
	scheduler *mockScheduler
	fetcher   *mockFetcher
	sink      *mockSink
	groups    *mockGroups
	sleeps    []time.Duration
}

type envOption func(*Config, *testEnv)

func withMode(m Mode) envOption {
	return func(c *Config, _ *testEnv) { c.DefaultMode = m }
}

func withStore(s kv.Store) envOption {
	return func(_ *Config, e *testEnv) { e.store = s }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg := DefaultConfig()
	env := &testEnv{
		store:     kv.NewMemory(),
		clock:     &clock{now: baseTime},
		scheduler: newMockScheduler(),
		fetcher:   newMockFetcher(),
		sink:      &mockSink{fail: map[int64]error{}},
		groups:    &mockGroups{accounts: map[int64][]int64{}, owner: map[int64]int64{}},
	}
	for _, o := range opts {
		o(&cfg, env)
	}

	env.svc = NewService(cfg, env.store, env.fetcher, env.sink, env.groups, env.scheduler)
	env.svc.now = env.clock.Now
	env.svc.sleep = func(_ context.Context, d time.Duration) { env.sleeps = append(env.sleeps, d) }
	env.svc.randN = rand.New(rand.NewPCG(1, 2)).Int64N
	return env
}

func (e *testEnv) create(t *testing.T, groupID int64, ids ...int64) string {
	t.Helper()
	res, err := e.svc.CreateQueue(context.Background(), CreateRequest{AccountIDs: ids, GroupID: groupID})
	require.NoError(t, err)
	require.True(t, res.Accepted)
	return res.QueueID
}

func (e *testEnv) status(t *testing.T, groupID int64, queueID string) *QueueStatus {
	t.Helper()
	st, err := e.svc.state.loadStatus(context.Background(), groupID, queueID)
	require.NoError(t, err)
	return st
}

func (e *testEnv) mutate(t *testing.T, groupID int64, queueID string, fn func(*QueueStatus)) {
	t.Helper()
	_, err := e.svc.state.updateStatus(context.Background(), groupID, queueID, func(st *QueueStatus) error {
		fn(st)
		return nil
	})
	require.NoError(t, err)
}
