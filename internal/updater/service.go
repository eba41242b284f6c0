package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/bissquit/contest-sync/internal/kv"
	"github.com/google/uuid"
)

const (
	queueIDPrefix   = "q"
	queueIDLength   = 4
	queueIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	queueIDAttempts = 16
)

// Config contains engine configuration. The Settings fields seed the
// runtime settings stored in the state store.
type Config struct {
	BatchSize            int
	DefaultMode          Mode
	Timeout              time.Duration
	FirstBatchDelay      time.Duration
	SequentialDelay      time.Duration
	StructuralRetryDelay time.Duration
	StallWindow          time.Duration
	HistoryLimit         int
	ThrottleUnit         time.Duration
	ThrottleMaxDelay     time.Duration
	AutoUpdateEnabled    bool
	AutoUpdateInterval   time.Duration
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:            2,
		DefaultMode:          ModeBatch,
		Timeout:              30 * time.Minute,
		FirstBatchDelay:      3 * time.Second,
		SequentialDelay:      1 * time.Second,
		StructuralRetryDelay: 5 * time.Second,
		StallWindow:          5 * time.Minute,
		HistoryLimit:         50,
		ThrottleUnit:         1 * time.Second,
		ThrottleMaxDelay:     3 * time.Second,
		AutoUpdateEnabled:    true,
		AutoUpdateInterval:   60 * time.Minute,
	}
}

// DefaultSettings derives the initial runtime settings from the config.
func (c Config) DefaultSettings() Settings {
	return Settings{
		TimeoutMinutes:            int(c.Timeout / time.Minute),
		BatchSize:                 c.BatchSize,
		DefaultMode:               c.DefaultMode,
		AutoUpdateEnabled:         c.AutoUpdateEnabled,
		AutoUpdateIntervalMinutes: int(c.AutoUpdateInterval / time.Minute),
	}
}

// Service is the queue lifecycle manager and batch processor.
type Service struct {
	config    Config
	state     *stateStore
	registry  *Registry
	settings  *SettingsStore
	fetcher   Fetcher
	sink      ResultSink
	groups    GroupSource
	scheduler Scheduler

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
	randN func(n int64) int64
}

// NewService creates a new update engine. fetcher, sink, groups and scheduler
// may be nil: a nil scheduler makes every batch run synchronously, and a nil
// fetcher fails batches structurally.
func NewService(config Config, store kv.Store, fetcher Fetcher, sink ResultSink, groups GroupSource, scheduler Scheduler) *Service {
	return &Service{
		config:    config,
		state:     newStateStore(store),
		registry:  NewRegistry(store),
		settings:  NewSettingsStore(store, config.DefaultSettings()),
		fetcher:   fetcher,
		sink:      sink,
		groups:    groups,
		scheduler: scheduler,
		now:       time.Now,
		sleep:     sleepContext,
		randN:     rand.Int64N,
	}
}

// CreateQueue registers a new queue for the given accounts and schedules its
// first batch. An empty account list is rejected with ErrEmptyAccountList.
func (s *Service) CreateQueue(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	ids := dedupe(req.AccountIDs)
	if len(ids) == 0 {
		return &CreateResult{Accepted: false, GroupID: req.GroupID, Message: "no accounts selected"}, ErrEmptyAccountList
	}

	groupID := req.GroupID
	if groupID == 0 && !req.ExactGroup && s.groups != nil {
		g, err := s.groups.AccountContest(ctx, ids[0])
		if err != nil {
			slog.Warn("could not derive group from account, using global", "account_id", ids[0], "error", err)
		} else {
			groupID = g
		}
	}

	settings := s.loadSettings(ctx)

	queueID, err := s.allocateQueueID(ctx, groupID)
	if err != nil {
		return nil, err
	}

	if req.Initiator.Kind == "" {
		req.Initiator.Kind = InitiatorManual
	}

	now := s.now().Unix()
	st := &QueueStatus{
		QueueID:    queueID,
		GroupID:    groupID,
		Total:      len(ids),
		Mode:       settings.ModeFor(groupID),
		IsRunning:  true,
		StartTime:  now,
		LastUpdate: now,
		Accounts:   make(map[int64]*AccountProgress, len(ids)),
		Initiator:  req.Initiator,
		Message:    "update queue created",
	}
	for _, id := range ids {
		st.Accounts[id] = &AccountProgress{Status: StatusPending}
	}

	if err := s.state.saveWork(ctx, groupID, queueID, ids); err != nil {
		return nil, fmt.Errorf("save work list: %w", err)
	}
	if err := s.state.saveStatus(ctx, st); err != nil {
		return nil, fmt.Errorf("save status: %w", err)
	}
	if err := s.registry.Add(ctx, groupID, RegistryEntry{
		QueueID:   queueID,
		StatusKey: statusKey(groupID, queueID),
		StartTime: now,
	}); err != nil {
		return nil, fmt.Errorf("register queue: %w", err)
	}

	recordQueueCreated(req.Initiator.Kind)
	slog.Info("update queue created",
		"group_id", groupID,
		"queue_id", queueID,
		"total", len(ids),
		"mode", st.Mode,
		"initiator", req.Initiator.Kind,
	)

	result := &CreateResult{
		Accepted: true,
		QueueID:  queueID,
		GroupID:  groupID,
		Total:    len(ids),
		Mode:     st.Mode,
		Message:  "update queue created",
	}

	if s.schedule(ctx, BatchTask{GroupID: groupID, QueueID: queueID}, s.config.FirstBatchDelay) {
		result.Scheduled = true
		return result, nil
	}

	slog.Warn("first batch not scheduled, processing synchronously", "group_id", groupID, "queue_id", queueID)
	s.ProcessBatch(context.WithoutCancel(ctx), groupID, queueID)
	return result, nil
}

// QueueStatus returns one queue, applying lazy timeout detection. A missing
// queue yields a not-found, not-running sentinel rather than an error.
func (s *Service) QueueStatus(ctx context.Context, groupID int64, queueID string) (*QueueStatus, error) {
	settings := s.loadSettings(ctx)

	st, err := s.state.loadStatus(ctx, groupID, queueID)
	if errors.Is(err, kv.ErrNotFound) {
		return notFoundStatus(groupID, queueID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load status: %w", err)
	}

	return s.applyTimeout(ctx, st, settings.Timeout())
}

// GroupStatus aggregates every registered queue of a group. Registry entries
// whose status record is gone are pruned.
func (s *Service) GroupStatus(ctx context.Context, groupID int64) (*GroupStatus, error) {
	settings := s.loadSettings(ctx)

	entries, err := s.registry.List(ctx, groupID)
	if err != nil {
		return nil, err
	}

	agg := &GroupStatus{GroupID: groupID, Queues: make([]*QueueStatus, 0, len(entries))}
	var missing []string
	var timeoutReason string

	for _, e := range entries {
		st, err := s.state.loadStatus(ctx, groupID, e.QueueID)
		if errors.Is(err, kv.ErrNotFound) {
			missing = append(missing, e.QueueID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load status %s: %w", e.QueueID, err)
		}

		st, err = s.applyTimeout(ctx, st, settings.Timeout())
		if err != nil {
			return nil, err
		}

		if st.IsRunning {
			agg.IsRunning = true
		}
		if st.TimedOut && timeoutReason == "" {
			timeoutReason = st.TimeoutReason
		}
		agg.Total += st.Total
		agg.Completed += st.Completed
		agg.Queues = append(agg.Queues, st)
	}

	if len(missing) > 0 {
		if err := s.registry.Prune(ctx, groupID, missing); err != nil {
			slog.Warn("failed to prune queue list", "group_id", groupID, "error", err)
		}
	}

	agg.QueuesCount = len(agg.Queues)
	if agg.Total > 0 {
		agg.Progress = float64(agg.Completed) * 100 / float64(agg.Total)
	}

	switch {
	case agg.IsRunning:
		agg.Message = fmt.Sprintf("update in progress: %d of %d accounts processed", agg.Completed, agg.Total)
	case timeoutReason != "":
		agg.Message = "update timed out: " + timeoutReason
	case agg.QueuesCount > 0:
		agg.Message = "update finished"
	default:
		agg.Message = "no active update processes"
	}

	return agg, nil
}

// AllGroupStatuses returns the aggregate of every group that has registered queues.
func (s *Service) AllGroupStatuses(ctx context.Context) ([]*GroupStatus, error) {
	groups, err := s.registry.Groups(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*GroupStatus, 0, len(groups))
	for _, g := range groups {
		agg, err := s.GroupStatus(ctx, g)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, nil
}

// CompleteQueue finalizes a queue: it stops it, records it in history on the
// first completion, drops its next batch task, unregisters it and deletes its
// work list. The status record is kept for inspection.
func (s *Service) CompleteQueue(ctx context.Context, groupID int64, queueID string) error {
	now := s.now().Unix()
	first := false

	st, err := s.state.updateStatus(ctx, groupID, queueID, func(st *QueueStatus) error {
		first = st.EndTime == 0
		if first {
			st.EndTime = now
		}
		st.IsRunning = false
		st.LastUpdate = now
		if st.Successor == "" && !st.TimedOut {
			st.Message = fmt.Sprintf("update completed: %d succeeded, %d failed", st.Success, st.Failed)
		}
		return nil
	})
	if errors.Is(err, kv.ErrNotFound) {
		return ErrQueueNotFound
	}
	if err != nil {
		return fmt.Errorf("complete queue: %w", err)
	}

	if first {
		if err := s.appendHistory(ctx, st); err != nil {
			slog.Error("failed to append queue history", "queue_id", queueID, "error", err)
		}
		recordQueueFinished("completed")
	}

	s.unschedule(ctx, BatchTask{GroupID: groupID, QueueID: queueID, Batch: st.CurrentBatch})

	if err := s.registry.Remove(ctx, groupID, queueID); err != nil {
		return fmt.Errorf("unregister queue: %w", err)
	}
	if err := s.state.deleteWork(ctx, groupID, queueID); err != nil {
		return fmt.Errorf("delete work list: %w", err)
	}

	slog.Info("update queue completed",
		"group_id", groupID,
		"queue_id", queueID,
		"success", st.Success,
		"failed", st.Failed,
	)
	return nil
}

// History returns the rolling completion history, newest first.
func (s *Service) History(ctx context.Context) ([]HistoryRecord, error) {
	var records []HistoryRecord
	err := kv.GetJSON(ctx, s.state.kv, historyKey, &records)
	if errors.Is(err, kv.ErrNotFound) {
		return []HistoryRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return records, nil
}

// Settings returns the current runtime settings.
func (s *Service) Settings(ctx context.Context) (Settings, error) {
	return s.settings.Load(ctx)
}

// UpdateSettings validates and stores new runtime settings.
func (s *Service) UpdateSettings(ctx context.Context, settings Settings) error {
	return s.settings.Save(ctx, settings)
}

func (s *Service) appendHistory(ctx context.Context, st *QueueStatus) error {
	unlock := s.state.lock(historyKey)
	defer unlock()

	records, err := s.History(ctx)
	if err != nil {
		return err
	}

	record := HistoryRecord{
		ID:           uuid.NewString(),
		QueueID:      st.QueueID,
		GroupID:      st.GroupID,
		StartTime:    st.StartTime,
		EndTime:      st.EndTime,
		Total:        st.Total,
		Success:      st.Success,
		Failed:       st.Failed,
		Mode:         st.Mode,
		Initiator:    st.Initiator,
		IsAutoUpdate: st.Initiator.Kind == InitiatorAuto,
	}
	records = append([]HistoryRecord{record}, records...)

	limit := s.config.HistoryLimit
	if limit <= 0 {
		limit = DefaultConfig().HistoryLimit
	}
	if len(records) > limit {
		records = records[:limit]
	}

	return kv.SetJSON(ctx, s.state.kv, historyKey, records)
}

// applyTimeout marks a running queue idle for longer than timeout as stopped
// and persists the change.
func (s *Service) applyTimeout(ctx context.Context, st *QueueStatus, timeout time.Duration) (*QueueStatus, error) {
	now := s.now().Unix()
	if !isTimedOut(st, now, timeout) {
		return st, nil
	}

	updated, err := s.state.updateStatus(ctx, st.GroupID, st.QueueID, func(fresh *QueueStatus) error {
		if !isTimedOut(fresh, now, timeout) {
			return errSkipWrite
		}
		fresh.IsRunning = false
		fresh.TimedOut = true
		fresh.TimeoutReason = classifyTimeout(fresh)
		fresh.Message = "update interrupted by timeout: " + fresh.TimeoutReason
		return nil
	})
	if errors.Is(err, kv.ErrNotFound) {
		return notFoundStatus(st.GroupID, st.QueueID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("mark queue timed out: %w", err)
	}

	if updated.TimedOut && !st.TimedOut {
		recordQueueFinished("timed_out")
		slog.Warn("update queue timed out",
			"group_id", updated.GroupID,
			"queue_id", updated.QueueID,
			"reason", updated.TimeoutReason,
		)
	}
	return updated, nil
}

func isTimedOut(st *QueueStatus, now int64, timeout time.Duration) bool {
	return st.IsRunning && now-st.LastUpdate > int64(timeout/time.Second)
}

// classifyTimeout explains where a timed-out queue stopped.
func classifyTimeout(st *QueueStatus) string {
	processing := st.countStatus(StatusProcessing)
	started := st.Completed > 0 || processing > 0

	switch {
	case !started:
		return "no batch started; the task scheduler may not be running"
	case processing > 0:
		return fmt.Sprintf("batch stalled while fetching %d account(s)", processing)
	case st.Completed >= st.Total:
		return "all accounts processed but the queue was never finalized"
	default:
		return fmt.Sprintf("stopped between batches after %d of %d accounts", st.Completed, st.Total)
	}
}

func notFoundStatus(groupID int64, queueID string) *QueueStatus {
	return &QueueStatus{
		QueueID:   queueID,
		GroupID:   groupID,
		IsRunning: false,
		NotFound:  true,
		Accounts:  map[int64]*AccountProgress{},
		Message:   "queue not found",
	}
}

func (s *Service) allocateQueueID(ctx context.Context, groupID int64) (string, error) {
	for i := 0; i < queueIDAttempts; i++ {
		id := s.newQueueID()

		registered, err := s.registry.Contains(ctx, groupID, id)
		if err != nil {
			return "", err
		}
		if registered {
			continue
		}
		exists, err := s.state.statusExists(ctx, groupID, id)
		if err != nil {
			return "", fmt.Errorf("check queue id: %w", err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", ErrQueueIDExhausted
}

func (s *Service) newQueueID() string {
	var b strings.Builder
	b.WriteString(queueIDPrefix)
	for i := 0; i < queueIDLength; i++ {
		b.WriteByte(queueIDAlphabet[s.randN(int64(len(queueIDAlphabet)))])
	}
	return b.String()
}

func (s *Service) loadSettings(ctx context.Context) Settings {
	settings, err := s.settings.Load(ctx)
	if err != nil {
		slog.Warn("using default settings", "error", err)
	}
	return settings
}

// schedule asks the scheduler to run a batch later. It reports false when
// there is no scheduler or it refused the task. Enqueueing ignores the
// caller's cancellation.
func (s *Service) schedule(ctx context.Context, task BatchTask, delay time.Duration) bool {
	if s.scheduler == nil {
		return false
	}
	if err := s.scheduler.ScheduleBatch(context.WithoutCancel(ctx), task, delay); err != nil {
		slog.Error("failed to schedule batch",
			"group_id", task.GroupID,
			"queue_id", task.QueueID,
			"batch", task.Batch,
			"error", err,
		)
		return false
	}
	return true
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
