package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/contest-sync/internal/kv"
	"github.com/bissquit/contest-sync/internal/pkg/ctxlog"
	"github.com/bissquit/contest-sync/internal/provider"
)

type stepOutcome int

const (
	stepContinue stepOutcome = iota
	stepCompleted
	stepScheduled
	stepAborted
	stepDeferred
)

var (
	errQueueStopped  = errors.New("queue is not running")
	errGroupMismatch = errors.New("queue belongs to another group")
)

const (
	msgFetcherMissing = "provider fetcher is not configured"
	msgStateWrite     = "failed to record account result"
	msgUpdated        = "account updated"
)

// claim is the set of accounts one step took ownership of.
type claim struct {
	index    int
	ids      []int64
	advanced bool
	inFlight int
}

func (c claim) sweep() bool { return c.index < 0 }

func (c claim) batchID(queueID string) string {
	if c.sweep() {
		return queueID + "_sweep"
	}
	return fmt.Sprintf("%s_%d", queueID, c.index)
}

// ProcessBatch runs the next unit of work of a queue. In batch mode it keeps
// going until the queue is finished; in sequential mode it processes one batch
// and schedules the next. It reports true when the queue completed or its next
// batch was handed to the scheduler, and false when it aborted or deferred.
// Redelivered or overlapping invocations only pick accounts nobody is working on.
func (s *Service) ProcessBatch(ctx context.Context, groupID int64, queueID string) bool {
	log := ctxlog.With(ctx, "group_id", groupID, "queue_id", queueID)

	for {
		if ctx.Err() != nil {
			log.Warn("batch processing cancelled, resuming later", "error", ctx.Err())
			s.retryLater(ctx, log, groupID, queueID)
			return false
		}

		outcome := s.step(ctx, log, groupID, queueID)
		switch outcome {
		case stepContinue:
			continue
		case stepCompleted, stepScheduled:
			return true
		default:
			return false
		}
	}
}

func (s *Service) step(ctx context.Context, log *slog.Logger, groupID int64, queueID string) stepOutcome {
	settings := s.loadSettings(ctx)

	ids, err := s.state.loadWork(ctx, groupID, queueID)
	if errors.Is(err, kv.ErrNotFound) {
		log.Warn("work list missing, aborting batch")
		recordBatch(settings.ModeFor(groupID), "aborted")
		return stepAborted
	}
	if err != nil {
		log.Error("failed to load work list", "error", err)
		return s.retryLater(ctx, log, groupID, queueID)
	}

	c, st, err := s.claimBatch(ctx, groupID, queueID, ids, settings.BatchSize)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		log.Warn("queue status missing, aborting batch")
		recordBatch(settings.ModeFor(groupID), "aborted")
		return stepAborted
	case errors.Is(err, errQueueStopped), errors.Is(err, errGroupMismatch):
		log.Info("queue no longer processable", "reason", err)
		recordBatch(settings.ModeFor(groupID), "aborted")
		return stepAborted
	case err != nil:
		log.Error("failed to claim batch", "error", err)
		return s.retryLater(ctx, log, groupID, queueID)
	}

	mode := st.Mode
	if !mode.IsValid() {
		mode = settings.ModeFor(groupID)
	}

	if c.advanced {
		return stepContinue
	}

	if len(c.ids) == 0 {
		if c.inFlight > 0 {
			log.Info("accounts still in flight, rechecking later", "processing", c.inFlight)
			task := BatchTask{GroupID: groupID, QueueID: queueID, Batch: RetryBatch}
			s.schedule(ctx, task, s.config.StallWindow)
			recordBatch(mode, "deferred")
			return stepDeferred
		}
		return s.finish(ctx, log, groupID, queueID)
	}

	s.throttle(ctx)

	outcome := "processed"
	var folded *QueueStatus
	switch {
	case s.fetcher == nil:
		log.Error(msgFetcherMissing)
		outcome = "failed"
		folded, err = s.failClaim(ctx, groupID, queueID, c, msgFetcherMissing)
	case mode == ModeSequential:
		folded, err = s.runSequential(ctx, log, groupID, queueID, c)
	default:
		folded, err = s.runParallel(ctx, groupID, queueID, c)
	}

	if ctx.Err() != nil {
		// Claimed accounts stay processing and are reclaimed after the stall window.
		log.Warn("batch interrupted, resuming later", "batch", c.index, "error", ctx.Err())
		recordBatch(mode, "interrupted")
		return s.retryLater(ctx, log, groupID, queueID)
	}
	if err != nil {
		log.Error("failed to record batch results", "batch", c.index, "error", err)
		folded, err = s.failClaim(ctx, groupID, queueID, c, msgStateWrite)
		if err != nil {
			log.Error("failed to mark batch failed", "batch", c.index, "error", err)
			recordBatch(mode, "retry")
			return s.retryLater(ctx, log, groupID, queueID)
		}
		outcome = "failed"
	}
	recordBatch(mode, outcome)

	log.Info("batch processed",
		"batch", c.index,
		"accounts", len(c.ids),
		"completed", folded.Completed,
		"total", folded.Total,
	)

	if allTerminal(folded, ids) {
		return s.finish(ctx, log, groupID, queueID)
	}
	if mode == ModeBatch {
		return stepContinue
	}
	return s.scheduleNext(ctx, log, folded, c)
}

// claimBatch marks the next batch of accounts as processing. When the current
// window holds nothing to do it advances the cursor instead. Past the end of
// the work list it sweeps for leftovers anywhere in the queue.
func (s *Service) claimBatch(ctx context.Context, groupID int64, queueID string, ids []int64, size int) (claim, *QueueStatus, error) {
	if size < 1 {
		size = 1
	}
	now := s.now()
	stallBefore := now.Add(-s.config.StallWindow).Unix()

	var c claim
	st, err := s.state.updateStatus(ctx, groupID, queueID, func(st *QueueStatus) error {
		c = claim{}
		if !st.IsRunning {
			return errQueueStopped
		}
		if st.GroupID != groupID {
			return errGroupMismatch
		}

		start := st.CurrentBatch * size
		if start < len(ids) {
			c.index = st.CurrentBatch
			c.ids = claimable(st, ids[start:min(start+size, len(ids))], stallBefore, size)
			if len(c.ids) == 0 {
				st.CurrentBatch++
				st.LastUpdate = now.Unix()
				c.advanced = true
				return nil
			}
		} else {
			c.index = -1
			c.ids = claimable(st, ids, stallBefore, size)
			if len(c.ids) == 0 {
				c.inFlight = st.countStatus(StatusProcessing)
				return errSkipWrite
			}
		}

		for _, id := range c.ids {
			st.Accounts[id] = &AccountProgress{Status: StatusProcessing, StartTime: now.Unix()}
		}
		st.LastUpdate = now.Unix()
		if c.sweep() {
			st.Message = "retrying leftover accounts"
		} else {
			st.Message = fmt.Sprintf("processing batch %d", c.index+1)
		}
		return nil
	})
	return c, st, err
}

// claimable returns up to limit accounts that are pending, or processing but
// not touched since stallBefore.
func claimable(st *QueueStatus, ids []int64, stallBefore int64, limit int) []int64 {
	var out []int64
	for _, id := range ids {
		if len(out) == limit {
			break
		}
		p, ok := st.Accounts[id]
		if !ok || p.Status == StatusPending {
			out = append(out, id)
			continue
		}
		if p.Status == StatusProcessing && p.StartTime < stallBefore {
			out = append(out, id)
		}
	}
	return out
}

func (s *Service) runParallel(ctx context.Context, groupID int64, queueID string, c claim) (*QueueStatus, error) {
	results := s.fetcher.FetchMany(ctx, c.ids, c.batchID(queueID))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for id, res := range results {
		results[id] = s.persist(ctx, res)
	}
	return s.fold(ctx, groupID, queueID, c, results)
}

func (s *Service) runSequential(ctx context.Context, log *slog.Logger, groupID int64, queueID string, c claim) (*QueueStatus, error) {
	batchID := c.batchID(queueID)
	for i, id := range c.ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i > 0 {
			begin := s.now().Unix()
			_, err := s.state.updateStatus(ctx, groupID, queueID, func(st *QueueStatus) error {
				if p, ok := st.Accounts[id]; ok && p.Status == StatusProcessing {
					p.StartTime = begin
				}
				st.LastUpdate = begin
				return nil
			})
			if err != nil {
				log.Warn("failed to refresh account start time", "account_id", id, "error", err)
			}
		}

		fetched := s.fetcher.FetchOne(ctx, id, batchID)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := s.persist(ctx, fetched)
		if _, err := s.fold(ctx, groupID, queueID, claim{index: c.index, ids: []int64{id}}, map[int64]provider.Result{id: res}); err != nil {
			return nil, err
		}
	}
	return s.fold(ctx, groupID, queueID, c, nil)
}

// persist hands a fetched result to the sink. A sink failure fails the account.
func (s *Service) persist(ctx context.Context, res provider.Result) provider.Result {
	if s.sink == nil {
		return res
	}
	if err := s.sink.ApplyResult(ctx, res); err != nil {
		slog.Error("failed to save account data", "account_id", res.AccountID, "error", err)
		res.Success = false
		res.Message = "failed to save account data"
	}
	return res
}

// fold records results for the claimed accounts and advances the cursor past
// the claimed batch. Accounts already final are left alone.
func (s *Service) fold(ctx context.Context, groupID int64, queueID string, c claim, results map[int64]provider.Result) (*QueueStatus, error) {
	now := s.now().Unix()
	var applied []AccountStatus
	st, err := s.state.updateStatus(ctx, groupID, queueID, func(st *QueueStatus) error {
		applied = applied[:0]
		for id, res := range results {
			if applyResult(st, id, res, now) {
				applied = append(applied, st.Accounts[id].Status)
			}
		}
		if !c.sweep() {
			st.CurrentBatch = max(st.CurrentBatch, c.index+1)
		}
		st.LastUpdate = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, status := range applied {
		recordAccount(status)
	}
	return st, nil
}

// failClaim marks every still-unfinished claimed account as failed.
func (s *Service) failClaim(ctx context.Context, groupID int64, queueID string, c claim, message string) (*QueueStatus, error) {
	results := make(map[int64]provider.Result, len(c.ids))
	for _, id := range c.ids {
		results[id] = provider.Result{AccountID: id, Success: false, Message: message, Kind: provider.FailureInternal}
	}
	return s.fold(ctx, groupID, queueID, c, results)
}

// applyResult records one result and reports whether it changed the account.
func applyResult(st *QueueStatus, id int64, res provider.Result, now int64) bool {
	p, ok := st.Accounts[id]
	if !ok {
		p = &AccountProgress{StartTime: now}
		st.Accounts[id] = p
	}
	if p.Status.IsTerminal() {
		return false
	}

	if res.Success {
		p.Status = StatusSuccess
		p.Message = res.Message
		if p.Message == "" {
			p.Message = msgUpdated
		}
	} else {
		p.Status = StatusFailed
		p.Message = res.Message
	}
	p.EndTime = now
	if res.Snapshot != nil {
		p.ConnectionStatus = res.Snapshot.ConnectionStatus
	}

	st.Success = st.countStatus(StatusSuccess)
	st.Failed = st.countStatus(StatusFailed)
	st.Completed = st.Success + st.Failed
	return true
}

func allTerminal(st *QueueStatus, ids []int64) bool {
	for _, id := range ids {
		p, ok := st.Accounts[id]
		if !ok || !p.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func (s *Service) finish(ctx context.Context, log *slog.Logger, groupID int64, queueID string) stepOutcome {
	if err := s.CompleteQueue(ctx, groupID, queueID); err != nil {
		log.Error("failed to complete queue", "error", err)
		return s.retryLater(ctx, log, groupID, queueID)
	}
	return stepCompleted
}

// scheduleNext hands the next sequential batch to the scheduler, falling back
// to processing it in place when scheduling is unavailable. A sweep does not
// move the cursor, so its follow-up is scheduled without a batch identity.
func (s *Service) scheduleNext(ctx context.Context, log *slog.Logger, st *QueueStatus, c claim) stepOutcome {
	task := BatchTask{GroupID: st.GroupID, QueueID: st.QueueID, Batch: st.CurrentBatch}
	if c.sweep() {
		task.Batch = RetryBatch
	}

	if s.scheduler != nil && !c.sweep() {
		scheduled, err := s.scheduler.IsScheduled(ctx, task)
		if err != nil {
			log.Warn("failed to check scheduled batch", "batch", task.Batch, "error", err)
		}
		if scheduled {
			return stepScheduled
		}
	}

	if s.schedule(ctx, task, s.config.SequentialDelay) {
		return stepScheduled
	}

	log.Warn("next batch not scheduled, continuing synchronously", "batch", task.Batch)
	s.sleep(ctx, s.config.SequentialDelay)
	return stepContinue
}

// retryLater reschedules the queue after a state store failure or cancellation.
func (s *Service) retryLater(ctx context.Context, log *slog.Logger, groupID int64, queueID string) stepOutcome {
	task := BatchTask{GroupID: groupID, QueueID: queueID, Batch: RetryBatch}
	if !s.schedule(ctx, task, s.config.StructuralRetryDelay) {
		log.Error("could not schedule retry; queue will be reported as timed out if it stays idle")
	}
	return stepDeferred
}

// throttle sleeps a random delay when several queues run at once.
func (s *Service) throttle(ctx context.Context) {
	running := s.runningQueues(ctx)
	if running <= 1 {
		recordThrottle(running, 0)
		return
	}

	ceiling := min(s.config.ThrottleUnit*time.Duration(running), s.config.ThrottleMaxDelay)
	if ceiling <= 0 {
		recordThrottle(running, 0)
		return
	}
	delay := time.Duration(s.randN(int64(ceiling) + 1))
	recordThrottle(running, delay)
	s.sleep(ctx, delay)
}

func (s *Service) runningQueues(ctx context.Context) int {
	groups, err := s.registry.Groups(ctx)
	if err != nil {
		slog.Warn("failed to count running queues", "error", err)
		return 0
	}

	running := 0
	for _, g := range groups {
		entries, err := s.registry.List(ctx, g)
		if err != nil {
			continue
		}
		for _, e := range entries {
			st, err := s.state.loadStatus(ctx, g, e.QueueID)
			if err == nil && st.IsRunning {
				running++
			}
		}
	}
	return running
}
