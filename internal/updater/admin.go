package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bissquit/contest-sync/internal/kv"
)

// ClearedQueue is one queue removed by ClearAll.
type ClearedQueue struct {
	GroupID    int64  `json:"group_id"`
	QueueID    string `json:"queue_id"`
	WasRunning bool   `json:"was_running"`
}

// ClearReport is the outcome of an emergency clear.
type ClearReport struct {
	Cleared []ClearedQueue `json:"cleared"`
	Errors  []string       `json:"errors"`
	Message string         `json:"message"`
}

// DeleteQueue removes one queue whether or not it is running: its status, work
// list, registry entry and pending batch task. A batch already in flight aborts
// at its next step.
func (s *Service) DeleteQueue(ctx context.Context, groupID int64, queueID string) error {
	next := RetryBatch
	running := false

	st, err := s.state.loadStatus(ctx, groupID, queueID)
	switch {
	case err == nil:
		next = st.CurrentBatch
		running = st.IsRunning
	case errors.Is(err, kv.ErrNotFound):
		registered, err := s.registry.Contains(ctx, groupID, queueID)
		if err != nil {
			return err
		}
		if !registered {
			return ErrQueueNotFound
		}
	default:
		return fmt.Errorf("load status: %w", err)
	}

	if err := s.removeQueue(ctx, groupID, queueID, next); err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	if running {
		recordQueueFinished("deleted")
	}

	slog.Info("update queue deleted", "group_id", groupID, "queue_id", queueID, "was_running", running)
	return nil
}

// ClearAll deletes every registered queue in every group and resets the
// recurring trigger's last-run marker so new queues can start at once.
func (s *Service) ClearAll(ctx context.Context) (*ClearReport, error) {
	groups, err := s.registry.Groups(ctx)
	if err != nil {
		return nil, err
	}

	report := &ClearReport{Cleared: []ClearedQueue{}, Errors: []string{}}
	for _, g := range groups {
		entries, err := s.registry.List(ctx, g)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}

		for _, e := range entries {
			c := ClearedQueue{GroupID: g, QueueID: e.QueueID}
			next := RetryBatch
			st, err := s.state.loadStatus(ctx, g, e.QueueID)
			switch {
			case err == nil:
				next = st.CurrentBatch
				c.WasRunning = st.IsRunning
			case !errors.Is(err, kv.ErrNotFound):
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", e.QueueID, err))
			}

			if err := s.removeQueue(ctx, g, e.QueueID, next); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", e.QueueID, err))
				continue
			}
			if c.WasRunning {
				recordQueueFinished("deleted")
			}
			report.Cleared = append(report.Cleared, c)
		}
	}

	if err := s.state.kv.Delete(ctx, autoUpdateKey); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("reset auto update marker: %v", err))
	}

	report.Message = fmt.Sprintf("cleared %d queue(s)", len(report.Cleared))
	slog.Info("all update queues cleared", "cleared", len(report.Cleared), "errors", len(report.Errors))
	return report, nil
}

// removeQueue deletes a queue's records and its pending task for batch next.
func (s *Service) removeQueue(ctx context.Context, groupID int64, queueID string, next int) error {
	s.unschedule(ctx, BatchTask{GroupID: groupID, QueueID: queueID, Batch: next})

	if err := s.state.deleteStatus(ctx, groupID, queueID); err != nil {
		return fmt.Errorf("delete status: %w", err)
	}
	if err := s.state.deleteWork(ctx, groupID, queueID); err != nil {
		return fmt.Errorf("delete work list: %w", err)
	}
	return s.registry.Remove(ctx, groupID, queueID)
}

// unschedule drops a waiting batch task. Tasks without a batch identity
// cannot be looked up and abort on their own once the queue is gone.
func (s *Service) unschedule(ctx context.Context, task BatchTask) {
	if s.scheduler == nil || task.Batch < 0 {
		return
	}
	if err := s.scheduler.Unschedule(ctx, task); err != nil {
		slog.Warn("failed to unschedule batch",
			"group_id", task.GroupID,
			"queue_id", task.QueueID,
			"batch", task.Batch,
			"error", err,
		)
	}
}
