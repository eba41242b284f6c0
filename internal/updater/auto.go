package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/bissquit/contest-sync/internal/kv"
)

const autoInitiatorIdentity = "scheduler"

// AutoUpdateSkip records a group the recurring trigger left alone.
type AutoUpdateSkip struct {
	GroupID int64  `json:"group_id"`
	Reason  string `json:"reason"`
}

// AutoUpdateReport is the outcome of one recurring trigger run.
type AutoUpdateReport struct {
	Ran           bool             `json:"ran"`
	SkippedReason string           `json:"skipped_reason,omitempty"`
	Created       []*CreateResult  `json:"created"`
	Skipped       []AutoUpdateSkip `json:"skipped"`
}

// RunAutoUpdate creates queues for every active group that has no running
// queue. Unless force is set it honors the enabled flag and the interval since
// the previous run.
func (s *Service) RunAutoUpdate(ctx context.Context, force bool) (*AutoUpdateReport, error) {
	if s.groups == nil {
		return nil, ErrNoGroupSource
	}

	report := &AutoUpdateReport{Created: []*CreateResult{}, Skipped: []AutoUpdateSkip{}}
	settings := s.loadSettings(ctx)
	now := s.now()

	if !force {
		if !settings.AutoUpdateEnabled {
			report.SkippedReason = "auto update disabled"
			return report, nil
		}
		last, err := s.lastAutoUpdate(ctx)
		if err != nil {
			return nil, err
		}
		if !last.IsZero() && now.Sub(last) < settings.AutoUpdateInterval() {
			report.SkippedReason = fmt.Sprintf("last run %s ago, interval %s",
				now.Sub(last).Round(time.Second), settings.AutoUpdateInterval())
			return report, nil
		}
	}

	if err := s.state.kv.Set(ctx, autoUpdateKey, []byte(strconv.FormatInt(now.Unix(), 10))); err != nil {
		return nil, fmt.Errorf("record auto update run: %w", err)
	}
	report.Ran = true

	contests, err := s.groups.ActiveContests(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active contests: %w", err)
	}

	for _, g := range contests {
		running, err := s.groupRunning(ctx, g)
		if err != nil {
			report.Skipped = append(report.Skipped, AutoUpdateSkip{GroupID: g, Reason: err.Error()})
			continue
		}
		if running {
			report.Skipped = append(report.Skipped, AutoUpdateSkip{GroupID: g, Reason: "update already running"})
			continue
		}

		ids, err := s.groups.AccountsForUpdate(ctx, g)
		if err != nil {
			report.Skipped = append(report.Skipped, AutoUpdateSkip{GroupID: g, Reason: err.Error()})
			continue
		}
		if len(ids) == 0 {
			report.Skipped = append(report.Skipped, AutoUpdateSkip{GroupID: g, Reason: "no accounts to update"})
			continue
		}

		res, err := s.CreateQueue(ctx, CreateRequest{
			AccountIDs: ids,
			GroupID:    g,
			Initiator:  Initiator{Kind: InitiatorAuto, Identity: autoInitiatorIdentity},
		})
		if err != nil {
			report.Skipped = append(report.Skipped, AutoUpdateSkip{GroupID: g, Reason: err.Error()})
			continue
		}
		report.Created = append(report.Created, res)
	}

	slog.Info("auto update finished",
		"force", force,
		"contests", len(contests),
		"created", len(report.Created),
		"skipped", len(report.Skipped),
	)
	return report, nil
}

func (s *Service) lastAutoUpdate(ctx context.Context) (time.Time, error) {
	raw, err := s.state.kv.Get(ctx, autoUpdateKey)
	if errors.Is(err, kv.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load last auto update: %w", err)
	}
	sec, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.Unix(sec, 0), nil
}

func (s *Service) groupRunning(ctx context.Context, groupID int64) (bool, error) {
	agg, err := s.GroupStatus(ctx, groupID)
	if err != nil {
		return false, err
	}
	return agg.IsRunning, nil
}

// RequeueUnfinished starts a new queue with the accounts a stopped queue never
// finished, in their original order, and completes the old queue.
func (s *Service) RequeueUnfinished(ctx context.Context, groupID int64, queueID string, initiator Initiator) (*CreateResult, error) {
	st, err := s.QueueStatus(ctx, groupID, queueID)
	if err != nil {
		return nil, err
	}
	if st.NotFound {
		return nil, ErrQueueNotFound
	}
	if st.IsRunning {
		return nil, ErrQueueRunning
	}

	order, err := s.state.loadWork(ctx, groupID, queueID)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("load work list: %w", err)
	}
	if len(order) == 0 {
		for id := range st.Accounts {
			order = append(order, id)
		}
		slices.Sort(order)
	}

	var unfinished []int64
	for _, id := range order {
		if p, ok := st.Accounts[id]; ok && !p.Status.IsTerminal() {
			unfinished = append(unfinished, id)
		}
	}
	if len(unfinished) == 0 {
		return nil, ErrNothingToRequeue
	}

	res, err := s.CreateQueue(ctx, CreateRequest{AccountIDs: unfinished, GroupID: groupID, Initiator: initiator, ExactGroup: true})
	if err != nil {
		return nil, err
	}

	_, err = s.state.updateStatus(ctx, groupID, queueID, func(old *QueueStatus) error {
		old.Successor = res.QueueID
		old.Message = fmt.Sprintf("%d unfinished account(s) moved to queue %s", len(unfinished), res.QueueID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("link successor queue: %w", err)
	}
	if err := s.CompleteQueue(ctx, groupID, queueID); err != nil {
		return nil, err
	}

	slog.Info("unfinished accounts requeued",
		"group_id", groupID,
		"queue_id", queueID,
		"successor", res.QueueID,
		"accounts", len(unfinished),
	)
	return res, nil
}
