package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/contest-sync/internal/kv"
)

const completedProgress = 99

// CleanupOptions select which stopped queues are removed.
type CleanupOptions struct {
	OlderThan        time.Duration
	MinProgress      float64
	MaxProgress      float64
	IncludeCompleted bool
	DryRun           bool
}

// DefaultCleanupOptions removes every stopped, unfinished queue older than an hour.
func DefaultCleanupOptions() CleanupOptions {
	return CleanupOptions{
		OlderThan:   time.Hour,
		MinProgress: 0,
		MaxProgress: 100,
		DryRun:      true,
	}
}

// QueueAnalysis explains the cleanup decision for one queue.
type QueueAnalysis struct {
	QueueID   string  `json:"queue_id"`
	GroupID   int64   `json:"group_id"`
	Reason    string  `json:"reason"`
	AgeHours  float64 `json:"age_hours"`
	Progress  float64 `json:"progress_percent"`
	Accounts  int     `json:"accounts"`
	IsRunning bool    `json:"is_running"`
}

// CleanupReport lists what a cleanup run analyzed and did.
type CleanupReport struct {
	DryRun    bool            `json:"dry_run"`
	Analyzed  int             `json:"analyzed"`
	Eligible  []QueueAnalysis `json:"eligible"`
	Preserved []QueueAnalysis `json:"preserved"`
	Cleaned   []QueueAnalysis `json:"cleaned"`
	Orphans   int             `json:"orphaned_entries"`
	Errors    []string        `json:"errors"`
	Summary   string          `json:"summary"`
}

// Cleanup removes stale queues. Running queues are never touched. In a dry run
// nothing is written, including registry pruning.
func (s *Service) Cleanup(ctx context.Context, opts CleanupOptions) (*CleanupReport, error) {
	if opts.MaxProgress <= 0 {
		opts.MaxProgress = 100
	}
	if opts.MinProgress > opts.MaxProgress {
		return nil, fmt.Errorf("min progress %.1f exceeds max progress %.1f", opts.MinProgress, opts.MaxProgress)
	}

	groups, err := s.registry.Groups(ctx)
	if err != nil {
		return nil, err
	}

	report := &CleanupReport{
		DryRun:    opts.DryRun,
		Eligible:  []QueueAnalysis{},
		Preserved: []QueueAnalysis{},
		Cleaned:   []QueueAnalysis{},
		Errors:    []string{},
	}
	now := s.now()

	for _, g := range groups {
		entries, err := s.registry.List(ctx, g)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}

		var orphans []string
		for _, e := range entries {
			st, err := s.state.loadStatus(ctx, g, e.QueueID)
			if errors.Is(err, kv.ErrNotFound) {
				orphans = append(orphans, e.QueueID)
				continue
			}
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", e.QueueID, err))
				continue
			}

			report.Analyzed++
			a, eligible := classifyForCleanup(st, now, opts)
			if !eligible {
				report.Preserved = append(report.Preserved, a)
				continue
			}
			report.Eligible = append(report.Eligible, a)

			if opts.DryRun {
				continue
			}
			if err := s.removeQueue(ctx, g, e.QueueID, st.CurrentBatch); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", e.QueueID, err))
				continue
			}
			report.Cleaned = append(report.Cleaned, a)
		}

		report.Orphans += len(orphans)
		if !opts.DryRun && len(orphans) > 0 {
			if err := s.registry.Prune(ctx, g, orphans); err != nil {
				report.Errors = append(report.Errors, err.Error())
			}
		}
	}

	if opts.DryRun {
		report.Summary = fmt.Sprintf("dry run: %d of %d queues would be removed", len(report.Eligible), report.Analyzed)
	} else {
		report.Summary = fmt.Sprintf("removed %d of %d queues", len(report.Cleaned), report.Analyzed)
	}

	slog.Info("queue cleanup finished",
		"dry_run", opts.DryRun,
		"analyzed", report.Analyzed,
		"eligible", len(report.Eligible),
		"cleaned", len(report.Cleaned),
		"orphans", report.Orphans,
		"errors", len(report.Errors),
	)
	return report, nil
}

// classifyForCleanup uses the stored running flag only; timeouts are applied
// by status reads, not here.
func classifyForCleanup(st *QueueStatus, now time.Time, opts CleanupOptions) (QueueAnalysis, bool) {
	age := now.Sub(time.Unix(st.StartTime, 0))
	a := QueueAnalysis{
		QueueID:   st.QueueID,
		GroupID:   st.GroupID,
		AgeHours:  age.Hours(),
		Progress:  st.Progress(),
		Accounts:  st.Total,
		IsRunning: st.IsRunning,
	}

	switch {
	case st.IsRunning:
		a.Reason = "queue is running"
		return a, false
	case age < opts.OlderThan:
		a.Reason = fmt.Sprintf("younger than %s", opts.OlderThan)
		return a, false
	case a.Progress < opts.MinProgress || a.Progress > opts.MaxProgress:
		a.Reason = fmt.Sprintf("progress %.1f%% outside %.0f-%.0f%%", a.Progress, opts.MinProgress, opts.MaxProgress)
		return a, false
	case a.Progress >= completedProgress && !opts.IncludeCompleted:
		a.Reason = "queue is complete"
		return a, false
	}

	a.Reason = "stopped and stale"
	return a, true
}
