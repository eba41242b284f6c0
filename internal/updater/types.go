// Package updater implements the account-update queue engine: it splits a set of
// accounts into batches, fetches them through the provider, persists progress in
// the key-value state store and finalizes or garbage-collects queues.
package updater

import (
	"context"
	"time"

	"github.com/bissquit/contest-sync/internal/provider"
)

// AccountStatus is the per-account state within a queue.
type AccountStatus string

// Account statuses.
const (
	StatusPending    AccountStatus = "pending"
	StatusProcessing AccountStatus = "processing"
	StatusSuccess    AccountStatus = "success"
	StatusFailed     AccountStatus = "failed"
)

// IsTerminal reports whether the account has a final outcome.
func (s AccountStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Mode selects how accounts inside a batch are fetched.
type Mode string

// Processing modes. ModeBatch fetches a batch concurrently.
const (
	ModeSequential Mode = "sequential"
	ModeBatch      Mode = "batch"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	return m == ModeSequential || m == ModeBatch
}

// InitiatorKind tells whether a queue was created by a person or by the recurring trigger.
type InitiatorKind string

// Initiator kinds.
const (
	InitiatorManual InitiatorKind = "manual"
	InitiatorAuto   InitiatorKind = "auto"
)

// Initiator records who created a queue.
type Initiator struct {
	Kind     InitiatorKind `json:"kind"`
	Identity string        `json:"identity,omitempty"`
}

// AccountProgress is the state of one account within a queue.
type AccountProgress struct {
	Status           AccountStatus `json:"status"`
	Message          string        `json:"message"`
	StartTime        int64         `json:"start_time"`
	EndTime          int64         `json:"end_time"`
	ConnectionStatus string        `json:"connection_status,omitempty"`
}

// QueueStatus is the persisted summary of one queue run.
// Timestamps are seconds since the Unix epoch. GroupID 0 is the global group.
type QueueStatus struct {
	QueueID       string                     `json:"queue_id"`
	GroupID       int64                      `json:"group_id"`
	Total         int                        `json:"total"`
	Completed     int                        `json:"completed"`
	Success       int                        `json:"success"`
	Failed        int                        `json:"failed"`
	CurrentBatch  int                        `json:"current_batch"`
	Mode          Mode                       `json:"processing_mode"`
	IsRunning     bool                       `json:"is_running"`
	StartTime     int64                      `json:"start_time"`
	LastUpdate    int64                      `json:"last_update"`
	EndTime       int64                      `json:"end_time"`
	Accounts      map[int64]*AccountProgress `json:"accounts"`
	Initiator     Initiator                  `json:"initiator"`
	Message       string                     `json:"message"`
	TimedOut      bool                       `json:"timed_out,omitempty"`
	TimeoutReason string                     `json:"timeout_reason,omitempty"`
	Successor     string                     `json:"successor,omitempty"`
	NotFound      bool                       `json:"not_found,omitempty"`
}

// Progress returns the completed share in percent.
func (q *QueueStatus) Progress() float64 {
	if q.Total == 0 {
		return 0
	}
	return float64(q.Completed) * 100 / float64(q.Total)
}

func (q *QueueStatus) countStatus(status AccountStatus) int {
	n := 0
	for _, p := range q.Accounts {
		if p.Status == status {
			n++
		}
	}
	return n
}

// GroupStatus aggregates every registered queue of a group.
type GroupStatus struct {
	GroupID     int64          `json:"group_id"`
	IsRunning   bool           `json:"is_running"`
	Message     string         `json:"message"`
	Total       int            `json:"total"`
	Completed   int            `json:"completed"`
	Progress    float64        `json:"progress_percent"`
	QueuesCount int            `json:"queues_count"`
	Queues      []*QueueStatus `json:"queues"`
}

// HistoryRecord is one entry of the rolling completion history.
type HistoryRecord struct {
	ID           string    `json:"id"`
	QueueID      string    `json:"queue_id"`
	GroupID      int64     `json:"group_id"`
	StartTime    int64     `json:"start_time"`
	EndTime      int64     `json:"end_time"`
	Total        int       `json:"total"`
	Success      int       `json:"success"`
	Failed       int       `json:"failed"`
	Mode         Mode      `json:"processing_mode"`
	Initiator    Initiator `json:"initiator"`
	IsAutoUpdate bool      `json:"is_auto_update"`
}

// CreateRequest describes a queue to create.
type CreateRequest struct {
	AccountIDs []int64
	GroupID    int64
	Initiator  Initiator
	// ExactGroup keeps GroupID as given, so a zero GroupID stays global
	// instead of being derived from the first account.
	ExactGroup bool
}

// CreateResult is returned by CreateQueue.
type CreateResult struct {
	Accepted  bool   `json:"accepted"`
	QueueID   string `json:"queue_id,omitempty"`
	GroupID   int64  `json:"group_id"`
	Total     int    `json:"total"`
	Mode      Mode   `json:"processing_mode,omitempty"`
	Scheduled bool   `json:"scheduled"`
	Message   string `json:"message"`
}

// RetryBatch marks a BatchTask that rechecks a queue rather than starting a
// specific batch. Such tasks are never deduplicated.
const RetryBatch = -1

// BatchTask identifies one scheduled Batch Processor run.
type BatchTask struct {
	GroupID int64  `json:"group_id"`
	QueueID string `json:"queue_id"`
	Batch   int    `json:"batch"`
}

// Scheduler runs batches later. Delivery is at least once.
type Scheduler interface {
	ScheduleBatch(ctx context.Context, task BatchTask, delay time.Duration) error
	IsScheduled(ctx context.Context, task BatchTask) (bool, error)
	Unschedule(ctx context.Context, task BatchTask) error
}

// Fetcher fetches account data from the provider.
type Fetcher interface {
	FetchOne(ctx context.Context, accountID int64, batchID string) provider.Result
	FetchMany(ctx context.Context, accountIDs []int64, batchID string) map[int64]provider.Result
}

// ResultSink persists fetched snapshots into the relational store.
type ResultSink interface {
	ApplyResult(ctx context.Context, result provider.Result) error
}

// GroupSource enumerates groups and their accounts for the recurring trigger.
type GroupSource interface {
	ActiveContests(ctx context.Context) ([]int64, error)
	AccountsForUpdate(ctx context.Context, contestID int64) ([]int64, error)
	AccountContest(ctx context.Context, accountID int64) (int64, error)
}
