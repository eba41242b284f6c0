package accounts

import (
	"context"
	"time"
)

// Repository defines the interface for account data access.
type Repository interface {
	GetAccount(ctx context.Context, id int64) (*Account, error)
	ListActiveContests(ctx context.Context) ([]Contest, error)
	// ListAccountsForUpdate returns ids of the contest's accounts that should be
	// refreshed: every non-disqualified account plus disqualified accounts whose
	// last update is older than staleBefore.
	ListAccountsForUpdate(ctx context.Context, contestID int64, staleBefore time.Time) ([]int64, error)
	// SaveSnapshot persists account fields and appends history rows atomically.
	SaveSnapshot(ctx context.Context, account *Account, changes []Change) error
	// TouchAccount refreshes last_update without changing any other field.
	TouchAccount(ctx context.Context, id int64, at time.Time) error
}
