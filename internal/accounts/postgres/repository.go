// Package postgres provides PostgreSQL implementation of accounts repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/contest-sync/internal/accounts"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements accounts.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// GetAccount retrieves an account by ID.
func (r *Repository) GetAccount(ctx context.Context, id int64) (*accounts.Account, error) {
	query := `
		SELECT id, contest_id, account_number, password, server, terminal,
		       balance, equity, margin, profit, leverage, orders_total, orders_history_total,
		       currency, broker, name, account_type, connection_status, error_description,
		       last_history_time, last_update
		FROM contest_accounts
		WHERE id = $1
	`
	var a accounts.Account
	err := r.db.QueryRow(ctx, query, id).Scan(
		&a.ID,
		&a.ContestID,
		&a.Login,
		&a.Password,
		&a.Server,
		&a.Terminal,
		&a.Balance,
		&a.Equity,
		&a.Margin,
		&a.Profit,
		&a.Leverage,
		&a.OrdersTotal,
		&a.OrdersHistoryTotal,
		&a.Currency,
		&a.Broker,
		&a.Name,
		&a.AccountType,
		&a.ConnectionStatus,
		&a.ErrorDescription,
		&a.LastHistoryTime,
		&a.LastUpdate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, accounts.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// ListActiveContests retrieves every contest in the active state.
func (r *Repository) ListActiveContests(ctx context.Context) ([]accounts.Contest, error) {
	query := `
		SELECT id, title, status
		FROM contests
		WHERE status = $1
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query, accounts.ContestActive)
	if err != nil {
		return nil, fmt.Errorf("list contests: %w", err)
	}
	defer rows.Close()

	var contests []accounts.Contest
	for rows.Next() {
		var c accounts.Contest
		if err := rows.Scan(&c.ID, &c.Title, &c.Status); err != nil {
			return nil, fmt.Errorf("scan contest: %w", err)
		}
		contests = append(contests, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contests: %w", err)
	}
	return contests, nil
}

// ListAccountsForUpdate retrieves the ids of accounts due for a refresh.
func (r *Repository) ListAccountsForUpdate(ctx context.Context, contestID int64, staleBefore time.Time) ([]int64, error) {
	query := `
		SELECT id
		FROM contest_accounts
		WHERE contest_id = $1
		  AND (connection_status <> 'disqualified'
		       OR last_update IS NULL
		       OR last_update < $2)
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query, contestID, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collect accounts: %w", err)
	}
	return ids, nil
}

// SaveSnapshot updates account fields and appends history rows in one transaction.
func (r *Repository) SaveSnapshot(ctx context.Context, a *accounts.Account, changes []accounts.Change) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		UPDATE contest_accounts
		SET balance = $2, equity = $3, margin = $4, profit = $5, leverage = $6,
		    orders_total = $7, orders_history_total = $8,
		    currency = $9, broker = $10, name = $11, account_type = $12,
		    connection_status = $13, error_description = $14,
		    last_history_time = $15, last_update = $16
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, query,
		a.ID,
		a.Balance,
		a.Equity,
		a.Margin,
		a.Profit,
		a.Leverage,
		a.OrdersTotal,
		a.OrdersHistoryTotal,
		a.Currency,
		a.Broker,
		a.Name,
		a.AccountType,
		a.ConnectionStatus,
		a.ErrorDescription,
		a.LastHistoryTime,
		a.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return accounts.ErrAccountNotFound
	}

	if len(changes) > 0 {
		batch := &pgx.Batch{}
		for _, c := range changes {
			batch.Queue(`
				INSERT INTO account_history (account_id, field_name, old_value, new_value, change_percent)
				VALUES ($1, $2, $3, $4, $5)
			`, c.AccountID, c.Field, c.OldValue, c.NewValue, c.ChangePercent)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// TouchAccount refreshes last_update.
func (r *Repository) TouchAccount(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE contest_accounts SET last_update = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return accounts.ErrAccountNotFound
	}
	return nil
}

// ListChanges returns the history rows of an account, newest first.
func (r *Repository) ListChanges(ctx context.Context, accountID int64) ([]accounts.Change, error) {
	query := `
		SELECT account_id, field_name, old_value, new_value, change_percent
		FROM account_history
		WHERE account_id = $1
		ORDER BY changed_at DESC, id DESC
	`
	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var changes []accounts.Change
	for rows.Next() {
		var c accounts.Change
		if err := rows.Scan(&c.AccountID, &c.Field, &c.OldValue, &c.NewValue, &c.ChangePercent); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}
