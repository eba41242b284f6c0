// Package accounts manages contest trading accounts and their change history.
package accounts

import (
	"time"

	"github.com/bissquit/contest-sync/internal/provider"
)

// Contest statuses.
const (
	ContestDraft    = "draft"
	ContestActive   = "active"
	ContestFinished = "finished"
	ContestArchived = "archived"
)

// Contest is the logical group that owns accounts.
type Contest struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// Account is a contest participant's trading account.
type Account struct {
	ID                 int64      `json:"id"`
	ContestID          int64      `json:"contest_id"`
	Login              string     `json:"login"`
	Password           string     `json:"-"`
	Server             string     `json:"server"`
	Terminal           string     `json:"terminal"`
	Balance            float64    `json:"balance"`
	Equity             float64    `json:"equity"`
	Margin             float64    `json:"margin"`
	Profit             float64    `json:"profit"`
	Leverage           float64    `json:"leverage"`
	OrdersTotal        int        `json:"orders_total"`
	OrdersHistoryTotal int        `json:"orders_history_total"`
	Currency           string     `json:"currency"`
	Broker             string     `json:"broker"`
	Name               string     `json:"name"`
	AccountType        string     `json:"account_type"`
	ConnectionStatus   string     `json:"connection_status"`
	ErrorDescription   string     `json:"error_description"`
	LastHistoryTime    int64      `json:"last_history_time"`
	LastUpdate         *time.Time `json:"last_update,omitempty"`
}

// IsDisqualified reports whether the account was disqualified from its contest.
func (a *Account) IsDisqualified() bool {
	return a.ConnectionStatus == provider.StatusDisqualified
}

// Change is one row of the append-only account history.
type Change struct {
	AccountID     int64    `json:"account_id"`
	Field         string   `json:"field"`
	OldValue      string   `json:"old_value"`
	NewValue      string   `json:"new_value"`
	ChangePercent *float64 `json:"change_percent,omitempty"`
}
