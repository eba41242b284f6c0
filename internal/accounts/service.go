package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/bissquit/contest-sync/internal/provider"
)

// DefaultThresholds returns the minimum relative change, in percent, that is
// recorded in history for each financial field.
func DefaultThresholds() map[string]float64 {
	return map[string]float64{
		"balance":  2,
		"equity":   2,
		"margin":   2,
		"profit":   1000,
		"leverage": 2,
	}
}

// Service reads account credentials and persists provider results.
type Service struct {
	repo       Repository
	thresholds map[string]float64
	now        func() time.Time
}

// NewService creates a new accounts service.
func NewService(repo Repository) *Service {
	return &Service{
		repo:       repo,
		thresholds: DefaultThresholds(),
		now:        time.Now,
	}
}

// Credentials returns the provider credentials for an account.
func (s *Service) Credentials(ctx context.Context, accountID int64) (provider.Credentials, error) {
	acc, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return provider.Credentials{}, err
	}
	return provider.Credentials{
		AccountID:       acc.ID,
		Login:           acc.Login,
		Password:        acc.Password,
		Server:          acc.Server,
		Terminal:        acc.Terminal,
		LastHistoryTime: acc.LastHistoryTime,
	}, nil
}

// AccountContest returns the contest that owns the account.
func (s *Service) AccountContest(ctx context.Context, accountID int64) (int64, error) {
	acc, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acc.ContestID, nil
}

// ActiveContests returns the ids of contests in the active state.
func (s *Service) ActiveContests(ctx context.Context) ([]int64, error) {
	contests, err := s.repo.ListActiveContests(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active contests: %w", err)
	}
	ids := make([]int64, 0, len(contests))
	for _, c := range contests {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// AccountsForUpdate returns the accounts of a contest due for a refresh.
// Disqualified accounts are included once a day.
func (s *Service) AccountsForUpdate(ctx context.Context, contestID int64) ([]int64, error) {
	ids, err := s.repo.ListAccountsForUpdate(ctx, contestID, s.now().Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("list accounts for update: %w", err)
	}
	return ids, nil
}

// ApplyResult persists a provider result. Transport and protocol failures carry
// no snapshot and leave the account untouched. A disqualified account never
// changes its connection status.
func (s *Service) ApplyResult(ctx context.Context, result provider.Result) error {
	if result.Snapshot == nil {
		return nil
	}

	current, err := s.repo.GetAccount(ctx, result.AccountID)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}

	now := s.now()
	next := *current
	next.LastUpdate = &now

	if result.Success {
		snap := result.Snapshot
		next.Balance = snap.Balance
		next.Equity = snap.Equity
		next.Margin = snap.Margin
		next.Profit = snap.Profit
		next.Leverage = snap.Leverage
		next.OrdersTotal = snap.OrdersTotal
		next.OrdersHistoryTotal = snap.OrdersHistoryTotal
		next.Currency = snap.Currency
		next.Broker = snap.Broker
		next.Name = snap.Name
		next.AccountType = snap.AccountType
		if len(snap.OrderHistory) > 0 {
			next.LastHistoryTime = now.Unix()
		}
		if !current.IsDisqualified() {
			next.ConnectionStatus = snap.ConnectionStatus
			next.ErrorDescription = snap.ErrorDescription
		}
	} else {
		if current.IsDisqualified() {
			slog.Debug("keeping disqualified status", "account_id", current.ID)
			if err := s.repo.TouchAccount(ctx, current.ID, now); err != nil {
				return fmt.Errorf("touch account: %w", err)
			}
			return nil
		}
		next.ConnectionStatus = provider.StatusDisconnected
		next.ErrorDescription = result.Snapshot.ErrorDescription
	}

	changes := s.diff(current, &next)
	if err := s.repo.SaveSnapshot(ctx, &next, changes); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// diff returns history rows for every tracked field that changed enough.
func (s *Service) diff(old, next *Account) []Change {
	var changes []Change

	numeric := []struct {
		field    string
		old, new float64
	}{
		{"balance", old.Balance, next.Balance},
		{"equity", old.Equity, next.Equity},
		{"margin", old.Margin, next.Margin},
		{"profit", old.Profit, next.Profit},
		{"leverage", old.Leverage, next.Leverage},
	}
	for _, n := range numeric {
		if n.old == n.new {
			continue
		}
		c := Change{
			AccountID: next.ID,
			Field:     n.field,
			OldValue:  formatFloat(n.old),
			NewValue:  formatFloat(n.new),
		}
		if n.old != 0 {
			pct := math.Abs(n.new-n.old) / math.Abs(n.old) * 100
			if pct < s.thresholds[n.field] {
				continue
			}
			c.ChangePercent = &pct
		}
		changes = append(changes, c)
	}

	exact := []struct {
		field    string
		old, new string
	}{
		{"connection_status", old.ConnectionStatus, next.ConnectionStatus},
		{"error_description", old.ErrorDescription, next.ErrorDescription},
		{"orders_total", strconv.Itoa(old.OrdersTotal), strconv.Itoa(next.OrdersTotal)},
		{"orders_history_total", strconv.Itoa(old.OrdersHistoryTotal), strconv.Itoa(next.OrdersHistoryTotal)},
		{"currency", old.Currency, next.Currency},
		{"broker", old.Broker, next.Broker},
		{"name", old.Name, next.Name},
		{"account_type", old.AccountType, next.AccountType},
	}
	for _, e := range exact {
		if e.old != e.new {
			changes = append(changes, Change{AccountID: next.ID, Field: e.field, OldValue: e.old, NewValue: e.new})
		}
	}

	return changes
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
