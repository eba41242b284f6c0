package accounts

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bissquit/contest-sync/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepository struct {
	accounts map[int64]*Account
	contests []Contest
	saved    []*Account
	changes  [][]Change
	touched  []int64
	stale    time.Time
}

func newMockRepository(accs ...*Account) *mockRepository {
	m := &mockRepository{accounts: make(map[int64]*Account)}
	for _, a := range accs {
		m.accounts[a.ID] = a
	}
	return m
}

func (m *mockRepository) GetAccount(_ context.Context, id int64) (*Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockRepository) ListActiveContests(_ context.Context) ([]Contest, error) {
	return m.contests, nil
}

func (m *mockRepository) ListAccountsForUpdate(_ context.Context, contestID int64, staleBefore time.Time) ([]int64, error) {
	m.stale = staleBefore
	var ids []int64
	for id, a := range m.accounts {
		if a.ContestID == contestID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *mockRepository) SaveSnapshot(_ context.Context, a *Account, changes []Change) error {
	m.saved = append(m.saved, a)
	m.changes = append(m.changes, changes)
	m.accounts[a.ID] = a
	return nil
}

func (m *mockRepository) TouchAccount(_ context.Context, id int64, _ time.Time) error {
	m.touched = append(m.touched, id)
	return nil
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newTestService(repo Repository) *Service {
	s := NewService(repo)
	s.now = fixedNow
	return s
}

func changedFields(changes []Change) []string {
	fields := make([]string, 0, len(changes))
	for _, c := range changes {
		fields = append(fields, c.Field)
	}
	return fields
}

func TestService_Credentials(t *testing.T) {
	repo := newMockRepository(&Account{ID: 1, ContestID: 7, Login: "123", Password: "pw", Server: "s", Terminal: "mt5", LastHistoryTime: 99})
	s := newTestService(repo)

	creds, err := s.Credentials(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, provider.Credentials{AccountID: 1, Login: "123", Password: "pw", Server: "s", Terminal: "mt5", LastHistoryTime: 99}, creds)

	_, err = s.Credentials(context.Background(), 2)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestService_AccountContest(t *testing.T) {
	s := newTestService(newMockRepository(&Account{ID: 1, ContestID: 7}))

	contestID, err := s.AccountContest(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(7), contestID)
}

func TestService_ActiveContests(t *testing.T) {
	repo := newMockRepository()
	repo.contests = []Contest{{ID: 3, Status: ContestActive}, {ID: 5, Status: ContestActive}}
	s := newTestService(repo)

	ids, err := s.ActiveContests(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5}, ids)
}

func TestService_AccountsForUpdate_DailyDisqualifiedWindow(t *testing.T) {
	repo := newMockRepository(&Account{ID: 1, ContestID: 7})
	s := newTestService(repo)

	ids, err := s.AccountsForUpdate(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)
	assert.Equal(t, fixedNow().Add(-24*time.Hour), repo.stale)
}

func TestService_ApplyResult_NoSnapshot(t *testing.T) {
	repo := newMockRepository(&Account{ID: 1})
	s := newTestService(repo)

	err := s.ApplyResult(context.Background(), provider.Result{AccountID: 1, Kind: provider.FailureTransport})
	require.NoError(t, err)
	assert.Empty(t, repo.saved)
	assert.Empty(t, repo.touched)
}

func TestService_ApplyResult_SuccessTracksChanges(t *testing.T) {
	repo := newMockRepository(&Account{
		ID: 1, Balance: 1000, Equity: 1000, Margin: 10, Profit: 5, Leverage: 100,
		ConnectionStatus: provider.StatusDisconnected, ErrorDescription: "bad password",
	})
	s := newTestService(repo)

	err := s.ApplyResult(context.Background(), provider.Result{
		AccountID: 1,
		Success:   true,
		Snapshot: &provider.Snapshot{
			Balance: 1010, Equity: 1100, Margin: 10, Profit: 40, Leverage: 100,
			ConnectionStatus: provider.StatusConnected,
			OrderHistory:     []json.RawMessage{json.RawMessage(`{}`)},
		},
	})
	require.NoError(t, err)
	require.Len(t, repo.saved, 1)

	saved := repo.saved[0]
	assert.InDelta(t, 1010, saved.Balance, 0.001)
	assert.Equal(t, provider.StatusConnected, saved.ConnectionStatus)
	assert.Empty(t, saved.ErrorDescription)
	assert.Equal(t, fixedNow().Unix(), saved.LastHistoryTime)
	require.NotNil(t, saved.LastUpdate)

	// balance moved 1% (below threshold), equity 10%, profit 700% (below 1000%)
	fields := changedFields(repo.changes[0])
	assert.ElementsMatch(t, []string{"equity", "connection_status", "error_description"}, fields)
	for _, c := range repo.changes[0] {
		if c.Field == "equity" {
			require.NotNil(t, c.ChangePercent)
			assert.InDelta(t, 10, *c.ChangePercent, 0.001)
		}
	}
}

func TestService_ApplyResult_FromZeroAlwaysRecorded(t *testing.T) {
	repo := newMockRepository(&Account{ID: 1, ConnectionStatus: provider.StatusConnected})
	s := newTestService(repo)

	err := s.ApplyResult(context.Background(), provider.Result{
		AccountID: 1,
		Success:   true,
		Snapshot:  &provider.Snapshot{Balance: 500, ConnectionStatus: provider.StatusConnected},
	})
	require.NoError(t, err)

	require.Len(t, repo.changes[0], 1)
	assert.Equal(t, "balance", repo.changes[0][0].Field)
	assert.Nil(t, repo.changes[0][0].ChangePercent)
}

func TestService_ApplyResult_BusinessFailure(t *testing.T) {
	repo := newMockRepository(&Account{ID: 1, Balance: 100, ConnectionStatus: provider.StatusConnected})
	s := newTestService(repo)

	err := s.ApplyResult(context.Background(), provider.Result{
		AccountID: 1,
		Kind:      provider.FailureBusiness,
		Snapshot:  &provider.Snapshot{ConnectionStatus: provider.StatusDisconnected, ErrorDescription: "Invalid password"},
	})
	require.NoError(t, err)

	saved := repo.saved[0]
	assert.Equal(t, provider.StatusDisconnected, saved.ConnectionStatus)
	assert.Equal(t, "Invalid password", saved.ErrorDescription)
	assert.InDelta(t, 100, saved.Balance, 0.001)
	assert.ElementsMatch(t, []string{"connection_status", "error_description"}, changedFields(repo.changes[0]))
}

func TestService_ApplyResult_DisqualifiedKeepsStatus(t *testing.T) {
	t.Run("failure only touches", func(t *testing.T) {
		repo := newMockRepository(&Account{ID: 1, ConnectionStatus: provider.StatusDisqualified})
		s := newTestService(repo)

		err := s.ApplyResult(context.Background(), provider.Result{
			AccountID: 1,
			Kind:      provider.FailureBusiness,
			Snapshot:  &provider.Snapshot{ConnectionStatus: provider.StatusDisconnected},
		})
		require.NoError(t, err)
		assert.Empty(t, repo.saved)
		assert.Equal(t, []int64{1}, repo.touched)
	})

	t.Run("success keeps status", func(t *testing.T) {
		repo := newMockRepository(&Account{ID: 1, ConnectionStatus: provider.StatusDisqualified, ErrorDescription: "rule 3"})
		s := newTestService(repo)

		err := s.ApplyResult(context.Background(), provider.Result{
			AccountID: 1,
			Success:   true,
			Snapshot:  &provider.Snapshot{Balance: 10, ConnectionStatus: provider.StatusConnected},
		})
		require.NoError(t, err)
		require.Len(t, repo.saved, 1)
		assert.Equal(t, provider.StatusDisqualified, repo.saved[0].ConnectionStatus)
		assert.Equal(t, "rule 3", repo.saved[0].ErrorDescription)
		assert.InDelta(t, 10, repo.saved[0].Balance, 0.001)
	})
}

func TestService_ApplyResult_AccountMissing(t *testing.T) {
	s := newTestService(newMockRepository())

	err := s.ApplyResult(context.Background(), provider.Result{AccountID: 9, Success: true, Snapshot: &provider.Snapshot{}})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
