//go:build integration

package postgres

import (
	"context"
	"testing"

	"github.com/bissquit/contest-sync/internal/kv"
	"github.com/bissquit/contest-sync/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := testutil.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	require.NoError(t, testutil.ApplyMigrations(container.ConnectionString, "../../../migrations"))

	pool, err := pgxpool.New(ctx, container.ConnectionString)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewStore(pool)
}

func TestStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "updater:status:global:qAbCd")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, store.Set(ctx, "updater:status:global:qAbCd", []byte(`{"total":2}`)))
	require.NoError(t, store.Set(ctx, "updater:status:global:qAbCd", []byte(`{"total":3}`)))

	got, err := store.Get(ctx, "updater:status:global:qAbCd")
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":3}`, string(got))

	require.NoError(t, store.Delete(ctx, "updater:status:global:qAbCd"))
	require.NoError(t, store.Delete(ctx, "updater:status:global:qAbCd"))

	_, err = store.Get(ctx, "updater:status:global:qAbCd")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestStore_JSONHelpers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	type doc struct {
		IDs []int64 `json:"ids"`
	}
	require.NoError(t, kv.SetJSON(ctx, store, "updater:work:7:qAbCd", doc{IDs: []int64{101, 102}}))

	var got doc
	require.NoError(t, kv.GetJSON(ctx, store, "updater:work:7:qAbCd", &got))
	assert.Equal(t, []int64{101, 102}, got.IDs)
}

func TestStore_CompareAndSwap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := "updater:status:3:qAbCd"

	assert.ErrorIs(t, store.CompareAndSwap(ctx, key, []byte(`{"total":1}`), []byte(`{"total":2}`)), kv.ErrConflict)

	require.NoError(t, store.Set(ctx, key, []byte(`{"total":1}`)))
	old, err := store.Get(ctx, key)
	require.NoError(t, err)

	require.NoError(t, store.CompareAndSwap(ctx, key, old, []byte(`{"total":2}`)))
	assert.ErrorIs(t, store.CompareAndSwap(ctx, key, old, []byte(`{"total":3}`)), kv.ErrConflict)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":2}`, string(got))
}
