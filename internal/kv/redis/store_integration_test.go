//go:build integration

package redis

import (
	"context"
	"testing"

	"github.com/bissquit/contest-sync/internal/kv"
	"github.com/bissquit/contest-sync/internal/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()

	container, err := testutil.NewRedisContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	client := goredis.NewClient(&goredis.Options{Addr: container.Addr})
	t.Cleanup(func() { _ = client.Close() })

	store := NewStore(client, "test:")

	_, err = store.Get(ctx, "updater:settings")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, store.Set(ctx, "updater:settings", []byte(`{"batch_size":4}`)))

	got, err := store.Get(ctx, "updater:settings")
	require.NoError(t, err)
	assert.JSONEq(t, `{"batch_size":4}`, string(got))

	raw, err := client.Get(ctx, "test:updater:settings").Result()
	require.NoError(t, err)
	assert.JSONEq(t, `{"batch_size":4}`, raw)

	require.NoError(t, store.Delete(ctx, "updater:settings"))
	_, err = store.Get(ctx, "updater:settings")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()

	container, err := testutil.NewRedisContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	client := goredis.NewClient(&goredis.Options{Addr: container.Addr})
	t.Cleanup(func() { _ = client.Close() })

	store := NewStore(client, "test:")
	key := "updater:status:3:qAbCd"

	assert.ErrorIs(t, store.CompareAndSwap(ctx, key, []byte(`1`), []byte(`2`)), kv.ErrConflict)

	require.NoError(t, store.Set(ctx, key, []byte(`1`)))
	require.NoError(t, store.CompareAndSwap(ctx, key, []byte(`1`), []byte(`2`)))
	assert.ErrorIs(t, store.CompareAndSwap(ctx, key, []byte(`1`), []byte(`3`)), kv.ErrConflict)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `2`, string(got))
}
