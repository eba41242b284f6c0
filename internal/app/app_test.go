package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/bissquit/contest-sync/internal/config"
	"github.com/bissquit/contest-sync/internal/kv"
	kvsqlite "github.com/bissquit/contest-sync/internal/kv/sqlite"
	"github.com/bissquit/contest-sync/internal/updater"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := initLogger(config.LogConfig{Level: tt.level, Format: "text"})
			ctx := context.Background()
			assert.True(t, logger.Enabled(ctx, tt.want))
			assert.False(t, logger.Enabled(ctx, tt.want-1))
		})
	}
}

func TestOpenState(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		store, closer, err := openState(config.StateConfig{Driver: config.DriverMemory}, nil, nil, "")
		require.NoError(t, err)
		assert.IsType(t, &kv.Memory{}, store)
		assert.NoError(t, closer())
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state.db")
		store, closer, err := openState(config.StateConfig{Driver: config.DriverSQLite, SQLitePath: path}, nil, nil, "")
		require.NoError(t, err)
		assert.IsType(t, &kvsqlite.Store{}, store)

		ctx := context.Background()
		require.NoError(t, store.Set(ctx, "k", []byte(`{"v":1}`)))
		got, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":1}`, string(got))
		assert.NoError(t, closer())
	})

	t.Run("postgres without pool", func(t *testing.T) {
		_, _, err := openState(config.StateConfig{Driver: config.DriverPostgres}, nil, nil, "")
		assert.Error(t, err)
	})

	t.Run("redis without client", func(t *testing.T) {
		_, _, err := openState(config.StateConfig{Driver: config.DriverRedis}, nil, nil, "")
		assert.Error(t, err)
	})

	t.Run("unknown", func(t *testing.T) {
		_, _, err := openState(config.StateConfig{Driver: "etcd"}, nil, nil, "")
		assert.Error(t, err)
	})
}

func TestUpdaterConfig(t *testing.T) {
	cfg := config.Default().Updater
	cfg.DefaultMode = "sequential"
	cfg.BatchSize = 4

	got := updaterConfig(cfg)

	assert.Equal(t, updater.ModeSequential, got.DefaultMode)
	assert.Equal(t, 4, got.BatchSize)
	assert.Equal(t, 5*time.Minute, got.StallWindow)
	assert.Equal(t, updater.DefaultConfig().HistoryLimit, got.HistoryLimit)
}
