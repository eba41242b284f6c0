package updater

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/contest-sync/internal/kv"
)

// Settings are the runtime-tunable engine parameters. They are read from the
// state store on every use so changes apply to queues already in flight.
type Settings struct {
	TimeoutMinutes            int            `json:"timeout_minutes"`
	BatchSize                 int            `json:"batch_size"`
	DefaultMode               Mode           `json:"default_mode"`
	GroupModes                map[int64]Mode `json:"group_modes,omitempty"`
	AutoUpdateEnabled         bool           `json:"auto_update_enabled"`
	AutoUpdateIntervalMinutes int            `json:"auto_update_interval_minutes"`
}

// Timeout returns the inactivity period after which a running queue is reported as timed out.
func (s Settings) Timeout() time.Duration {
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// AutoUpdateInterval returns the minimum period between recurring runs.
func (s Settings) AutoUpdateInterval() time.Duration {
	return time.Duration(s.AutoUpdateIntervalMinutes) * time.Minute
}

// ModeFor returns the processing mode configured for a group.
func (s Settings) ModeFor(groupID int64) Mode {
	if m, ok := s.GroupModes[groupID]; ok && m.IsValid() {
		return m
	}
	if s.DefaultMode.IsValid() {
		return s.DefaultMode
	}
	return ModeBatch
}

// Validate checks that settings are usable.
func (s Settings) Validate() error {
	switch {
	case s.TimeoutMinutes < 1:
		return fmt.Errorf("%w: timeout_minutes must be positive", ErrInvalidSettings)
	case s.BatchSize < 1:
		return fmt.Errorf("%w: batch_size must be positive", ErrInvalidSettings)
	case !s.DefaultMode.IsValid():
		return fmt.Errorf("%w: unknown default_mode %q", ErrInvalidSettings, s.DefaultMode)
	case s.AutoUpdateIntervalMinutes < 1:
		return fmt.Errorf("%w: auto_update_interval_minutes must be positive", ErrInvalidSettings)
	}
	for g, m := range s.GroupModes {
		if !m.IsValid() {
			return fmt.Errorf("%w: unknown mode %q for group %d", ErrInvalidSettings, m, g)
		}
	}
	return nil
}

// SettingsStore persists Settings under a single key, falling back to defaults.
type SettingsStore struct {
	store    kv.Store
	defaults Settings
}

// NewSettingsStore creates a settings store.
func NewSettingsStore(store kv.Store, defaults Settings) *SettingsStore {
	return &SettingsStore{store: store, defaults: defaults}
}

// Defaults returns the compiled-in settings.
func (s *SettingsStore) Defaults() Settings {
	return s.defaults
}

// Load returns the stored settings overlaid on the defaults.
// Invalid stored values fall back to the defaults field by field.
func (s *SettingsStore) Load(ctx context.Context) (Settings, error) {
	out := s.defaults
	out.GroupModes = nil

	err := kv.GetJSON(ctx, s.store, settingsKey, &out)
	if errors.Is(err, kv.ErrNotFound) {
		return s.defaults, nil
	}
	if err != nil {
		return s.defaults, fmt.Errorf("load settings: %w", err)
	}

	if out.TimeoutMinutes < 1 {
		out.TimeoutMinutes = s.defaults.TimeoutMinutes
	}
	if out.BatchSize < 1 {
		out.BatchSize = s.defaults.BatchSize
	}
	if !out.DefaultMode.IsValid() {
		out.DefaultMode = s.defaults.DefaultMode
	}
	if out.AutoUpdateIntervalMinutes < 1 {
		out.AutoUpdateIntervalMinutes = s.defaults.AutoUpdateIntervalMinutes
	}
	if out.GroupModes == nil {
		out.GroupModes = s.defaults.GroupModes
	}
	return out, nil
}

// Save validates and stores settings.
func (s *SettingsStore) Save(ctx context.Context, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := kv.SetJSON(ctx, s.store, settingsKey, settings); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
