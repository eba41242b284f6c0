package updater

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/bissquit/contest-sync/internal/kv"
)

// RegistryEntry points at one registered queue of a group.
type RegistryEntry struct {
	QueueID   string `json:"queue_id"`
	StatusKey string `json:"status_key"`
	StartTime int64  `json:"start_time"`
}

// Registry keeps the ordered list of queues per group and an index of groups
// that have any registered queue, so nothing needs a key-space scan.
type Registry struct {
	store kv.Store
	mu    sync.Mutex
}

// NewRegistry creates a registry over store.
func NewRegistry(store kv.Store) *Registry {
	return &Registry{store: store}
}

// List returns the registered queues of a group in creation order.
func (r *Registry) List(ctx context.Context, groupID int64) ([]RegistryEntry, error) {
	var entries []RegistryEntry
	err := kv.GetJSON(ctx, r.store, activeKey(groupID), &entries)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load queue list: %w", err)
	}
	return entries, nil
}

// Contains reports whether queueID is registered for the group.
func (r *Registry) Contains(ctx context.Context, groupID int64, queueID string) (bool, error) {
	entries, err := r.List(ctx, groupID)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(entries, func(e RegistryEntry) bool { return e.QueueID == queueID }), nil
}

// Add registers a queue. Adding an already registered id replaces its entry in place.
func (r *Registry) Add(ctx context.Context, groupID int64, entry RegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.List(ctx, groupID)
	if err != nil {
		return err
	}

	idx := slices.IndexFunc(entries, func(e RegistryEntry) bool { return e.QueueID == entry.QueueID })
	if idx >= 0 {
		entries[idx] = entry
	} else {
		entries = append(entries, entry)
	}

	if err := kv.SetJSON(ctx, r.store, activeKey(groupID), entries); err != nil {
		return fmt.Errorf("save queue list: %w", err)
	}
	return r.addGroup(ctx, groupID)
}

// Remove unregisters a queue. The group leaves the index once its list is empty.
func (r *Registry) Remove(ctx context.Context, groupID int64, queueID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.List(ctx, groupID)
	if err != nil {
		return err
	}
	entries = slices.DeleteFunc(entries, func(e RegistryEntry) bool { return e.QueueID == queueID })
	return r.replace(ctx, groupID, entries)
}

// Prune drops the given queue ids from a group's list in one write.
func (r *Registry) Prune(ctx context.Context, groupID int64, queueIDs []string) error {
	if len(queueIDs) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.List(ctx, groupID)
	if err != nil {
		return err
	}
	entries = slices.DeleteFunc(entries, func(e RegistryEntry) bool { return slices.Contains(queueIDs, e.QueueID) })
	return r.replace(ctx, groupID, entries)
}

// Groups returns every group with at least one registered queue.
func (r *Registry) Groups(ctx context.Context) ([]int64, error) {
	var groups []int64
	err := kv.GetJSON(ctx, r.store, groupsKey, &groups)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load group index: %w", err)
	}
	return groups, nil
}

func (r *Registry) replace(ctx context.Context, groupID int64, entries []RegistryEntry) error {
	if len(entries) == 0 {
		if err := r.store.Delete(ctx, activeKey(groupID)); err != nil {
			return fmt.Errorf("delete queue list: %w", err)
		}
		return r.removeGroup(ctx, groupID)
	}
	if err := kv.SetJSON(ctx, r.store, activeKey(groupID), entries); err != nil {
		return fmt.Errorf("save queue list: %w", err)
	}
	return nil
}

func (r *Registry) addGroup(ctx context.Context, groupID int64) error {
	groups, err := r.Groups(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(groups, groupID) {
		return nil
	}
	groups = append(groups, groupID)
	if err := kv.SetJSON(ctx, r.store, groupsKey, groups); err != nil {
		return fmt.Errorf("save group index: %w", err)
	}
	return nil
}

func (r *Registry) removeGroup(ctx context.Context, groupID int64) error {
	groups, err := r.Groups(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(groups, groupID) {
		return nil
	}
	groups = slices.DeleteFunc(groups, func(g int64) bool { return g == groupID })
	if len(groups) == 0 {
		return r.store.Delete(ctx, groupsKey)
	}
	if err := kv.SetJSON(ctx, r.store, groupsKey, groups); err != nil {
		return fmt.Errorf("save group index: %w", err)
	}
	return nil
}
