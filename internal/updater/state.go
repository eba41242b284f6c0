package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/bissquit/contest-sync/internal/kv"
)

const (
	lockStripes = 64
	swapRetries = 8
)

// errContended is returned when a status record kept changing under a swap.
var errContended = errors.New("status record contended")

// stateStore reads and writes queue records in the key-value store.
// Read-modify-write cycles on the same key are serialized within the process.
// Across processes they are atomic when the store is a kv.Swapper; otherwise
// the last writer wins.
type stateStore struct {
	kv    kv.Store
	locks [lockStripes]sync.Mutex
}

func newStateStore(store kv.Store) *stateStore {
	return &stateStore{kv: store}
}

func (s *stateStore) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// loadStatus returns kv.ErrNotFound when the queue has no status record.
func (s *stateStore) loadStatus(ctx context.Context, groupID int64, queueID string) (*QueueStatus, error) {
	var st QueueStatus
	if err := kv.GetJSON(ctx, s.kv, statusKey(groupID, queueID), &st); err != nil {
		return nil, err
	}
	if st.Accounts == nil {
		st.Accounts = make(map[int64]*AccountProgress)
	}
	return &st, nil
}

func (s *stateStore) saveStatus(ctx context.Context, st *QueueStatus) error {
	key := statusKey(st.GroupID, st.QueueID)
	unlock := s.lock(key)
	defer unlock()
	return kv.SetJSON(ctx, s.kv, key, st)
}

// updateStatus loads a fresh copy of the status, applies fn and saves the
// result unless fn returns an error. errSkipWrite aborts without an error.
// On a swapping store fn is rerun against the newer record after a conflict,
// so it must derive everything from its argument.
func (s *stateStore) updateStatus(ctx context.Context, groupID int64, queueID string, fn func(*QueueStatus) error) (*QueueStatus, error) {
	key := statusKey(groupID, queueID)
	unlock := s.lock(key)
	defer unlock()

	swapper, ok := s.kv.(kv.Swapper)
	if !ok {
		st, err := s.loadStatus(ctx, groupID, queueID)
		if err != nil {
			return nil, err
		}
		if err := fn(st); err != nil {
			if errors.Is(err, errSkipWrite) {
				return st, nil
			}
			return nil, err
		}
		if err := kv.SetJSON(ctx, s.kv, key, st); err != nil {
			return nil, fmt.Errorf("save status: %w", err)
		}
		return st, nil
	}

	for range swapRetries {
		raw, err := s.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		st, err := decodeStatus(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		if err := fn(st); err != nil {
			if errors.Is(err, errSkipWrite) {
				return st, nil
			}
			return nil, err
		}
		next, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}

		err = swapper.CompareAndSwap(ctx, key, raw, next)
		if errors.Is(err, kv.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save status: %w", err)
		}
		return st, nil
	}
	return nil, fmt.Errorf("save status: %w", errContended)
}

func decodeStatus(raw []byte) (*QueueStatus, error) {
	var st QueueStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	if st.Accounts == nil {
		st.Accounts = make(map[int64]*AccountProgress)
	}
	return &st, nil
}

func (s *stateStore) deleteStatus(ctx context.Context, groupID int64, queueID string) error {
	return s.kv.Delete(ctx, statusKey(groupID, queueID))
}

func (s *stateStore) statusExists(ctx context.Context, groupID int64, queueID string) (bool, error) {
	_, err := s.kv.Get(ctx, statusKey(groupID, queueID))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *stateStore) loadWork(ctx context.Context, groupID int64, queueID string) ([]int64, error) {
	var ids []int64
	if err := kv.GetJSON(ctx, s.kv, workKey(groupID, queueID), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *stateStore) saveWork(ctx context.Context, groupID int64, queueID string, ids []int64) error {
	return kv.SetJSON(ctx, s.kv, workKey(groupID, queueID), ids)
}

func (s *stateStore) deleteWork(ctx context.Context, groupID int64, queueID string) error {
	return s.kv.Delete(ctx, workKey(groupID, queueID))
}

var errSkipWrite = errors.New("skip write")
