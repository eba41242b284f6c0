// Package redis provides a Redis implementation of kv.Store.
package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/contest-sync/internal/kv"
	goredis "github.com/redis/go-redis/v9"
)

const defaultPrefix = "contestsync:"

// Store implements kv.Store with GET/SET/DEL, and kv.Swapper with WATCH/MULTI.
// Keys live under a common prefix so the database can be shared with asynq.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

// NewStore creates a Redis state store. An empty prefix selects the default.
func NewStore(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Get retrieves the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// CompareAndSwap replaces the value under key if it still equals old. A write
// from another client between the check and the update aborts the transaction.
func (s *Store) CompareAndSwap(ctx context.Context, key string, old, next []byte) error {
	k := s.prefix + key
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		cur, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, goredis.Nil) {
			return kv.ErrConflict
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(cur, old) {
			return kv.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, k, next, 0)
			return nil
		})
		return err
	}, k)
	if errors.Is(err, kv.ErrConflict) || errors.Is(err, goredis.TxFailedErr) {
		return kv.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("swap state %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}
