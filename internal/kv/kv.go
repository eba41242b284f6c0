// Package kv provides the durable key-value store that holds update queue state.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("key not found")
	// ErrConflict is returned by CompareAndSwap when the key no longer holds
	// the expected value.
	ErrConflict = errors.New("value changed concurrently")
)

// Store is a string-keyed store of JSON documents.
// Implementations must be durable across process restarts, except Memory.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Swapper is implemented by stores that can replace a value atomically.
// CompareAndSwap writes next only if key still holds old, and returns
// ErrConflict otherwise, including when key is absent.
type Swapper interface {
	CompareAndSwap(ctx context.Context, key string, old, next []byte) error
}

// GetJSON loads key and decodes it into v.
// Returns ErrNotFound unchanged so callers can test it with errors.Is.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}
