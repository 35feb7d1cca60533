// Package store provides a small JSON-file-backed store guarded by a
// cross-process lock. Readers and writers always operate on a freshly
// loaded copy, so concurrent processes observe a consistent index.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caravanctl/caravan/lock"
)

// Initer is implemented by index types that need post-load normalization
// (typically allocating nil maps).
type Initer interface {
	Init()
}

// Store persists a single index value of type T as JSON. The flock keeps
// processes apart; mu keeps goroutines of this process apart, since flock
// grants a lock the process already holds without blocking.
type Store[T any] struct {
	path   string
	locker lock.Locker
	mu     sync.Mutex
}

// New creates a Store for the given file path and locker.
func New[T any](path string, locker lock.Locker) *Store[T] {
	return &Store[T]{path: path, locker: locker}
}

// With loads the index under the lock and passes it to fn read-only.
// Mutations made by fn are NOT persisted.
func (s *Store[T]) With(ctx context.Context, fn func(*T) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lock.WithLock(ctx, s.locker, func() error {
		idx, err := s.load()
		if err != nil {
			return err
		}
		return fn(idx)
	})
}

// Update performs a read-modify-write on the index under the lock.
// The index is persisted only if fn returns nil.
func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lock.WithLock(ctx, s.locker, func() error {
		idx, err := s.load()
		if err != nil {
			return err
		}
		if err := fn(idx); err != nil {
			return err
		}
		return s.save(idx)
	})
}

func (s *Store[T]) load() (*T, error) {
	idx := new(T)
	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		// First use: empty index.
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	default:
		if err := json.Unmarshal(data, idx); err != nil {
			return nil, fmt.Errorf("parse %s: %w", s.path, err)
		}
	}
	if in, ok := any(idx).(Initer); ok {
		in.Init()
	}
	return idx, nil
}

// save writes the index atomically: temp file in the same directory, then
// rename over the old index.
func (s *Store[T]) save(idx *T) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".index-*")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}
