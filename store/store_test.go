package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/caravanctl/caravan/lock/flock"
)

type testIndex struct {
	Items map[string]int `json:"items"`
}

func (i *testIndex) Init() {
	if i.Items == nil {
		i.Items = make(map[string]int)
	}
}

func newTestStore(t *testing.T) *Store[testIndex] {
	t.Helper()
	dir := t.TempDir()
	return New[testIndex](filepath.Join(dir, "index.json"), flock.New(filepath.Join(dir, "index.lock")))
}

func TestStore_FirstUseIsEmpty(t *testing.T) {
	s := newTestStore(t)
	err := s.With(context.Background(), func(idx *testIndex) error {
		if idx.Items == nil {
			t.Errorf("expected Init to allocate the map")
		}
		if len(idx.Items) != 0 {
			t.Errorf("expected empty index, got %d items", len(idx.Items))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
}

func TestStore_UpdatePersists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Update(ctx, func(idx *testIndex) error {
		idx.Items["a"] = 1
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := s.With(ctx, func(idx *testIndex) error {
		if idx.Items["a"] != 1 {
			t.Errorf("expected a=1, got %d", idx.Items["a"])
		}
		return nil
	}); err != nil {
		t.Fatalf("With: %v", err)
	}
}

func TestStore_FailedUpdateNotPersisted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, func(idx *testIndex) error {
		idx.Items["a"] = 1
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if err := s.With(ctx, func(idx *testIndex) error {
		if len(idx.Items) != 0 {
			t.Errorf("expected rejected update to leave the index empty")
		}
		return nil
	}); err != nil {
		t.Fatalf("With: %v", err)
	}
}

func TestStore_WithDoesNotPersist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.With(ctx, func(idx *testIndex) error {
		idx.Items["ghost"] = 9
		return nil
	}); err != nil {
		t.Fatalf("With: %v", err)
	}
	if err := s.With(ctx, func(idx *testIndex) error {
		if _, ok := idx.Items["ghost"]; ok {
			t.Errorf("expected read-only mutation to be discarded")
		}
		return nil
	}); err != nil {
		t.Fatalf("With: %v", err)
	}
}

// Concurrent updates from goroutines of one process must serialize through
// the store: the flock alone does not keep them apart, it is already held
// by the process.
func TestStore_ConcurrentUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const goroutines = 8
	const updates = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < updates; j++ {
				if err := s.Update(ctx, func(idx *testIndex) error {
					idx.Items["counter"]++
					return nil
				}); err != nil {
					t.Errorf("Update: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if err := s.With(ctx, func(idx *testIndex) error {
		if got := idx.Items["counter"]; got != goroutines*updates {
			t.Errorf("expected %d updates applied, got %d", goroutines*updates, got)
		}
		return nil
	}); err != nil {
		t.Fatalf("With: %v", err)
	}
}

func TestStore_CorruptIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := New[testIndex](path, flock.New(filepath.Join(dir, "index.lock")))
	if err := s.With(context.Background(), func(*testIndex) error { return nil }); err == nil {
		t.Fatalf("expected parse error for corrupt index")
	}
}
