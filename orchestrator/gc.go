package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/projecteru2/core/log"
)

// GC removes migration workspaces no longer pinned by an in-flight
// migration: leftovers of failed runs, crashes, and abandoned migrations.
// Returns the removed workspace paths.
func (o *Orchestrator) GC(ctx context.Context) ([]string, error) {
	logger := log.WithFunc("orchestrator.GC")

	pinned := make(map[string]struct{})
	o.mu.Lock()
	for _, m := range o.active {
		pinned[m.snapshot().ID] = struct{}{}
	}
	o.mu.Unlock()
	if err := o.index.With(ctx, func(idx *Index) error {
		for id, rec := range idx.Migrations {
			if rec != nil && !rec.Phase.Terminal() {
				pinned[id] = struct{}{}
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	root := filepath.Join(o.conf.WorkDir, "migrations")
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}

	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := pinned[entry.Name()]; ok {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			logger.Warnf(ctx, "remove %s: %v", dir, err)
			continue
		}
		logger.Infof(ctx, "removed stale workspace %s", dir)
		removed = append(removed, dir)
	}
	return removed, nil
}
