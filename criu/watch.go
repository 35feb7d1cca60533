package criu

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/caravanctl/caravan/utils"
)

const pidFilePollInterval = 200 * time.Millisecond

// waitForPIDFile blocks until the engine's pid file exists. An inotify
// watch on the checkpoint directory catches the creation immediately;
// if the watcher cannot be set up we fall back to polling.
func waitForPIDFile(ctx context.Context, path string, timeout time.Duration) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return pollForPIDFile(ctx, path, timeout)
	}
	defer watcher.Close() //nolint:errcheck
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return pollForPIDFile(ctx, path, timeout)
	}

	// The file may have appeared between the stat and the watch.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case ev := <-watcher.Events:
			if ev.Name == path && ev.Op.Has(fsnotify.Create) {
				return nil
			}
		case <-watcher.Errors:
			return pollForPIDFile(ctx, path, timeout)
		case <-deadline.C:
			return context.DeadlineExceeded
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func pollForPIDFile(ctx context.Context, path string, timeout time.Duration) error {
	return utils.WaitFor(ctx, timeout, pidFilePollInterval, func() (bool, error) {
		_, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		return err == nil, err
	})
}
