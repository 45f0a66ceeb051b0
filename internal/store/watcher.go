package store

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wojons/openchamber/internal/gitops"
	"github.com/wojons/openchamber/internal/logging"
)

// debounce window for bursts of filesystem events during worktree setup.
const watchDebounce = 500 * time.Millisecond

// WorktreeWatcher watches a project's .openchamber root and re-triggers
// session discovery when worktrees appear or vanish underneath it.
type WorktreeWatcher struct {
	log    *logging.Logger
	reload func(directory string)
}

func NewWorktreeWatcher(log *logging.Logger, reload func(directory string)) *WorktreeWatcher {
	return &WorktreeWatcher{log: log, reload: reload}
}

// Watch blocks until ctx ends, reloading on changes under
// <directory>/.openchamber. The directory is created lazily by worktree
// operations, so a missing root is polled for rather than treated as fatal.
func (w *WorktreeWatcher) Watch(ctx context.Context, directory string) error {
	root := filepath.Join(directory, gitops.WorktreeRoot)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	addRoot := func() bool {
		if _, err := os.Stat(root); err != nil {
			return false
		}
		if err := watcher.Add(root); err != nil {
			w.log.Warn("watch add failed", map[string]interface{}{"path": root, "error": err.Error()})
			return false
		}
		return true
	}

	watching := addRoot()
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		var retry <-chan time.Time
		if !watching {
			retry = time.After(5 * time.Second)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-retry:
			watching = addRoot()
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if evt.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			w.reload(directory)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("worktree watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}
