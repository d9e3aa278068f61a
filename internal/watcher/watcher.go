// Package watcher bridges filesystem change notifications into the
// broadcaster (§4.10). Grounded on the teacher's internal/server/watcher.go
// fsnotify + 100ms debounce shape, collapsed to the spec's single "change"
// kind and recursive refs-directory walk dropped in favor of watching the
// whole repository root (this server watches the working tree, not just
// .git, since file_change covers ordinary edits too).
package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/releash/releashd/internal/broadcaster"
	"github.com/releash/releashd/internal/gitprovider"
	"github.com/releash/releashd/internal/wire"
)

const debounceWindow = 100 * time.Millisecond

// Watcher subscribes to filesystem events under a repository root and emits
// debounced file_change + git_status_sync pairs to the broadcaster.
type Watcher struct {
	logger *slog.Logger
	bcast  *broadcaster.Broadcaster
	git    *gitprovider.Provider
	fsw    *fsnotify.Watcher

	stop chan struct{}
	done chan struct{}
}

// New constructs a Watcher over git's worktree root.
func New(logger *slog.Logger, b *broadcaster.Broadcaster, git *gitprovider.Provider) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		logger: logger,
		bcast:  b,
		git:    git,
		fsw:    fsw,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if err := walkAndWatch(fsw, git.Root(), logger); err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

// Start runs the debounced event loop in a dedicated goroutine, matching
// §4.11's "filesystem watcher runs on its own OS thread" scheduling note.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop halts the watcher and releases its OS resources.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
	w.fsw.Close()
}

func (w *Watcher) loop() {
	defer close(w.done)

	var debounceTimer *time.Timer
	var changedPath string

	fire := func() {
		w.emitChange(changedPath)
	}

	for {
		select {
		case <-w.stop:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if shouldIgnoreEvent(event) {
				continue
			}
			changedPath = event.Name

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceWindow, fire)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher: fsnotify error", "error", err)
		}
	}
}

// emitChange implements §4.10: a file_change event with the collapsed
// "change" kind, followed by a freshly recomputed git_status_sync.
func (w *Watcher) emitChange(path string) {
	rel, err := filepath.Rel(w.git.Root(), path)
	if err != nil {
		rel = path
	}

	w.bcast.TrySend(wire.MustEncode(wire.TagFileChange, wire.FileChangePayload{Path: rel, Kind: "change"}), nil)

	files, err := w.git.Status()
	if err != nil {
		w.logger.Warn("watcher: recomputing git status", "error", err)
		return
	}
	entries := make([]wire.FileEntry, len(files))
	for i, f := range files {
		entries[i] = wire.FileEntry{Path: f.Path, IndexStatus: f.IndexStatus, WorktreeStatus: f.WorktreeStatus}
	}
	w.bcast.TrySend(wire.MustEncode(wire.TagGitStatusSync, wire.GitStatusSyncPayload{Files: entries}), nil)
}

// walkAndWatch adds fsnotify watches to root and every subdirectory;
// fsnotify does not recurse on its own.
func walkAndWatch(fsw *fsnotify.Watcher, root string, logger *slog.Logger) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // skip unreadable entries
		}
		if !info.IsDir() {
			return nil
		}
		if filepath.Base(path) == ".git" {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			logger.Warn("watcher: failed to watch directory", "dir", path, "error", err)
		}
		return nil
	})
}

func shouldIgnoreEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return true
	}
	base := filepath.Base(event.Name)
	if len(base) > 0 && base[0] == '.' && base != ".gitignore" {
		return true
	}
	return false
}
