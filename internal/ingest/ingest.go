// Package ingest is the recursive filesystem ingestor (C4).
//
// It subscribes to a set of root directories and invokes a callback for
// every path that looks like a newly-written or moved-in regular file.
// fsnotify (unlike raw inotify) has no "closed after writing" event, so
// new/modified files are debounced behind a single timer before the
// callback fires — the same workaround the teacher's InboxWatcher uses,
// generalized here to multiple recursive roots and to directory-flagged
// create/rename events, which are re-subscribed rather than forwarded.
package ingest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceWindow coalesces bursts of writes into a single callback.
const debounceWindow = 300 * time.Millisecond

// Callback is invoked once per settled regular-file path.
type Callback func(path string)

// Ingestor walks and watches a set of root directories, invoking a
// callback for settled regular-file writes and creates.
type Ingestor struct {
	log             *zap.SugaredLogger
	watcher         *fsnotify.Watcher
	callback        Callback
	onWatchLimitHit func()

	mu      sync.Mutex
	pending map[string]*time.Timer

	watchLimitWarned bool
}

// New creates an ingestor. onWatchLimitHit, if non-nil, is invoked each
// time a subscription is rejected by the kernel's watch limit.
func New(log *zap.SugaredLogger, cb Callback, onWatchLimitHit func()) (*Ingestor, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Ingestor{
		log:             log,
		watcher:         w,
		callback:        cb,
		onWatchLimitHit: onWatchLimitHit,
		pending:         make(map[string]*time.Timer),
	}, nil
}

// Run walks each root, subscribes recursively, and services events until
// ctx is cancelled. It returns only on shutdown or an unrecoverable
// watcher failure.
func (in *Ingestor) Run(ctx context.Context, roots []string) error {
	for _, root := range roots {
		in.subscribeTree(root)
	}

	for {
		select {
		case <-ctx.Done():
			in.drainTimers()
			return in.watcher.Close()
		case ev, ok := <-in.watcher.Events:
			if !ok {
				return nil
			}
			in.handleEvent(ev)
		case err, ok := <-in.watcher.Errors:
			if !ok {
				return nil
			}
			in.log.Warnw("ingestor watcher error", "error", err)
		}
	}
}

func (in *Ingestor) subscribeTree(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreachable subtrees are tolerated silently
		}
		if d.IsDir() {
			if isDotfile(d.Name()) && path != root {
				return filepath.SkipDir
			}
			in.subscribeDir(path)
		}
		return nil
	})
}

func (in *Ingestor) subscribeDir(path string) {
	if err := in.watcher.Add(path); err != nil {
		if isWatchLimitError(err) {
			if !in.watchLimitWarned {
				in.watchLimitWarned = true
				in.log.Warnw("kernel inotify watch limit reached; raise fs.inotify.max_user_watches",
					"path", path)
			}
			if in.onWatchLimitHit != nil {
				in.onWatchLimitHit()
			}
			return
		}
		in.log.Debugw("subscribe failed", "path", path, "error", err)
	}
}

func isWatchLimitError(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

func (in *Ingestor) handleEvent(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if name == "" || isDotfile(name) {
		return
	}

	if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			in.subscribeTree(ev.Name)
			return
		}
	}

	if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
		in.debounce(ev.Name)
	}
}

// debounce coalesces repeated events for the same path into a single
// callback invocation after the file has settled.
func (in *Ingestor) debounce(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if t, ok := in.pending[path]; ok {
		t.Stop()
	}
	in.pending[path] = time.AfterFunc(debounceWindow, func() {
		in.mu.Lock()
		delete(in.pending, path)
		in.mu.Unlock()
		in.settle(path)
	})
}

func (in *Ingestor) settle(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	in.callback(path)
}

func (in *Ingestor) drainTimers() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for path, t := range in.pending {
		t.Stop()
		delete(in.pending, path)
	}
}

func isDotfile(name string) bool {
	return strings.HasPrefix(name, ".")
}

// ScanExisting walks roots once at startup, invoking the callback for
// every existing regular file. Used to catch files already present
// before the watcher was attached.
func ScanExisting(roots []string, cb Callback) {
	for _, root := range roots {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil //nolint:nilerr
			}
			if d.IsDir() {
				if isDotfile(d.Name()) && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			if isDotfile(d.Name()) {
				return nil
			}
			if info, err := d.Info(); err == nil && info.Mode().IsRegular() {
				cb(path)
			}
			return nil
		})
	}
}
