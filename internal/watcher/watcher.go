// Package watcher observes one directory and invokes a single debounced
// callback once filesystem activity settles.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/lucaji/Shari/internal/metrics"
)

// DefaultDebounce is the quiet period required before the callback fires.
const DefaultDebounce = 500 * time.Millisecond

var (
	// ErrNotDirectory is returned by Start for paths that are not directories.
	ErrNotDirectory = errors.New("watch path is not a directory")
	// ErrAlreadyWatching is returned by Start when a different path is watched.
	ErrAlreadyWatching = errors.New("watcher is already observing another path")
)

// Source selects how raw change events are produced.
type Source string

const (
	// SourceNotify uses kernel notifications through fsnotify.
	SourceNotify Source = "fsnotify"
	// SourcePoll rescans the tree on an interval. For filesystems without
	// change notifications (network mounts, some FUSE volumes).
	SourcePoll Source = "poll"
)

// Options configure a Watcher.
type Options struct {
	Debounce     time.Duration
	Recursive    bool
	Source       Source
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Watcher is a debounced directory observer. Start and Stop are idempotent.
type Watcher struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	path     string
	callback func()
	running  bool
	gen      uint64
	timer    *time.Timer
	fsw      *fsnotify.Watcher
	poll     *poller
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a stopped watcher.
func New(opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Source == "" {
		opts.Source = SourceNotify
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{opts: opts, log: log}
}

// Start begins observing path. It returns true if watching began and false
// if path was already being watched. A missing or non-directory path is an
// error and nothing is watched.
func (w *Watcher) Start(path string, callback func()) (bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("resolve watch path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return false, fmt.Errorf("watch %s: %w", abs, err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("watch %s: %w", abs, ErrNotDirectory)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		if w.path == abs {
			return false, nil
		}
		return false, fmt.Errorf("watch %s: %w (%s)", abs, ErrAlreadyWatching, w.path)
	}

	done := make(chan struct{})
	switch w.opts.Source {
	case SourcePoll:
		p := newPoller(abs, w.opts.Recursive)
		if err := p.scan(); err != nil {
			return false, fmt.Errorf("watch %s: %w", abs, err)
		}
		w.poll = p
		w.wg.Add(1)
		go w.pollLoop(p, done)
	default:
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			return false, fmt.Errorf("create notifier: %w", err)
		}
		if err := w.addTree(fsw, abs); err != nil {
			fsw.Close()
			return false, fmt.Errorf("watch %s: %w", abs, err)
		}
		w.fsw = fsw
		w.wg.Add(1)
		go w.notifyLoop(fsw, done)
	}

	w.path = abs
	w.callback = callback
	w.running = true
	w.done = done
	w.gen++

	w.log.Info("watching directory",
		zap.String("path", abs),
		zap.String("source", string(w.opts.Source)),
		zap.Duration("debounce", w.opts.Debounce))
	return true, nil
}

// Stop ends observation and cancels any pending debounce timer. It returns
// true if watching was active. A callback that already started may still be
// running when Stop returns.
func (w *Watcher) Stop() bool {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return false
	}
	w.running = false
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	close(w.done)
	fsw := w.fsw
	w.fsw = nil
	w.poll = nil
	path := w.path
	w.mu.Unlock()

	if fsw != nil {
		// Closing after the directory was removed reports an error we do not
		// care about.
		if err := fsw.Close(); err != nil {
			w.log.Debug("close notifier", zap.Error(err))
		}
	}
	w.wg.Wait()

	w.log.Info("stopped watching directory", zap.String("path", path))
	return true
}

// IsWatching reports whether the watcher is active.
func (w *Watcher) IsWatching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Path returns the watched path, or "" when stopped.
func (w *Watcher) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return ""
	}
	return w.path
}

// Trigger feeds a synthetic raw event through the debounce timer.
func (w *Watcher) Trigger() {
	w.debounce()
}

func (w *Watcher) debounce() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	gen := w.gen
	w.timer = time.AfterFunc(w.opts.Debounce, func() { w.fire(gen) })
}

func (w *Watcher) fire(gen uint64) {
	w.mu.Lock()
	if !w.running || w.gen != gen {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	cb := w.callback
	w.mu.Unlock()

	metrics.RecordWatcherCallback()
	if cb != nil {
		cb()
	}
}

func (w *Watcher) notifyLoop(fsw *fsnotify.Watcher, done <-chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-done:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ignored(event.Name) {
				continue
			}
			metrics.RecordWatcherEvent()
			if w.opts.Recursive && event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(fsw, event.Name); err != nil {
						w.log.Warn("watch new directory", zap.String("path", event.Name), zap.Error(err))
					}
				}
			}
			w.debounce()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			metrics.RecordWatcherError()
			w.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) pollLoop(p *poller, done <-chan struct{}) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			changed, err := p.changed()
			if err != nil {
				metrics.RecordWatcherError()
				w.log.Warn("poll failed", zap.String("path", p.root), zap.Error(err))
				continue
			}
			if changed > 0 {
				for i := 0; i < changed; i++ {
					metrics.RecordWatcherEvent()
				}
				w.debounce()
			}
		}
	}
}

// addTree registers dir, and its subdirectories in recursive mode.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	if !w.opts.Recursive {
		return fsw.Add(dir)
	}
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p != dir && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && ignored(p) {
			return filepath.SkipDir
		}
		return fsw.Add(p)
	})
}

// ignored filters hidden entries, which includes upload staging files. Their
// final rename produces a visible event of its own.
func ignored(name string) bool {
	return strings.HasPrefix(filepath.Base(name), ".")
}
