package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

const testDebounce = 150 * time.Millisecond

func counter() (*atomic.Int32, func()) {
	var n atomic.Int32
	return &n, func() { n.Add(1) }
}

func waitFor(t *testing.T, n *atomic.Int32, want int32, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if n.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d callbacks, got %d", want, n.Load())
}

func TestWatcher_StartStopIdempotent(t *testing.T) {
	dir := t.TempDir()
	w := New(Options{Debounce: testDebounce})

	started, err := w.Start(dir, func() {})
	if err != nil || !started {
		t.Fatalf("first Start = %v, %v; want true, nil", started, err)
	}
	started, err = w.Start(dir, func() {})
	if err != nil || started {
		t.Fatalf("second Start = %v, %v; want false, nil", started, err)
	}
	if !w.IsWatching() {
		t.Fatal("expected watching")
	}

	if !w.Stop() {
		t.Fatal("first Stop should report a transition")
	}
	if w.Stop() {
		t.Fatal("second Stop should be a no-op")
	}
	if w.Path() != "" {
		t.Errorf("expected empty path after stop, got %q", w.Path())
	}
}

func TestWatcher_StartRejectsBadPaths(t *testing.T) {
	dir := t.TempDir()
	w := New(Options{Debounce: testDebounce})

	_, err := w.Start(filepath.Join(dir, "missing"), func() {})
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}

	file := filepath.Join(dir, "file.cbz")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = w.Start(file, func() {})
	if !errors.Is(err, ErrNotDirectory) {
		t.Fatalf("expected ErrNotDirectory, got %v", err)
	}
	if w.IsWatching() {
		t.Fatal("watcher must stay stopped after a failed start")
	}
}

func TestWatcher_SecondPathRejected(t *testing.T) {
	w := New(Options{Debounce: testDebounce})
	if _, err := w.Start(t.TempDir(), func() {}); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	_, err := w.Start(t.TempDir(), func() {})
	if !errors.Is(err, ErrAlreadyWatching) {
		t.Fatalf("expected ErrAlreadyWatching, got %v", err)
	}
}

func TestWatcher_BurstCoalesces(t *testing.T) {
	dir := t.TempDir()
	n, cb := counter()
	w := New(Options{Debounce: testDebounce})
	if _, err := w.Start(dir, cb); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	for i := 0; i < 20; i++ {
		name := filepath.Join(dir, "doc"+string(rune('a'+i))+".cbz")
		if err := os.WriteFile(name, []byte("data"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, n, 1, 3*time.Second)
	time.Sleep(3 * testDebounce)
	if got := n.Load(); got != 1 {
		t.Fatalf("expected exactly 1 callback for a burst, got %d", got)
	}
}

func TestWatcher_SpacedEventsFireSeparately(t *testing.T) {
	n, cb := counter()
	w := New(Options{Debounce: 50 * time.Millisecond})
	if _, err := w.Start(t.TempDir(), cb); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	for i := 0; i < 3; i++ {
		w.Trigger()
		time.Sleep(200 * time.Millisecond)
	}
	waitFor(t, n, 3, time.Second)
	if got := n.Load(); got != 3 {
		t.Fatalf("expected 3 callbacks, got %d", got)
	}
}

func TestWatcher_StopCancelsPendingTimer(t *testing.T) {
	n, cb := counter()
	w := New(Options{Debounce: testDebounce})
	if _, err := w.Start(t.TempDir(), cb); err != nil {
		t.Fatal(err)
	}

	w.Trigger()
	w.Stop()
	time.Sleep(3 * testDebounce)
	if got := n.Load(); got != 0 {
		t.Fatalf("expected no callback after stop, got %d", got)
	}

	// Triggers while stopped are ignored.
	w.Trigger()
	time.Sleep(2 * testDebounce)
	if got := n.Load(); got != 0 {
		t.Fatalf("expected no callback while stopped, got %d", got)
	}
}

func TestWatcher_HiddenFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	n, cb := counter()
	w := New(Options{Debounce: 50 * time.Millisecond})
	if _, err := w.Start(dir, cb); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, ".shari-1.part"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if got := n.Load(); got != 0 {
		t.Fatalf("expected hidden writes to be ignored, got %d callbacks", got)
	}
}

func TestWatcher_RecursiveSeesNewSubdirectory(t *testing.T) {
	dir := t.TempDir()
	n, cb := counter()
	w := New(Options{Debounce: 50 * time.Millisecond, Recursive: true})
	if _, err := w.Start(dir, cb); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	sub := filepath.Join(dir, "series")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	waitFor(t, n, 1, 2*time.Second)

	before := n.Load()
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(sub, "vol1.cbz"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, n, before+1, 2*time.Second)
}

func TestWatcher_StopAfterDirectoryRemoved(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "lib")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}
	w := New(Options{Debounce: testDebounce})
	if _, err := w.Start(dir, func() {}); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if !w.Stop() {
		t.Fatal("stop after removal should succeed")
	}
}

func TestWatcher_PollSource(t *testing.T) {
	dir := t.TempDir()
	n, cb := counter()
	w := New(Options{
		Debounce:     30 * time.Millisecond,
		Source:       SourcePoll,
		PollInterval: 50 * time.Millisecond,
	})
	if _, err := w.Start(dir, cb); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "new.pdf"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, n, 1, 2*time.Second)
}

func TestPoller_Changed(t *testing.T) {
	dir := t.TempDir()
	p := newPoller(dir, false)
	if err := p.scan(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "a.cbz"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if n, err := p.changed(); err != nil || n != 1 {
		t.Fatalf("changed = %d, %v; want 1", n, err)
	}
	if n, _ := p.changed(); n != 0 {
		t.Fatalf("expected no change on rescan, got %d", n)
	}
	if err := os.Remove(filepath.Join(dir, "a.cbz")); err != nil {
		t.Fatal(err)
	}
	if n, _ := p.changed(); n != 1 {
		t.Fatalf("expected deletion to count, got %d", n)
	}
}
