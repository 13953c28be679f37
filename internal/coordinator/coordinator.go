// Package coordinator keeps the catalog in step with the documents folder.
//
// It is the only writer of the catalog and the only publisher of the
// library-changed signal. Every trigger, from the watcher or the file server,
// funnels into one serialized reconciliation pass that recomputes the
// catalog from the current disk listing.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lucaji/Shari/internal/catalog"
	"github.com/lucaji/Shari/internal/fileserver"
	"github.com/lucaji/Shari/internal/metrics"
	"github.com/lucaji/Shari/internal/paths"
)

// DefaultUploadGrace bounds how long an upload that never reported
// completion keeps its location out of the catalog.
const DefaultUploadGrace = 10 * time.Minute

// Publisher receives the library-changed signal.
type Publisher interface {
	LibraryChanged(added, removed, updated int)
}

// Deps are the collaborators of the coordinator.
type Deps struct {
	Paths   *paths.Provider
	Catalog *catalog.Store
	Signal  Publisher
	Logger  *zap.Logger
}

// Options tune reconciliation.
type Options struct {
	UploadGrace time.Duration
	// PruneEmptyDirs removes empty directories after a pass that removed
	// documents.
	PruneEmptyDirs bool
}

// Result summarizes one pass.
type Result struct {
	Added    int
	Removed  int
	Updated  int
	Moved    int
	Deferred int
	Duration time.Duration
	Err      error
}

// Changed reports whether the pass modified the catalog.
func (r Result) Changed() bool {
	return r.Err == nil && r.Added+r.Removed+r.Updated+r.Moved > 0
}

// Stats are cumulative counters since construction.
type Stats struct {
	Passes    int64     `json:"passes"`
	Added     int64     `json:"added"`
	Removed   int64     `json:"removed"`
	Updated   int64     `json:"updated"`
	Failures  int64     `json:"failures"`
	Triggers  int64     `json:"triggers"`
	LastPass  time.Time `json:"last_pass"`
	LastError string    `json:"last_error,omitempty"`
}

type moveHint struct {
	from, to string
}

// Coordinator reconciles the catalog with the disk.
type Coordinator struct {
	paths  *paths.Provider
	store  *catalog.Store
	signal Publisher
	log    *zap.Logger
	opts   Options
	now    func() time.Time

	passMu  sync.Mutex
	trigger chan struct{}

	mu      sync.Mutex
	uploads map[string]time.Time
	moves   []moveHint
	stats   Stats
}

var _ fileserver.Listener = (*Coordinator)(nil)

// New creates a coordinator. Run must be started for triggers to take
// effect; Reconcile can be called directly at any time.
func New(deps Deps, opts Options) *Coordinator {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.UploadGrace <= 0 {
		opts.UploadGrace = DefaultUploadGrace
	}
	return &Coordinator{
		paths:   deps.Paths,
		store:   deps.Catalog,
		signal:  deps.Signal,
		log:     log,
		opts:    opts,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
		uploads: make(map[string]time.Time),
	}
}

// Trigger requests a pass. A request made while a pass runs queues exactly
// one follow-up pass; further requests coalesce into it.
func (c *Coordinator) Trigger(source string) {
	metrics.RecordTrigger(source)
	c.mu.Lock()
	c.stats.Triggers++
	c.mu.Unlock()
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run executes triggered passes until ctx is cancelled. A pass in progress
// when ctx is cancelled is finished first.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.trigger:
			c.Reconcile(context.WithoutCancel(ctx))
		}
	}
}

// OnWatcherSignal is the debounced watcher callback.
func (c *Coordinator) OnWatcherSignal() {
	c.Trigger("watcher")
}

// OnServerEvent dispatches a file server event.
func (c *Coordinator) OnServerEvent(ev fileserver.Event) {
	switch ev.Kind {
	case fileserver.EventConnect:
		c.OnConnect(ev.Client)
	case fileserver.EventUpload:
		c.OnUpload(ev.Transfer)
	case fileserver.EventDownload:
		c.OnDownload(ev.Transfer)
	case fileserver.EventUpdate:
		c.OnUpdate(ev.Transfer)
	case fileserver.EventDisconnect:
		c.OnDisconnect(ev.Client)
	}
}

func (c *Coordinator) OnConnect(client fileserver.ClientInfo) {
	metrics.RecordServerEvent(fileserver.EventConnect.String())
	c.log.Info("client connected", zap.String("ip", client.IP))
}

// OnUpload tracks uploads in flight so watcher passes do not catalog
// partial files, and reconciles once the upload ends either way.
func (c *Coordinator) OnUpload(t fileserver.Transfer) {
	metrics.RecordServerEvent(fileserver.EventUpload.String())
	c.mu.Lock()
	switch t.Op {
	case fileserver.OpUploadBegin:
		c.uploads[t.Location] = c.now()
	default:
		delete(c.uploads, t.Location)
	}
	c.mu.Unlock()

	if t.Op == fileserver.OpUploadBegin {
		return
	}
	c.log.Debug("upload finished",
		zap.String("location", t.Location),
		zap.String("op", string(t.Op)),
		zap.Int64("bytes", t.Bytes))
	c.Trigger("server")
}

func (c *Coordinator) OnDownload(t fileserver.Transfer) {
	metrics.RecordServerEvent(fileserver.EventDownload.String())
	c.log.Debug("document downloaded", zap.String("location", t.Location))
}

// OnUpdate reconciles after a delete, move, copy or mkdir. Moves are
// remembered so the moved record keeps its handle.
func (c *Coordinator) OnUpdate(t fileserver.Transfer) {
	metrics.RecordServerEvent(fileserver.EventUpdate.String())
	if t.Op == fileserver.OpMove && t.From != "" && t.Location != "" {
		c.mu.Lock()
		c.moves = append(c.moves, moveHint{from: t.From, to: t.Location})
		c.mu.Unlock()
	}
	c.Trigger("server")
}

// OnDisconnect reconciles: an aborted transfer surfaces as a disconnect.
func (c *Coordinator) OnDisconnect(client fileserver.ClientInfo) {
	metrics.RecordServerEvent(fileserver.EventDisconnect.String())
	c.log.Info("client disconnected", zap.String("ip", client.IP))
	c.Trigger("server")
}

// Stats returns cumulative counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// pendingUploads returns the locations with an upload in flight, dropping
// markers older than the grace period.
func (c *Coordinator) pendingUploads() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]struct{}, len(c.uploads))
	cutoff := c.now().Add(-c.opts.UploadGrace)
	for loc, began := range c.uploads {
		if began.Before(cutoff) {
			c.log.Warn("upload marker expired", zap.String("location", loc))
			delete(c.uploads, loc)
			continue
		}
		out[loc] = struct{}{}
	}
	return out
}

func (c *Coordinator) takeMoves() []moveHint {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.moves
	c.moves = nil
	return m
}

// Reconcile runs one pass now, serialized with every other pass.
func (c *Coordinator) Reconcile(ctx context.Context) (Result, error) {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	start := c.now()
	res, err := c.reconcile(ctx)
	res.Duration = time.Since(start)
	res.Err = err

	metrics.RecordReconcile(res.Duration, res.Added, res.Removed, res.Updated+res.Moved, err)
	c.mu.Lock()
	c.stats.Passes++
	c.stats.LastPass = start
	if err != nil {
		c.stats.Failures++
		c.stats.LastError = err.Error()
	} else {
		c.stats.Added += int64(res.Added)
		c.stats.Removed += int64(res.Removed)
		c.stats.Updated += int64(res.Updated + res.Moved)
		c.stats.LastError = ""
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Error("reconciliation failed", zap.Error(err))
		return res, err
	}
	if !res.Changed() {
		c.log.Debug("reconciliation clean", zap.Duration("duration", res.Duration))
		return res, nil
	}

	c.log.Info("library reconciled",
		zap.Int("added", res.Added),
		zap.Int("removed", res.Removed),
		zap.Int("updated", res.Updated),
		zap.Int("moved", res.Moved),
		zap.Int("deferred", res.Deferred),
		zap.Duration("duration", res.Duration))
	if c.signal != nil {
		c.signal.LibraryChanged(res.Added, res.Removed, res.Updated+res.Moved)
	}

	if res.Removed+res.Moved > 0 && c.opts.PruneEmptyDirs {
		if n, err := c.paths.PruneEmptyDirectories(); err != nil {
			c.log.Warn("prune empty directories failed", zap.Error(err))
		} else if n > 0 {
			c.log.Info("pruned empty directories", zap.Int("count", n))
		}
	}
	return res, nil
}

func (c *Coordinator) reconcile(ctx context.Context) (Result, error) {
	var res Result

	files, err := c.paths.ListDocuments()
	if err != nil {
		// An unreadable root must not wipe the catalog.
		return res, err
	}
	onDisk := make(map[string]struct{}, len(files))
	var order []string
	for _, abs := range files {
		loc, ok := c.paths.Relativize(abs)
		if !ok {
			continue
		}
		onDisk[loc] = struct{}{}
		order = append(order, loc)
	}
	uploading := c.pendingUploads()

	bg := c.store.NewBackgroundContext()

	moved, err := c.applyMoves(bg, onDisk, c.takeMoves())
	if err != nil {
		return res, err
	}
	res.Moved = moved

	byLoc := make(map[string]catalog.Record)
	stale := make(map[catalog.Handle]catalog.Record)
	for _, r := range bg.Records() {
		if _, ok := onDisk[r.Location]; ok {
			byLoc[r.Location] = r
		} else {
			stale[r.Handle] = r
		}
	}

	for _, loc := range order {
		if existing, ok := byLoc[loc]; ok {
			updated, err := c.refresh(bg, existing)
			if err != nil {
				return res, err
			}
			if updated {
				res.Updated++
			}
			continue
		}

		if _, busy := uploading[loc]; busy {
			res.Deferred++
			continue
		}

		fi, statErr := c.paths.Stat(loc)
		if errors.Is(statErr, fs.ErrNotExist) {
			// Gone since the listing; the next pass settles it.
			continue
		}

		h := catalog.HandleFor(loc)
		if old, ok := stale[h]; ok {
			// The file that first owned this handle is back (or was
			// replaced); keep its identity.
			delete(stale, h)
			old.Location = loc
			old.Title = catalog.TitleFor(loc)
			setMetadata(&old, fi, statErr)
			if err := bg.Update(old); err != nil {
				return res, err
			}
			res.Updated++
			continue
		}

		r := catalog.NewRecord(loc, 0, time.Time{})
		setMetadata(&r, fi, statErr)
		if _, taken := bg.Get(r.Handle); taken {
			r.Handle = freeHandle(bg, loc)
		}
		if err := bg.Insert(r); err != nil {
			return res, err
		}
		res.Added++
	}

	for h, r := range stale {
		if err := bg.Delete(h); err != nil {
			return res, err
		}
		c.log.Debug("document removed", zap.String("location", r.Location))
		res.Removed++
	}

	if !bg.HasChanges() {
		bg.Discard()
		return res, nil
	}
	if err := c.store.Save(ctx, bg); err != nil {
		return Result{Deferred: res.Deferred}, err
	}
	return res, nil
}

// applyMoves relocates records for moves reported by the file server. A hint
// applies only when the source is gone from disk and the destination is
// present and uncataloged.
func (c *Coordinator) applyMoves(bg *catalog.Context, onDisk map[string]struct{}, hints []moveHint) (int, error) {
	n := 0
	for _, hint := range hints {
		for _, r := range bg.Records() {
			var target string
			switch {
			case r.Location == hint.from:
				target = hint.to
			case strings.HasPrefix(r.Location, hint.from+"/"):
				target = hint.to + strings.TrimPrefix(r.Location, hint.from)
			default:
				continue
			}
			if _, still := onDisk[r.Location]; still {
				continue
			}
			if _, present := onDisk[target]; !present {
				continue
			}
			if _, taken := bg.Lookup(target); taken {
				continue
			}
			r.Location = target
			r.Title = catalog.TitleFor(target)
			if err := bg.Update(r); err != nil {
				return n, fmt.Errorf("move %s: %w", hint.from, err)
			}
			n++
		}
	}
	return n, nil
}

// refresh updates size and mtime of a record whose file changed, and clears
// the provisional flag once metadata could be read.
func (c *Coordinator) refresh(bg *catalog.Context, r catalog.Record) (bool, error) {
	fi, err := c.paths.Stat(r.Location)
	if err != nil {
		return false, nil
	}
	next := r
	setMetadata(&next, fi, nil)
	if next.SameContent(r) && next.Provisional == r.Provisional {
		return false, nil
	}
	return true, bg.Update(next)
}

func setMetadata(r *catalog.Record, fi paths.FileInfo, statErr error) {
	if statErr != nil {
		r.Provisional = true
		return
	}
	r.Size = fi.Size
	r.ModTime = fi.ModTime.UTC()
	r.Provisional = false
}

// freeHandle derives an unused handle for loc when its natural handle still
// belongs to a document that moved elsewhere.
func freeHandle(bg *catalog.Context, loc string) catalog.Handle {
	for i := 1; ; i++ {
		h := catalog.HandleFor(fmt.Sprintf("%s#%d", loc, i))
		if _, taken := bg.Get(h); !taken {
			return h
		}
	}
}
