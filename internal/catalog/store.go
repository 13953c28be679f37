package catalog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lucaji/Shari/internal/metrics"
)

// Backend persists records. Apply must be atomic: either the whole changeset
// is durable or none of it is.
type Backend interface {
	Name() string
	Load(ctx context.Context) ([]Record, error)
	Apply(ctx context.Context, cs Changeset) error
	Close() error
}

// Relativizer maps absolute paths to locations.
type Relativizer interface {
	Relativize(abs string) (string, bool)
}

// PersistenceError reports a failed save. The main context is unchanged.
type PersistenceError struct {
	Backend string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("catalog: persist to %s: %v", e.Backend, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Options configure a Store.
type Options struct {
	Paths  Relativizer
	Logger *zap.Logger
}

// Store owns the main context and the serialized save path.
type Store struct {
	backend Backend
	paths   Relativizer
	log     *zap.Logger

	snap   atomic.Pointer[snapshot]
	saveMu sync.Mutex
	main   *Context
	closed bool
}

// Open loads every record from backend into the main context.
func Open(ctx context.Context, backend Backend, opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	start := time.Now()
	records, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog from %s: %w", backend.Name(), err)
	}

	s := &Store{backend: backend, paths: opts.Paths, log: log}
	s.snap.Store(newSnapshot(records))
	s.main = newContext(s, KindMain, nil)
	metrics.SetCatalogSize(len(records))

	log.Info("catalog opened",
		zap.String("backend", backend.Name()),
		zap.Int("documents", len(records)),
		zap.Duration("duration", time.Since(start)))
	return s, nil
}

func (s *Store) current() *snapshot { return s.snap.Load() }

// MainContext returns the long-lived context observers read from.
func (s *Store) MainContext() *Context { return s.main }

// NewBackgroundContext returns a context for a single write transaction.
func (s *Store) NewBackgroundContext() *Context {
	return newContext(s, KindBackground, s.current())
}

// Save persists c's changes. Background changes are merged into the main
// context after the backend accepted them; saves are serialized. An empty
// changeset is a no-op that never reaches the backend. On failure the main
// context is left exactly as it was and a *PersistenceError is returned.
func (s *Store) Save(ctx context.Context, c *Context) error {
	if c.store != s {
		return fmt.Errorf("catalog: context belongs to another store")
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.spent {
		return ErrContextSpent
	}
	cs := c.changes()
	if cs.Empty() {
		if c.kind == KindBackground {
			c.spent = true
		}
		return nil
	}

	start := time.Now()
	if err := s.backend.Apply(ctx, cs); err != nil {
		metrics.RecordCatalogSave(false)
		s.log.Warn("catalog save failed",
			zap.String("context", c.kind.String()),
			zap.Int("upserts", len(cs.Upserts)),
			zap.Int("deletes", len(cs.Deletes)),
			zap.Error(err))
		return &PersistenceError{Backend: s.backend.Name(), Err: err}
	}

	next := s.current().apply(cs)
	s.snap.Store(next)
	c.reset()
	if c.kind == KindBackground {
		c.spent = true
	}

	metrics.RecordCatalogSave(true)
	metrics.SetCatalogSize(len(next.byHandle))
	s.log.Debug("catalog saved",
		zap.String("context", c.kind.String()),
		zap.Int("upserts", len(cs.Upserts)),
		zap.Int("deletes", len(cs.Deletes)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// ResolveIdentity returns the main-context record at location.
func (s *Store) ResolveIdentity(location string) (Record, bool) {
	return s.main.Lookup(location)
}

// HandleForLocation returns the handle of the document at an absolute path.
func (s *Store) HandleForLocation(abs string) (Handle, bool) {
	if s.paths == nil {
		return "", false
	}
	loc, ok := s.paths.Relativize(abs)
	if !ok {
		return "", false
	}
	r, ok := s.main.Lookup(loc)
	if !ok {
		return "", false
	}
	return r.Handle, true
}

// LocationForHandle returns the current location of a document.
func (s *Store) LocationForHandle(h Handle) (string, bool) {
	r, ok := s.main.Get(h)
	if !ok {
		return "", false
	}
	return r.Location, true
}

// Close flushes pending main-context writes and closes the backend.
func (s *Store) Close(ctx context.Context) error {
	s.saveMu.Lock()
	closed := s.closed
	s.saveMu.Unlock()
	if closed {
		return nil
	}

	var flushErr error
	if s.main.HasChanges() {
		flushErr = s.Save(ctx, s.main)
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.closed = true
	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.backend.Name(), err)
	}
	return flushErr
}
