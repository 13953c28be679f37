package catalog

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotFound is returned for handles the context does not contain.
	ErrNotFound = errors.New("catalog: record not found")
	// ErrExists is returned when inserting a handle or location already present.
	ErrExists = errors.New("catalog: record already exists")
	// ErrContextSpent is returned when a saved background context is reused.
	ErrContextSpent = errors.New("catalog: background context already saved")
)

// Kind distinguishes the main context from background contexts.
type Kind int

const (
	KindMain Kind = iota
	KindBackground
)

func (k Kind) String() string {
	if k == KindMain {
		return "main"
	}
	return "background"
}

// Context is a working view over the catalog. Reads fall through to a base
// snapshot; writes are buffered until the store saves the context.
//
// The main context reads the store's current snapshot. A background context
// reads the snapshot that was current when it was created.
type Context struct {
	store *Store
	kind  Kind
	base  *snapshot // nil for main: read live from store

	mu      sync.RWMutex
	upserts map[Handle]Record
	deletes map[Handle]struct{}
	spent   bool
}

func newContext(store *Store, kind Kind, base *snapshot) *Context {
	return &Context{
		store:   store,
		kind:    kind,
		base:    base,
		upserts: make(map[Handle]Record),
		deletes: make(map[Handle]struct{}),
	}
}

// Kind reports which kind of context this is.
func (c *Context) Kind() Kind { return c.kind }

func (c *Context) snapshot() *snapshot {
	if c.base != nil {
		return c.base
	}
	return c.store.current()
}

// Get returns the record for a handle.
func (c *Context) Get(h Handle) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.get(h)
}

func (c *Context) get(h Handle) (Record, bool) {
	if _, gone := c.deletes[h]; gone {
		return Record{}, false
	}
	if r, ok := c.upserts[h]; ok {
		return r, true
	}
	r, ok := c.snapshot().byHandle[h]
	return r, ok
}

// Lookup returns the record currently at location.
func (c *Context) Lookup(location string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookup(location)
}

func (c *Context) lookup(location string) (Record, bool) {
	for _, r := range c.upserts {
		if r.Location == location {
			return r, true
		}
	}
	snap := c.snapshot()
	h, ok := snap.byLocation[location]
	if !ok {
		return Record{}, false
	}
	if _, gone := c.deletes[h]; gone {
		return Record{}, false
	}
	if _, moved := c.upserts[h]; moved {
		// Buffered under a different location; the loop above would have
		// matched otherwise.
		return Record{}, false
	}
	r, ok := snap.byHandle[h]
	return r, ok
}

// Records returns every record ordered by location.
func (c *Context) Records() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := c.snapshot()
	out := make([]Record, 0, len(snap.byHandle)+len(c.upserts))
	for h, r := range snap.byHandle {
		if _, gone := c.deletes[h]; gone {
			continue
		}
		if _, replaced := c.upserts[h]; replaced {
			continue
		}
		out = append(out, r)
	}
	for _, r := range c.upserts {
		out = append(out, r)
	}
	sortByLocation(out)
	return out
}

// Len returns the number of visible records.
func (c *Context) Len() int {
	return len(c.Records())
}

// Insert adds a new record. The handle and location must both be free.
func (c *Context) Insert(r Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writable(); err != nil {
		return err
	}
	if _, ok := c.get(r.Handle); ok {
		return fmt.Errorf("insert %s: %w", r.Location, ErrExists)
	}
	if _, ok := c.lookup(r.Location); ok {
		return fmt.Errorf("insert %s: %w", r.Location, ErrExists)
	}
	delete(c.deletes, r.Handle)
	c.upserts[r.Handle] = r
	return nil
}

// Update replaces an existing record, keeping its handle.
func (c *Context) Update(r Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writable(); err != nil {
		return err
	}
	if _, ok := c.get(r.Handle); !ok {
		return fmt.Errorf("update %s: %w", r.Location, ErrNotFound)
	}
	if other, ok := c.lookup(r.Location); ok && other.Handle != r.Handle {
		return fmt.Errorf("update %s: %w", r.Location, ErrExists)
	}
	c.upserts[r.Handle] = r
	return nil
}

// Delete removes a record.
func (c *Context) Delete(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writable(); err != nil {
		return err
	}
	if _, ok := c.get(h); !ok {
		return fmt.Errorf("delete %s: %w", h, ErrNotFound)
	}
	delete(c.upserts, h)
	if _, inBase := c.snapshot().byHandle[h]; inBase {
		c.deletes[h] = struct{}{}
	}
	return nil
}

// HasChanges reports whether the context has unsaved writes.
func (c *Context) HasChanges() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.upserts) > 0 || len(c.deletes) > 0
}

// Changes returns the buffered changeset, deletes first.
func (c *Context) Changes() Changeset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.changes()
}

func (c *Context) changes() Changeset {
	var cs Changeset
	for h := range c.deletes {
		cs.Deletes = append(cs.Deletes, h)
	}
	for _, r := range c.upserts {
		cs.Upserts = append(cs.Upserts, r)
	}
	sortByLocation(cs.Upserts)
	return cs
}

// Discard drops buffered writes.
func (c *Context) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

func (c *Context) reset() {
	c.upserts = make(map[Handle]Record)
	c.deletes = make(map[Handle]struct{})
}

func (c *Context) writable() error {
	if c.spent {
		return ErrContextSpent
	}
	return nil
}
