package catalog

import (
	"context"
	"errors"
	"sync"
)

// MemoryBackend keeps records in process memory. It is used by tests and by
// `--catalog memory` for throwaway sessions.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[Handle]Record
	applies int
	failErr error
	failN   int
	closed  bool
}

// NewMemoryBackend returns an empty backend, optionally seeded.
func NewMemoryBackend(seed ...Record) *MemoryBackend {
	b := &MemoryBackend{records: make(map[Handle]Record, len(seed))}
	for _, r := range seed {
		b.records[r.Handle] = r
	}
	return b
}

func (b *MemoryBackend) Name() string { return "memory" }

// Load returns every stored record.
func (b *MemoryBackend) Load(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, 0, len(b.records))
	for _, r := range b.records {
		out = append(out, r)
	}
	sortByLocation(out)
	return out, nil
}

// Apply stores the changeset, or fails without touching anything when a
// failure has been injected.
func (b *MemoryBackend) Apply(ctx context.Context, cs Changeset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("memory backend closed")
	}
	if b.failN > 0 {
		b.failN--
		return b.failErr
	}
	for _, h := range cs.Deletes {
		delete(b.records, h)
	}
	for _, r := range cs.Upserts {
		b.records[r.Handle] = r
	}
	b.applies++
	return nil
}

// FailNext makes the next n Apply calls return err.
func (b *MemoryBackend) FailNext(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failN = n
	b.failErr = err
}

// Applies counts successful Apply calls.
func (b *MemoryBackend) Applies() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applies
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
