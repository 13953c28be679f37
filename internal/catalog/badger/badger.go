// Package badger persists the catalog in an embedded BadgerDB.
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/lucaji/Shari/internal/catalog"
	"github.com/lucaji/Shari/internal/metrics"
	"github.com/lucaji/Shari/internal/retry"
)

const recordPrefix = "rec:"

// Config configures the badger backend.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	Retry    retry.Config
	Logger   *zap.Logger
}

// Backend implements catalog.Backend on BadgerDB.
type Backend struct {
	db *badger.DB
}

var _ catalog.Backend = (*Backend)(nil)

// Open opens or creates the database. A directory lock held by a process that
// is shutting down is retried with backoff.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	rc := cfg.Retry
	if rc.MaxAttempts == 0 && rc.InitialWait == 0 {
		rc = retry.DefaultConfig()
	}
	if cfg.Logger != nil {
		rc.OnRetry = func(attempt int, wait time.Duration, err error) {
			cfg.Logger.Warn("badger open retry",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		}
	}

	db, err := retry.DoWithResult(ctx, rc, func() (*badger.DB, error) {
		db, err := badger.Open(opts)
		if err != nil && strings.Contains(err.Error(), "lock") {
			return nil, retry.Retryable(err)
		}
		return db, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.Path, err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Name() string { return "badger" }

func keyRecord(h catalog.Handle) []byte {
	return []byte(recordPrefix + string(h))
}

// Load reads every record.
func (b *Backend) Load(ctx context.Context) ([]catalog.Record, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("badger", "load", time.Since(start)) }()

	var out []catalog.Record
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		n := 0
		for it.Rewind(); it.Valid(); it.Next() {
			n++
			if n%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			err := it.Item().Value(func(val []byte) error {
				var r catalog.Record
				if err := json.Unmarshal(val, &r); err != nil {
					return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
				}
				out = append(out, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Apply writes the changeset in a single transaction.
func (b *Backend) Apply(ctx context.Context, cs catalog.Changeset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	defer func() { metrics.RecordDBQuery("badger", "apply", time.Since(start)) }()

	return b.db.Update(func(txn *badger.Txn) error {
		for _, h := range cs.Deletes {
			if err := txn.Delete(keyRecord(h)); err != nil {
				return fmt.Errorf("delete %s: %w", h, err)
			}
		}
		for _, r := range cs.Upserts {
			val, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encode %s: %w", r.Location, err)
			}
			if err := txn.Set(keyRecord(r.Handle), val); err != nil {
				return fmt.Errorf("set %s: %w", r.Location, err)
			}
		}
		return nil
	})
}

// Get reads a single record, mainly for diagnostics.
func (b *Backend) Get(h catalog.Handle) (catalog.Record, bool, error) {
	var r catalog.Record
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyRecord(h))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	return r, found, err
}

func (b *Backend) Close() error {
	return b.db.Close()
}
