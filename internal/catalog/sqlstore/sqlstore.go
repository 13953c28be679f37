// Package sqlstore persists the catalog in SQLite or PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/lucaji/Shari/internal/catalog"
	"github.com/lucaji/Shari/internal/metrics"
	"github.com/lucaji/Shari/internal/retry"
)

// Dialect names a supported database.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Config configures the SQL backend.
type Config struct {
	Dialect Dialect
	// Path is the SQLite database file.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN    string
	Retry  retry.Config
	Logger *zap.Logger
}

// Store implements catalog.Backend over database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     *zap.Logger
}

var _ catalog.Backend = (*Store)(nil)

// migrations are applied in order on every open; each is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		handle      TEXT PRIMARY KEY,
		location    TEXT NOT NULL UNIQUE,
		title       TEXT NOT NULL,
		size        BIGINT NOT NULL DEFAULT 0,
		mod_time    BIGINT NOT NULL DEFAULT 0,
		added_at    BIGINT NOT NULL DEFAULT 0,
		provisional INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_location ON documents (location)`,
}

// Open connects, applies the schema and returns the store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var (
		db  *sql.DB
		err error
	)
	switch cfg.Dialect {
	case SQLite:
		db, err = openSQLite(cfg.Path)
	case Postgres:
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported dialect %q", cfg.Dialect)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, dialect: cfg.Dialect, log: log}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// One writer at a time; WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

func openPostgres(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	rc := cfg.Retry
	if rc.MaxAttempts == 0 && rc.InitialWait == 0 {
		rc = retry.DefaultConfig()
	}
	if cfg.Logger != nil {
		rc.OnRetry = func(attempt int, wait time.Duration, err error) {
			cfg.Logger.Warn("postgres not ready, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		}
	}
	err = retry.Do(ctx, rc, func() error {
		// The server may still be starting; every ping failure is transient.
		return retry.Retryable(db.PingContext(ctx))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) Name() string { return string(s.dialect) }

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB { return s.db }

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Load reads every record.
func (s *Store) Load(ctx context.Context) ([]catalog.Record, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(s.Name(), "load", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT handle, location, title, size, mod_time, added_at, provisional
		 FROM documents ORDER BY location`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var out []catalog.Record
	for rows.Next() {
		var (
			r                catalog.Record
			handle           string
			modTime, addedAt int64
			provisional      int
		)
		if err := rows.Scan(&handle, &r.Location, &r.Title, &r.Size, &modTime, &addedAt, &provisional); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.Handle = catalog.Handle(handle)
		r.ModTime = fromNanos(modTime)
		r.AddedAt = fromNanos(addedAt)
		r.Provisional = provisional != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Apply writes the changeset in one transaction.
func (s *Store) Apply(ctx context.Context, cs catalog.Changeset) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(s.Name(), "apply", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if len(cs.Deletes) > 0 {
		del, err := tx.PrepareContext(ctx, s.rebind(`DELETE FROM documents WHERE handle = ?`))
		if err != nil {
			return fmt.Errorf("prepare delete: %w", err)
		}
		defer del.Close()
		for _, h := range cs.Deletes {
			if _, err := del.ExecContext(ctx, string(h)); err != nil {
				return fmt.Errorf("delete %s: %w", h, err)
			}
		}
	}

	if len(cs.Upserts) > 0 {
		// Records changing location are parked first, so one upsert may
		// claim a location another upsert in the same changeset vacates.
		park, err := tx.PrepareContext(ctx, s.rebind(
			`UPDATE documents SET location = ? WHERE handle = ? AND location <> ?`))
		if err != nil {
			return fmt.Errorf("prepare park: %w", err)
		}
		defer park.Close()
		for _, r := range cs.Upserts {
			if _, err := park.ExecContext(ctx, parkedLocation(r.Handle), string(r.Handle), r.Location); err != nil {
				return fmt.Errorf("park %s: %w", r.Handle, err)
			}
		}

		up, err := tx.PrepareContext(ctx, s.rebind(
			`INSERT INTO documents (handle, location, title, size, mod_time, added_at, provisional)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (handle) DO UPDATE SET
				location = excluded.location,
				title = excluded.title,
				size = excluded.size,
				mod_time = excluded.mod_time,
				provisional = excluded.provisional`))
		if err != nil {
			return fmt.Errorf("prepare upsert: %w", err)
		}
		defer up.Close()
		for _, r := range cs.Upserts {
			provisional := 0
			if r.Provisional {
				provisional = 1
			}
			if _, err := up.ExecContext(ctx,
				string(r.Handle), r.Location, r.Title, r.Size,
				toNanos(r.ModTime), toNanos(r.AddedAt), provisional); err != nil {
				return fmt.Errorf("upsert %s: %w", r.Location, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.log.Debug("applied changeset",
		zap.String("dialect", s.Name()),
		zap.Int("upserts", len(cs.Upserts)),
		zap.Int("deletes", len(cs.Deletes)))
	return nil
}

// Count returns the number of stored documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// parkedLocation is a placeholder no cleaned relative location can equal.
func parkedLocation(h catalog.Handle) string {
	return "/moving/" + string(h)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
