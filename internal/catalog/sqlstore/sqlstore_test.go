package sqlstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucaji/Shari/internal/catalog"
)

func openSQLiteStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Dialect: SQLite,
		Path:    filepath.Join(t.TempDir(), "catalog.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: Postgres}
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))
	lite := &Store{dialect: SQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestSQLiteApplyAndLoad(t *testing.T) {
	ctx := context.Background()
	s := openSQLiteStore(t)

	a := catalog.NewRecord("a.cbz", 1, time.Unix(100, 5))
	b := catalog.NewRecord("b.cbz", 2, time.Unix(200, 0))
	b.Provisional = true
	require.NoError(t, s.Apply(ctx, catalog.Changeset{Upserts: []catalog.Record{b, a}}))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a.cbz", got[0].Location)
	assert.True(t, got[0].ModTime.Equal(a.ModTime))
	assert.True(t, got[1].Provisional)

	// Update in place and delete in one changeset.
	a.Size = 42
	require.NoError(t, s.Apply(ctx, catalog.Changeset{
		Upserts: []catalog.Record{a},
		Deletes: []catalog.Handle{b.Handle},
	}))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got[0].Size)
	assert.Equal(t, a.Handle, got[0].Handle)
}

func TestSQLiteApplyIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := openSQLiteStore(t)

	a := catalog.NewRecord("a.cbz", 1, time.Now())
	require.NoError(t, s.Apply(ctx, catalog.Changeset{Upserts: []catalog.Record{a}}))

	// A second handle claiming the same location violates the unique
	// constraint; the whole changeset must roll back.
	clash := catalog.NewRecord("c.cbz", 3, time.Now())
	dup := catalog.NewRecord("z.cbz", 1, time.Now())
	dup.Location = "a.cbz"
	err := s.Apply(ctx, catalog.Changeset{Upserts: []catalog.Record{clash, dup}})
	require.Error(t, err)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteWithCatalogStore(t *testing.T) {
	ctx := context.Background()
	s := openSQLiteStore(t)

	store, err := catalog.Open(ctx, s, catalog.Options{})
	require.NoError(t, err)

	bg := store.NewBackgroundContext()
	require.NoError(t, bg.Insert(catalog.NewRecord("x.pdf", 9, time.Now())))
	require.NoError(t, store.Save(ctx, bg))

	r, ok := store.ResolveIdentity("x.pdf")
	require.True(t, ok)
	assert.Equal(t, catalog.HandleFor("x.pdf"), r.Handle)
}

func TestSQLiteMoveFreesLocationForInsert(t *testing.T) {
	ctx := context.Background()
	s := openSQLiteStore(t)

	a := catalog.NewRecord("orig.cbz", 1, time.Now())
	a.Location = "x.cbz"
	require.NoError(t, s.Apply(ctx, catalog.Changeset{Upserts: []catalog.Record{a}}))

	store, err := catalog.Open(ctx, s, catalog.Options{})
	require.NoError(t, err)
	bg := store.NewBackgroundContext()
	moved := a
	moved.Location = "y.cbz"
	require.NoError(t, bg.Update(moved))
	require.NoError(t, bg.Insert(catalog.NewRecord("x.cbz", 2, time.Now())))
	require.NoError(t, store.Save(ctx, bg))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "x.cbz", got[0].Location)
	assert.Equal(t, catalog.HandleFor("x.cbz"), got[0].Handle)
	assert.Equal(t, "y.cbz", got[1].Location)
	assert.Equal(t, a.Handle, got[1].Handle)
}

func TestSQLiteSwapLocations(t *testing.T) {
	ctx := context.Background()
	s := openSQLiteStore(t)

	a := catalog.NewRecord("a.cbz", 1, time.Now())
	b := catalog.NewRecord("b.cbz", 2, time.Now())
	require.NoError(t, s.Apply(ctx, catalog.Changeset{Upserts: []catalog.Record{a, b}}))

	a.Location, b.Location = "b.cbz", "a.cbz"
	require.NoError(t, s.Apply(ctx, catalog.Changeset{Upserts: []catalog.Record{b, a}}))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.Handle, got[0].Handle)
	assert.Equal(t, a.Handle, got[1].Handle)
}

func TestOpenRejectsUnknownDialect(t *testing.T) {
	_, err := Open(context.Background(), Config{Dialect: "oracle"})
	assert.Error(t, err)
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("SHARI_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SHARI_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, Config{Dialect: Postgres, DSN: dsn})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.DB().ExecContext(ctx, `DELETE FROM documents`)
	require.NoError(t, err)

	r := catalog.NewRecord("pg.cbz", 1, time.Now())
	require.NoError(t, s.Apply(ctx, catalog.Changeset{Upserts: []catalog.Record{r}}))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, r.Handle, got[0].Handle)
}

func TestPostgresRequiresDSN(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Open(ctx, Config{Dialect: Postgres})
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
