package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

func assertMonotonic(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Read(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Advance(ctx, t1))
	require.NoError(t, s.Advance(ctx, t0), "moving backwards is a no-op, not an error")

	got, ok, err := s.Read(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, t1.Equal(got), "got %s", got)

	require.NoError(t, s.Advance(ctx, t1.Add(time.Hour)))
	got, _, err = s.Read(ctx)
	require.NoError(t, err)
	assert.True(t, t1.Add(time.Hour).Equal(got))
}

func TestMemoryStore(t *testing.T) {
	assertMonotonic(t, NewMemoryStore(time.Time{}))

	t.Run("seeded", func(t *testing.T) {
		got, ok, err := NewMemoryStore(t0).Read(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, t0, got)
	})
}

func TestFileStore(t *testing.T) {
	t.Run("monotonic", func(t *testing.T) {
		assertMonotonic(t, NewFileStore(filepath.Join(t.TempDir(), "state", "checkpoint.json")))
	})

	t.Run("survives reopen and leaves no temp files", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "checkpoint.json")
		require.NoError(t, NewFileStore(path).Advance(context.Background(), t0))

		got, ok, err := NewFileStore(path).Read(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, t0.Equal(got))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "checkpoint.json", entries[0].Name())
	})

	t.Run("corrupt file is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "checkpoint.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

		_, _, err := NewFileStore(path).Read(context.Background())
		assert.Error(t, err)
	})

	t.Run("cancelled context does not write", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "checkpoint.json")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, NewFileStore(path).Advance(ctx, t0), context.Canceled)
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeQuerier struct {
	rows    map[string]func(dest ...any) error
	queries []string
	execSQL []string
	args    [][]any
	execErr error
}

func (q *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.execSQL = append(q.execSQL, sql)
	q.args = append(q.args, args)
	return pgconn.NewCommandTag("INSERT 0 1"), q.execErr
}

func (q *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	q.queries = append(q.queries, sql)
	for fragment, scan := range q.rows {
		if strings.Contains(sql, fragment) {
			return fakeRow{scan: scan}
		}
	}
	return fakeRow{scan: func(...any) error { return errors.New("unexpected query: " + sql) }}
}

func noRows(...any) error { return pgx.ErrNoRows }

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()

	t.Run("reads the stored checkpoint", func(t *testing.T) {
		q := &fakeQuerier{rows: map[string]func(dest ...any) error{
			"FROM ingest_checkpoint": func(dest ...any) error {
				*dest[0].(*time.Time) = t1
				return nil
			},
		}}

		got, ok, err := NewPostgresStore(q, "erddap", true).Read(ctx)

		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, t1, got)
	})

	t.Run("missing row without fallback", func(t *testing.T) {
		q := &fakeQuerier{rows: map[string]func(dest ...any) error{"FROM ingest_checkpoint": noRows}}

		_, ok, err := NewPostgresStore(q, "erddap", false).Read(ctx)

		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("missing row falls back to start of the newest day", func(t *testing.T) {
		latest := time.Date(2024, 3, 9, 17, 42, 5, 0, time.UTC)
		q := &fakeQuerier{rows: map[string]func(dest ...any) error{
			"FROM ingest_checkpoint": noRows,
			"MAX(observed_at)": func(dest ...any) error {
				*dest[0].(**time.Time) = &latest
				return nil
			},
		}}

		got, ok, err := NewPostgresStore(q, "erddap", true).Read(ctx)

		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), got)
		require.Len(t, q.queries, 2)
		assert.Contains(t, q.queries[1], "NOT EXISTS (SELECT 1 FROM ingest_runs)",
			"data is only trusted before any run has been recorded")
	})

	t.Run("fallback finds nothing once runs are recorded", func(t *testing.T) {
		q := &fakeQuerier{rows: map[string]func(dest ...any) error{
			"FROM ingest_checkpoint": noRows,
			// The ledger guard makes MAX run over no rows.
			"NOT EXISTS (SELECT 1 FROM ingest_runs)": func(dest ...any) error { return nil },
		}}

		_, ok, err := NewPostgresStore(q, "argovis", true).Read(ctx)

		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("empty table has no checkpoint", func(t *testing.T) {
		q := &fakeQuerier{rows: map[string]func(dest ...any) error{
			"FROM ingest_checkpoint": noRows,
			"MAX(observed_at)":       func(dest ...any) error { return nil },
		}}

		_, ok, err := NewPostgresStore(q, "erddap", true).Read(ctx)

		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("query failures are reported", func(t *testing.T) {
		q := &fakeQuerier{rows: map[string]func(dest ...any) error{
			"FROM ingest_checkpoint": func(...any) error { return errors.New("conn closed") },
		}}

		_, _, err := NewPostgresStore(q, "erddap", true).Read(ctx)

		assert.ErrorContains(t, err, "conn closed")
	})

	t.Run("advance keeps the greater value", func(t *testing.T) {
		q := &fakeQuerier{}

		require.NoError(t, NewPostgresStore(q, "erddap", true).Advance(ctx, t1))

		require.Len(t, q.execSQL, 1)
		assert.Contains(t, q.execSQL[0], "GREATEST(ingest_checkpoint.checkpoint_at, EXCLUDED.checkpoint_at)")
		assert.Equal(t, []any{"erddap", t1}, q.args[0])
	})

	t.Run("advance failures are wrapped", func(t *testing.T) {
		q := &fakeQuerier{execErr: errors.New("read-only transaction")}

		err := NewPostgresStore(q, "erddap", true).Advance(ctx, t1)

		assert.ErrorContains(t, err, `failed to save checkpoint "erddap"`)
	})
}
