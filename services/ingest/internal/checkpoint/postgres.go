package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/models"
)

// Querier is the part of *pgxpool.Pool the store needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps named checkpoints in the ingest_checkpoint table.
type PostgresStore struct {
	db           Querier
	name         string
	dataFallback bool
}

// NewPostgresStore returns a store for the checkpoint called name. With
// dataFallback set, a missing checkpoint row is derived from the newest stored
// measurement, rounded down to the start of its UTC day, but only while the
// ingest_runs ledger is empty: once this tool has run, stored rows may sit
// past an unfilled gap and are no evidence of progress.
func NewPostgresStore(db Querier, name string, dataFallback bool) *PostgresStore {
	return &PostgresStore{db: db, name: name, dataFallback: dataFallback}
}

func (s *PostgresStore) Read(ctx context.Context) (time.Time, bool, error) {
	var t time.Time
	err := s.db.QueryRow(ctx,
		`SELECT checkpoint_at FROM ingest_checkpoint WHERE name = $1`, s.name).Scan(&t)
	switch {
	case err == nil:
		return t.UTC(), true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return time.Time{}, false, fmt.Errorf("failed to load checkpoint %q: %w", s.name, err)
	case !s.dataFallback:
		return time.Time{}, false, nil
	}

	var latest *time.Time
	if err := s.db.QueryRow(ctx, `
SELECT MAX(observed_at) FROM argo_measurements
WHERE NOT EXISTS (SELECT 1 FROM ingest_runs)`).Scan(&latest); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to derive checkpoint from data: %w", err)
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return models.StartOfDay(*latest), true, nil
}

func (s *PostgresStore) Advance(ctx context.Context, t time.Time) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO ingest_checkpoint (name, checkpoint_at, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (name) DO UPDATE
SET checkpoint_at = GREATEST(ingest_checkpoint.checkpoint_at, EXCLUDED.checkpoint_at),
    updated_at = NOW()`, s.name, t.UTC())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %q: %w", s.name, err)
	}
	return nil
}
