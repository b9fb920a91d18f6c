package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/models"
)

// DB is the subset of *pgxpool.Pool used by this package.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Connect opens a pool and verifies the server is reachable.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	cfg.MaxConns = 4
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS argo_measurements (
    id               BIGSERIAL PRIMARY KEY,
    float_id         TEXT NOT NULL,
    observed_at      TIMESTAMPTZ NOT NULL,
    latitude         DOUBLE PRECISION NOT NULL,
    longitude        DOUBLE PRECISION NOT NULL,
    pressure         DOUBLE PRECISION,
    temperature      DOUBLE PRECISION,
    salinity         DOUBLE PRECISION,
    dissolved_oxygen DOUBLE PRECISION,
    chlorophyll      DOUBLE PRECISION,
    ingested_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS argo_measurements_key
    ON argo_measurements (float_id, observed_at, (COALESCE(pressure, -1)))`,
	`CREATE INDEX IF NOT EXISTS argo_measurements_float_idx ON argo_measurements (float_id)`,
	`CREATE INDEX IF NOT EXISTS argo_measurements_observed_idx ON argo_measurements (observed_at)`,
	`CREATE INDEX IF NOT EXISTS argo_measurements_location_idx ON argo_measurements (latitude, longitude)`,
	`CREATE INDEX IF NOT EXISTS argo_measurements_temperature_idx ON argo_measurements (temperature)`,
	`CREATE TABLE IF NOT EXISTS ingest_checkpoint (
    name          TEXT PRIMARY KEY,
    checkpoint_at TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE TABLE IF NOT EXISTS ingest_runs (
    id                UUID PRIMARY KEY,
    source            TEXT NOT NULL,
    started_at        TIMESTAMPTZ NOT NULL,
    finished_at       TIMESTAMPTZ NOT NULL,
    range_start       TIMESTAMPTZ NOT NULL,
    range_end         TIMESTAMPTZ NOT NULL,
    windows_attempted INTEGER NOT NULL,
    windows_no_data   INTEGER NOT NULL,
    windows_failed    INTEGER NOT NULL,
    rows_fetched      INTEGER NOT NULL,
    rows_rejected     INTEGER NOT NULL,
    rows_persisted    INTEGER NOT NULL,
    rows_duplicate    INTEGER NOT NULL,
    row_failures      INTEGER NOT NULL,
    breaker_trips     INTEGER NOT NULL,
    checkpoint_at     TIMESTAMPTZ,
    stop_reason       TEXT NOT NULL
)`,
}

// EnsureSchema creates the measurement table, its indexes, the checkpoint
// table and the run ledger. Safe to call on every start.
func EnsureSchema(ctx context.Context, db DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// FetchStats summarizes what is stored.
func FetchStats(ctx context.Context, db DB) (models.DataStats, error) {
	var stats models.DataStats
	err := db.QueryRow(ctx, `
SELECT COUNT(*), COUNT(DISTINCT float_id), MIN(observed_at), MAX(observed_at),
    MIN(temperature), MAX(temperature), AVG(temperature),
    MIN(salinity), MAX(salinity), AVG(salinity)
FROM argo_measurements`).Scan(
		&stats.Rows, &stats.Floats, &stats.Earliest, &stats.Latest,
		&stats.TempMin, &stats.TempMax, &stats.TempAvg,
		&stats.SalMin, &stats.SalMax, &stats.SalAvg)
	if err != nil {
		return models.DataStats{}, fmt.Errorf("fetch stats: %w", err)
	}
	return stats, nil
}

// RecordRun appends a finished run to the ingest_runs ledger.
func RecordRun(ctx context.Context, db DB, s models.Summary) error {
	var checkpoint *time.Time
	if !s.Checkpoint.IsZero() {
		c := s.Checkpoint.UTC()
		checkpoint = &c
	}
	_, err := db.Exec(ctx, `
INSERT INTO ingest_runs (id, source, started_at, finished_at, range_start, range_end,
    windows_attempted, windows_no_data, windows_failed,
    rows_fetched, rows_rejected, rows_persisted, rows_duplicate, row_failures,
    breaker_trips, checkpoint_at, stop_reason)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (id) DO NOTHING`,
		s.RunID, s.Source, s.StartedAt, s.FinishedAt, s.RangeStart, s.RangeEnd,
		s.WindowsAttempted, s.WindowsNoData, s.WindowsFailed,
		s.RowsFetched, s.RowsRejected, s.RowsPersisted, s.RowsDuplicate, s.RowFailures,
		s.BreakerTrips, checkpoint, string(s.Reason))
	if err != nil {
		return fmt.Errorf("record run %s: %w", s.RunID, err)
	}
	return nil
}
