package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/metrics"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/models"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/utils"
)

// DefaultBatchSize bounds how many rows go into one pgx batch.
const DefaultBatchSize = 500

const insertMeasurement = `INSERT INTO argo_measurements
    (float_id, observed_at, latitude, longitude, pressure, temperature, salinity, dissolved_oxygen, chlorophyll, ingested_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
ON CONFLICT (float_id, observed_at, (COALESCE(pressure, -1))) DO NOTHING`

// Sink writes measurements to argo_measurements. Rows whose key already
// exists are left untouched.
type Sink struct {
	db        DB
	batchSize int
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewSink(db DB, batchSize int, logger *zap.Logger, m *metrics.Metrics) *Sink {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{db: db, batchSize: batchSize, logger: logger, metrics: m}
}

// Upsert persists records in sub-batches. A sub-batch that fails as a whole
// is replayed row by row so that only the offending rows are lost; those come
// back in Failures. The returned error is set only when a row fails for a
// reason other than its content (connection loss, cancellation, missing
// table) and the window cannot be considered persisted.
func (s *Sink) Upsert(ctx context.Context, records []models.Measurement) (models.UpsertResult, error) {
	var res models.UpsertResult
	if len(records) == 0 {
		return res, nil
	}
	started := time.Now()
	defer func() { s.metrics.ObserveUpsert(time.Since(started)) }()

	for start := 0; start < len(records); start += s.batchSize {
		end := min(start+s.batchSize, len(records))
		chunk := records[start:end]

		inserted, err := s.insertBatch(ctx, chunk)
		if err == nil {
			res.Persisted += inserted
			res.Duplicates += len(chunk) - inserted
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		s.logger.Warn("batch insert failed, retrying rows individually",
			zap.Int("rows", len(chunk)), zap.Error(err))
		if err := s.insertRows(ctx, chunk, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Sink) insertBatch(ctx context.Context, chunk []models.Measurement) (int, error) {
	batch := &pgx.Batch{}
	for _, m := range chunk {
		batch.Queue(insertMeasurement, args(m)...)
	}

	br := s.db.SendBatch(ctx, batch)
	inserted := 0
	for range chunk {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, err
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Sink) insertRows(ctx context.Context, chunk []models.Measurement, res *models.UpsertResult) error {
	for _, m := range chunk {
		tag, err := s.db.Exec(ctx, insertMeasurement, args(m)...)
		if err == nil {
			if tag.RowsAffected() > 0 {
				res.Persisted++
			} else {
				res.Duplicates++
			}
			continue
		}
		if !isRowError(err) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("insert %s: %w", m.Key(), err)
		}
		s.logger.Warn("row not persisted", zap.Stringer("key", m.Key()), zap.Error(err))
		res.Failures = append(res.Failures, models.RowFailure{Key: m.Key(), Err: err})
	}
	return nil
}

// isRowError reports whether err is caused by the row's content (SQLSTATE
// class 22 data exception or 23 integrity violation) rather than the store.
func isRowError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")
}

func args(m models.Measurement) []any {
	return []any{
		m.FloatID, m.ObservedAt.UTC(), m.Latitude, m.Longitude,
		m.Pressure, m.Temperature, m.Salinity, m.DissolvedOxygen, m.Chlorophyll,
	}
}

// DryRunSink logs what would be written and stores nothing.
type DryRunSink struct {
	Logger *zap.Logger
}

func (d DryRunSink) Upsert(ctx context.Context, records []models.Measurement) (models.UpsertResult, error) {
	for _, m := range records {
		d.Logger.Debug("dry-run: would insert",
			zap.Stringer("key", m.Key()),
			zap.Float64("lat", m.Latitude),
			zap.Float64("lon", m.Longitude),
			zap.String("temp", utils.ValuePtrString(m.Temperature)),
			zap.String("psal", utils.ValuePtrString(m.Salinity)))
	}
	return models.UpsertResult{Persisted: len(records)}, nil
}
