// Package pipeline drives a backfill window by window: fetch, parse, persist,
// then advance the checkpoint.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/checkpoint"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/fetch"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/metrics"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/models"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/retry"
)

// Parser converts one raw upstream row. Rejections wrap models.ErrRejected.
type Parser[R any] interface {
	Parse(R) (models.Measurement, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc[R any] func(R) (models.Measurement, error)

func (f ParserFunc[R]) Parse(r R) (models.Measurement, error) { return f(r) }

// Sink persists a batch of measurements idempotently.
type Sink interface {
	Upsert(ctx context.Context, records []models.Measurement) (models.UpsertResult, error)
}

// Config holds the run parameters.
type Config struct {
	Source           string
	Start            time.Time
	End              time.Time
	WindowWidth      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	WindowPause      time.Duration
	Prefetch         bool
}

// Validate checks the parameters the driver cannot run without.
func (c Config) Validate() error {
	switch {
	case c.Start.IsZero():
		return errors.New("start time is required")
	case c.End.IsZero():
		return errors.New("end time is required")
	case !c.Start.Before(c.End):
		return fmt.Errorf("start %s is not before end %s", c.Start.Format(time.RFC3339), c.End.Format(time.RFC3339))
	case c.WindowWidth <= 0:
		return fmt.Errorf("window width must be positive, got %s", c.WindowWidth)
	case c.BreakerThreshold < 0:
		return fmt.Errorf("breaker threshold must not be negative, got %d", c.BreakerThreshold)
	case c.BreakerCooldown < 0, c.WindowPause < 0:
		return errors.New("breaker cooldown and window pause must not be negative")
	}
	return nil
}

// Driver runs one backfill over [Start, End).
type Driver[R any] struct {
	cfg       Config
	fetcher   *fetch.Fetcher[R]
	parser    Parser[R]
	sink      Sink
	store     checkpoint.Store
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracker   *Tracker
	observers []Observer
	sleep     func(context.Context, time.Duration) error
	now       func() time.Time
}

// Option configures a Driver.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracker   *Tracker
	observers []Observer
	sleep     func(context.Context, time.Duration) error
	now       func() time.Time
}

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

func WithTracker(t *Tracker) Option { return func(o *options) { o.tracker = t } }

func WithObserver(obs Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

// WithSleep replaces the pause and cooldown sleep.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func NewDriver[R any](cfg Config, fetcher *fetch.Fetcher[R], parser Parser[R], sink Sink, store checkpoint.Store, opts ...Option) (*Driver[R], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fetcher == nil || parser == nil || sink == nil || store == nil {
		return nil, errors.New("pipeline: fetcher, parser, sink and checkpoint store are required")
	}
	o := options{logger: zap.NewNop(), sleep: retry.Sleep, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Driver[R]{
		cfg:       cfg,
		fetcher:   fetcher,
		parser:    parser,
		sink:      sink,
		store:     store,
		logger:    o.logger,
		metrics:   o.metrics,
		tracker:   o.tracker,
		observers: o.observers,
		sleep:     o.sleep,
		now:       o.now,
	}, nil
}

// run is the mutable state of one Run. Only the settling goroutine touches it.
type run struct {
	summary models.Summary
	breaker *breaker
	// frozen is set by the first failed window; from then on the checkpoint
	// stays put so the next run resumes at the gap.
	frozen bool
}

// Run processes every window from the resume point to End in chronological
// order. Window failures never end the run. The returned error is non-nil only
// when the run could not start or hit a fatal error; cancellation ends the run
// with StopCancelled and a nil error. The summary is always populated.
func (d *Driver[R]) Run(ctx context.Context) (models.Summary, error) {
	r := &run{
		summary: models.Summary{
			RunID:     uuid.NewString(),
			Source:    d.cfg.Source,
			StartedAt: d.now().UTC(),
			RangeEnd:  d.cfg.End.UTC(),
		},
		breaker: newBreaker(d.cfg.BreakerThreshold),
	}
	d.tracker.setState(StateResuming)

	resume, err := d.resumePoint(ctx, r)
	if err != nil {
		if ctx.Err() != nil {
			return d.finish(r, models.StopCancelled), nil
		}
		return d.finish(r, models.StopFatal), err
	}
	r.summary.RangeStart = resume
	d.tracker.begin(r.summary)
	d.logger.Info("run starting",
		zap.String("run_id", r.summary.RunID),
		zap.Time("resume_from", resume),
		zap.Time("end", d.cfg.End),
		zap.Duration("window", d.cfg.WindowWidth),
		zap.Bool("prefetch", d.cfg.Prefetch))

	windows := models.Span(resume, d.cfg.End, d.cfg.WindowWidth)
	if d.cfg.Prefetch {
		err = d.runPrefetch(ctx, r, windows)
	} else {
		err = d.runSequential(ctx, r, windows)
	}

	switch {
	case err == nil:
		return d.finish(r, models.StopCompleted), nil
	case ctx.Err() != nil:
		d.logger.Warn("run cancelled", zap.Time("checkpoint", r.summary.Checkpoint))
		return d.finish(r, models.StopCancelled), nil
	default:
		d.logger.Error("run aborted", zap.Error(err))
		return d.finish(r, models.StopFatal), err
	}
}

// resumePoint is max(stored checkpoint, configured start). It is written back
// before any window is fetched so a failed first window leaves a checkpoint
// at the gap.
func (d *Driver[R]) resumePoint(ctx context.Context, r *run) (time.Time, error) {
	resume := d.cfg.Start.UTC()
	cp, ok, err := d.store.Read(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("read checkpoint: %w", err)
	}
	if ok && cp.After(resume) {
		resume = cp
	}
	if err := d.store.Advance(ctx, resume); err != nil {
		return time.Time{}, fmt.Errorf("anchor checkpoint at %s: %w", resume.Format(time.RFC3339), err)
	}
	r.summary.Checkpoint = resume
	d.metrics.SetCheckpoint(resume)
	return resume, nil
}

func (d *Driver[R]) runSequential(ctx context.Context, r *run, windows iter.Seq[models.Window]) error {
	first := true
	for w := range windows {
		if err := d.beforeFetch(ctx, r, first); err != nil {
			return err
		}
		first = false
		res, err := d.fetcher.Fetch(ctx, w)
		if err != nil {
			return err
		}
		if err := d.settle(ctx, r, res); err != nil {
			return err
		}
	}
	return nil
}

// runPrefetch fetches window N+1 while window N is being persisted. Results
// are handed over in order through an unbuffered channel, so settling and
// checkpoint advancement stay chronological and at most two windows of rows
// are held at once.
func (d *Driver[R]) runPrefetch(ctx context.Context, r *run, windows iter.Seq[models.Window]) error {
	g, gctx := errgroup.WithContext(ctx)
	results := make(chan fetch.Result[R])

	g.Go(func() error {
		defer close(results)
		first := true
		for w := range windows {
			if err := d.beforeFetch(gctx, r, first); err != nil {
				return err
			}
			first = false
			res, err := d.fetcher.Fetch(gctx, w)
			if err != nil {
				return err
			}
			select {
			case results <- res:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		for res := range results {
			if err := d.settle(gctx, r, res); err != nil {
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// beforeFetch serves a pending breaker cooldown and the inter-window pause.
func (d *Driver[R]) beforeFetch(ctx context.Context, r *run, first bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.breaker.takeCooldown() {
		d.logger.Warn("circuit breaker open, pausing",
			zap.Int("threshold", d.cfg.BreakerThreshold),
			zap.Duration("cooldown", d.cfg.BreakerCooldown))
		d.tracker.setState(StateCoolingDown)
		if err := d.sleep(ctx, d.cfg.BreakerCooldown); err != nil {
			return err
		}
		d.fetcher.CloseIdleConnections()
		d.tracker.setState(StateRunning)
		d.logger.Info("circuit breaker closed, resuming")
		return nil
	}
	if !first && d.cfg.WindowPause > 0 {
		return d.sleep(ctx, d.cfg.WindowPause)
	}
	return nil
}

// settle parses and persists one fetched window, then advances the
// checkpoint if every earlier window of this run succeeded.
func (d *Driver[R]) settle(ctx context.Context, r *run, res fetch.Result[R]) error {
	w := res.Window
	report := models.WindowReport{Window: w, Attempts: res.Attempts}

	switch res.Status {
	case fetch.StatusNoData:
		report.Outcome = models.OutcomeNoData
	case fetch.StatusFailed:
		report.Outcome = models.OutcomeFailed
		report.Err = res.Err
	case fetch.StatusRows:
		records := d.parse(w, res.Rows, &report)
		upserted, err := d.sink.Upsert(ctx, records)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			report.Outcome = models.OutcomeFailed
			report.Err = fmt.Errorf("persist %s: %w", w, err)
			break
		}
		report.Outcome = models.OutcomeRowsPersisted
		report.Persisted = upserted.Persisted
		report.Duplicates = upserted.Duplicates
		report.RowFailures = len(upserted.Failures)
	}

	s := &r.summary
	s.WindowsAttempted++
	s.RowsFetched += report.Fetched
	s.RowsRejected += report.Rejected
	s.RowsPersisted += report.Persisted
	s.RowsDuplicate += report.Duplicates
	s.RowFailures += report.RowFailures
	report.RunningTotal = s.RowsPersisted

	failed := report.Outcome == models.OutcomeFailed
	consecutive, tripped := r.breaker.record(failed)
	d.metrics.SetConsecutiveFailures(consecutive)
	if tripped {
		d.metrics.RecordBreakerTrip()
	}

	switch {
	case failed:
		s.WindowsFailed++
		if !r.frozen {
			d.logger.Warn("checkpoint frozen until next run", zap.Stringer("gap", w))
		}
		r.frozen = true
	case report.Outcome == models.OutcomeNoData:
		s.WindowsNoData++
		d.advance(ctx, r, w.End)
	default:
		d.advance(ctx, r, w.End)
	}

	d.tracker.window(report, *s, consecutive)
	for _, obs := range d.observers {
		obs.ObserveWindow(report)
	}
	return nil
}

func (d *Driver[R]) parse(w models.Window, rows []R, report *models.WindowReport) []models.Measurement {
	report.Fetched = len(rows)
	records := make([]models.Measurement, 0, len(rows))
	for i, row := range rows {
		m, err := d.parser.Parse(row)
		if err != nil {
			report.Rejected++
			d.logger.Debug("row rejected", zap.Stringer("window", w), zap.Int("row", i), zap.Error(err))
			continue
		}
		records = append(records, m)
	}
	if report.Rejected > 0 {
		d.logger.Info("rows rejected by parser",
			zap.Stringer("window", w),
			zap.Int("rejected", report.Rejected),
			zap.Int("fetched", report.Fetched))
	}
	return records
}

// advance moves the checkpoint to t unless the run is frozen. A failed write
// is counted and logged; the rows it covers are already stored.
func (d *Driver[R]) advance(ctx context.Context, r *run, t time.Time) {
	if r.frozen {
		return
	}
	if err := d.store.Advance(ctx, t); err != nil {
		r.summary.CheckpointErrors++
		d.metrics.RecordCheckpointError()
		d.logger.Error("checkpoint write failed", zap.Time("checkpoint", t), zap.Error(err))
		return
	}
	if t.After(r.summary.Checkpoint) {
		r.summary.Checkpoint = t
		d.metrics.SetCheckpoint(t)
	}
}

func (d *Driver[R]) finish(r *run, reason models.StopReason) models.Summary {
	r.summary.Reason = reason
	r.summary.FinishedAt = d.now().UTC()
	r.summary.BreakerTrips = r.breaker.tripCount()
	d.tracker.finish(r.summary)
	return r.summary
}
