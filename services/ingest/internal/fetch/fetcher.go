// Package fetch retrieves one time window at a time from an upstream source,
// retrying transient failures with a shared backoff strategy.
//
// The Fetcher is generic over the raw row type R so that transports with
// different wire shapes (delimited text, JSON profiles) can share the retry
// and classification logic without the pipeline knowing either format.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/metrics"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/models"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/retry"
)

// Transport performs exactly one request for a window. It returns the data
// rows (header and metadata rows stripped), an error wrapping ErrNoData when
// the upstream has nothing for the window, or any other error.
type Transport[R any] interface {
	FetchWindow(ctx context.Context, w models.Window) ([]R, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc[R any] func(ctx context.Context, w models.Window) ([]R, error)

func (f TransportFunc[R]) FetchWindow(ctx context.Context, w models.Window) ([]R, error) {
	return f(ctx, w)
}

// Status is the outcome of fetching one window.
type Status int

const (
	StatusRows Status = iota
	StatusNoData
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRows:
		return "rows"
	case StatusNoData:
		return "no_data"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is what the Fetcher hands back for a window. Rows is only set when
// Status is StatusRows; Err holds the last attempt's error when StatusFailed.
type Result[R any] struct {
	Window   models.Window
	Status   Status
	Rows     []R
	Attempts int
	Err      error
}

// Fetcher wraps a Transport with bounded retries.
type Fetcher[R any] struct {
	transport Transport[R]
	backoff   retry.Backoff
	logger    *zap.Logger
	metrics   *metrics.Metrics
	sleep     func(context.Context, time.Duration) error
}

// Option configures a Fetcher.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	sleep   func(context.Context, time.Duration) error
}

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithSleep replaces the backoff sleep, mainly so tests do not wait.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

// New builds a Fetcher around transport using the given backoff strategy.
func New[R any](transport Transport[R], backoff retry.Backoff, opts ...Option) *Fetcher[R] {
	o := options{logger: zap.NewNop(), sleep: retry.Sleep}
	for _, opt := range opts {
		opt(&o)
	}
	return &Fetcher[R]{
		transport: transport,
		backoff:   backoff,
		logger:    o.logger,
		metrics:   o.metrics,
		sleep:     o.sleep,
	}
}

// CloseIdleConnections drops the transport's pooled connections, if it keeps
// any, so the next attempt dials fresh.
func (f *Fetcher[R]) CloseIdleConnections() {
	if c, ok := f.transport.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

// Fetch retrieves one window. Transient failures are retried until the
// attempt budget is spent, which yields StatusFailed with a nil error. A
// non-nil error is returned only for fatal failures (wrapping ErrFatal) and
// for cancellation of ctx; both should stop the run.
func (f *Fetcher[R]) Fetch(ctx context.Context, w models.Window) (Result[R], error) {
	res := Result[R]{Window: w}
	maxAttempts := f.backoff.MaxAttempts()
	logger := f.logger.With(zap.Stringer("window", w))

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempts = attempt

		started := time.Now()
		rows, err := f.transport.FetchWindow(ctx, w)
		elapsed := time.Since(started)

		if err == nil {
			f.metrics.RecordFetchAttempt("ok", elapsed)
			if len(rows) == 0 {
				res.Status = StatusNoData
				return res, nil
			}
			res.Status = StatusRows
			res.Rows = rows
			return res, nil
		}

		class := Classify(err)
		if class == ClassTransient && ctx.Err() != nil {
			class = ClassCancelled
		}
		f.metrics.RecordFetchAttempt(class.String(), elapsed)

		switch class {
		case ClassNoData:
			res.Status = StatusNoData
			return res, nil
		case ClassFatal:
			res.Status = StatusFailed
			res.Err = err
			if !errors.Is(err, ErrFatal) {
				err = fmt.Errorf("%w: %w", ErrFatal, err)
			}
			return res, err
		case ClassCancelled:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			return res, err
		}

		res.Err = err
		if attempt == maxAttempts {
			break
		}
		delay := f.backoff.Delay(attempt)
		logger.Warn("fetch attempt failed, backing off",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := f.sleep(ctx, delay); err != nil {
			return res, err
		}
	}

	res.Status = StatusFailed
	logger.Error("window fetch failed after all attempts",
		zap.Int("attempts", res.Attempts),
		zap.Error(res.Err))
	return res, nil
}
