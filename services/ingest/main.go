package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/argovis"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/checkpoint"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/config"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/db"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/erddap"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/fetch"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/logging"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/metrics"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/models"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/pipeline"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/retry"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/statusapi"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("ingest failed: %v", err)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var database db.DB
	var statsFn statusapi.StatsFunc
	if !cfg.DryRun {
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		pool, err := db.Connect(connectCtx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := db.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		database = pool
		statsFn = func(ctx context.Context) (models.DataStats, error) { return db.FetchStats(ctx, pool) }
	}

	if cfg.StatsOnly {
		if statsFn == nil {
			return errors.New("--stats needs a database; drop --dry-run")
		}
		stats, err := statsFn(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	var store checkpoint.Store
	var sink pipeline.Sink
	m := metrics.New()
	switch {
	case cfg.DryRun:
		store = checkpoint.NewMemoryStore(time.Time{})
		sink = db.DryRunSink{Logger: logger}
	default:
		if cfg.CheckpointFile != "" {
			store = checkpoint.NewFileStore(cfg.CheckpointFile)
		} else {
			store = checkpoint.NewPostgresStore(database, cfg.CheckpointName, true)
		}
		sink = db.NewSink(database, cfg.SinkBatchSize, logger, m)
	}

	tracker := pipeline.NewTracker()
	deps := runDeps{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		tracker: tracker,
		sink:    sink,
		store:   store,
	}

	group, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()

	if cfg.StatusAddr != "" {
		srv := statusapi.New(statusapi.Options{
			Addr:        cfg.StatusAddr,
			BearerToken: cfg.StatusBearerToken,
			Progress:    tracker,
			Stats:       statsFn,
			Metrics:     m.Handler(),
			Logger:      logger,
		})
		logger.Info("status api listening", zap.String("addr", cfg.StatusAddr))
		group.Go(func() error { return srv.Run(runCtx) })
	}

	var summary models.Summary
	group.Go(func() error {
		defer cancelRun()
		var err error
		switch cfg.Source {
		case config.SourceArgovis:
			summary, err = backfillArgovis(runCtx, deps)
		default:
			summary, err = backfillERDDAP(runCtx, deps)
		}
		return err
	})
	runErr := group.Wait()

	logSummary(logger, summary)
	if database != nil && summary.RunID != "" {
		recordCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.RecordRun(recordCtx, database, summary); err != nil {
			logger.Warn("failed to record run", zap.Error(err))
		}
	}
	return runErr
}

type runDeps struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracker *pipeline.Tracker
	sink    pipeline.Sink
	store   checkpoint.Store
}

func backfillERDDAP(ctx context.Context, deps runDeps) (models.Summary, error) {
	client := erddap.NewClient(erddap.Options{
		BaseURL: deps.cfg.ERDDAPURL,
		Dataset: deps.cfg.ERDDAPDataset,
		Region:  deps.cfg.Region,
		Timeout: deps.cfg.RequestTimeout,
	})
	parser, err := erddap.NewParser(client.Fields())
	if err != nil {
		return models.Summary{}, err
	}
	return backfill[erddap.Row](ctx, deps, client, parser)
}

func backfillArgovis(ctx context.Context, deps runDeps) (models.Summary, error) {
	client := argovis.NewClient(argovis.Options{
		BaseURL: deps.cfg.ArgovisURL,
		APIKey:  deps.cfg.ArgovisAPIKey,
		Region:  deps.cfg.Region,
		Timeout: deps.cfg.RequestTimeout,
	})
	return backfill[argovis.Level](ctx, deps, client, argovis.Parser{})
}

func backfill[R any](ctx context.Context, deps runDeps, transport fetch.Transport[R], parser pipeline.Parser[R]) (models.Summary, error) {
	cfg := deps.cfg
	backoff := retry.Backoff{
		Attempts: cfg.RetryAttempts,
		Base:     cfg.RetryBaseDelay,
		Max:      cfg.RetryMaxDelay,
		Jitter:   cfg.RetryJitter,
	}
	fetcher := fetch.New[R](transport, backoff,
		fetch.WithLogger(deps.logger),
		fetch.WithMetrics(deps.metrics),
	)

	driver, err := pipeline.NewDriver[R](pipeline.Config{
		Source:           cfg.Source,
		Start:            cfg.Start,
		End:              cfg.End,
		WindowWidth:      cfg.Window,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
		WindowPause:      cfg.WindowPause,
		Prefetch:         cfg.Prefetch,
	}, fetcher, parser, deps.sink, deps.store,
		pipeline.WithLogger(deps.logger),
		pipeline.WithMetrics(deps.metrics),
		pipeline.WithTracker(deps.tracker),
		pipeline.WithObserver(pipeline.LogObserver(deps.logger)),
		pipeline.WithObserver(pipeline.MetricsObserver(deps.metrics)),
	)
	if err != nil {
		return models.Summary{}, err
	}
	return driver.Run(ctx)
}

func logSummary(logger *zap.Logger, s models.Summary) {
	if s.RunID == "" {
		return
	}
	logger.Info("backfill finished",
		zap.String("run_id", s.RunID),
		zap.String("source", s.Source),
		zap.String("stop_reason", string(s.Reason)),
		zap.Time("range_start", s.RangeStart),
		zap.Time("range_end", s.RangeEnd),
		zap.Int("windows_attempted", s.WindowsAttempted),
		zap.Int("windows_no_data", s.WindowsNoData),
		zap.Int("windows_failed", s.WindowsFailed),
		zap.Int("rows_fetched", s.RowsFetched),
		zap.Int("rows_rejected", s.RowsRejected),
		zap.Int("rows_persisted", s.RowsPersisted),
		zap.Int("rows_duplicate", s.RowsDuplicate),
		zap.Int("row_failures", s.RowFailures),
		zap.Int("breaker_trips", s.BreakerTrips),
		zap.Time("checkpoint", s.Checkpoint),
		zap.Duration("elapsed", s.FinishedAt.Sub(s.StartedAt)))
}
