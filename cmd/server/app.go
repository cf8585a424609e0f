package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/mtiwari1/gopherscan/internal/analysis"
	"github.com/mtiwari1/gopherscan/internal/blobstore"
	"github.com/mtiwari1/gopherscan/internal/config"
	"github.com/mtiwari1/gopherscan/internal/counterstore"
	"github.com/mtiwari1/gopherscan/internal/repository"
	"github.com/mtiwari1/gopherscan/internal/scheduler"
	"github.com/mtiwari1/gopherscan/internal/upload"
	"github.com/mtiwari1/gopherscan/internal/worker"
)

// Scheduled task names; each doubles as its lease name.
const (
	taskSweepSessions = "sweep-upload-sessions"
	taskSweepJobs     = "sweep-expired-jobs"
	taskSweepTimeouts = "sweep-timed-out-jobs"
	taskRequeue       = "requeue-stale-jobs"
)

// app holds the long-lived dependencies shared by every command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clockwork.Clock

	db       *sql.DB
	repo     *repository.MySQL
	redis    *redis.Client
	counters counterstore.Store
	blobs    blobstore.Store

	jobs    *analysis.Service
	uploads *upload.Manager
	pool    *worker.Pool
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, clock: clockwork.NewRealClock()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// ── MySQL ──
	if a.db, err = openDB(ctx, cfg.DB); err != nil {
		return nil, err
	}
	if a.repo, err = repository.NewMySQL(a.db); err != nil {
		return nil, fmt.Errorf("init repository: %w", err)
	}
	logger.Info("database connected")

	// ── Redis counter store ──
	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.counters = counterstore.NewRedis(a.redis)
	if err = a.counters.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected", slog.String("addr", cfg.Redis.Addr))

	// ── Blob storage ──
	if a.blobs, err = openBlobs(ctx, cfg.Blob, logger); err != nil {
		return nil, err
	}
	logger.Info("blob store ready", slog.String("backend", cfg.Blob.Backend))

	// ── Analysis and uploads ──
	analyzer := analysis.NewHTTPAnalyzer(cfg.Analyzer, logger)
	processor := analysis.NewProcessor(a.repo, a.blobs, analyzer, a.clock, cfg.Jobs, logger)
	a.pool = worker.NewPool(cfg.Worker, processor, logger)
	a.jobs = analysis.NewService(a.repo, a.blobs, a.pool, a.clock, cfg.Jobs, logger)
	a.uploads = upload.NewManager(a.repo, a.blobs, a.jobs, a.clock, cfg.Upload, logger)
	return a, nil
}

// scheduler registers the maintenance sweeps. Requeue hands ids to the
// worker pool, so it is only wanted where the pool runs.
func (a *app) scheduler(withRequeue bool) *scheduler.Scheduler {
	s := scheduler.New(a.counters, a.clock, a.logger)
	s.Add(taskSweepTimeouts, a.cfg.Sweeps.Timeouts, a.jobs.SweepTimedOut)
	s.Add(taskSweepSessions, a.cfg.Sweeps.Sessions, a.uploads.SweepExpired)
	s.Add(taskSweepJobs, a.cfg.Sweeps.Jobs, a.jobs.SweepExpired)
	if withRequeue {
		s.Add(taskRequeue, a.cfg.Sweeps.Requeue, a.jobs.RequeueStale)
	}
	return s
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("close redis", slog.String("error", err.Error()))
		}
	}
	if a.repo != nil {
		a.repo.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func openDB(ctx context.Context, cfg config.DBConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Connection pool tuning.
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func openBlobs(ctx context.Context, cfg config.BlobConfig, logger *slog.Logger) (blobstore.Store, error) {
	switch cfg.Backend {
	case "s3":
		client, err := blobstore.NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store := blobstore.NewS3(client, cfg.Bucket, logger)
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("blob store: %w", err)
		}
		return store, nil
	default:
		return blobstore.NewDisk(cfg.Dir)
	}
}
