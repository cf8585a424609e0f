package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mtiwari1/gopherscan/internal/config"
	"github.com/mtiwari1/gopherscan/internal/grpcserver"
	"github.com/mtiwari1/gopherscan/internal/ratelimit"
	"github.com/mtiwari1/gopherscan/internal/restapi"
	"github.com/mtiwari1/gopherscan/internal/worker"
	pb "github.com/mtiwari1/gopherscan/proto"
)

const (
	shutdownTimeout = 10 * time.Second
	healthInterval  = 5 * time.Second
)

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting GopherScan", slog.String("node_id", cfg.NodeID))

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fail(logger, "init", err)
	}
	defer a.close()

	// ── Worker pool ──
	a.pool.Start()
	logger.Info("worker pool started", slog.Int("workers", cfg.Worker.Count))

	resultsDone := make(chan struct{})
	go func() {
		defer close(resultsDone)
		handleResults(a.pool.Results(), logger)
	}()

	// ── Rate limiting ──
	usage := ratelimit.NewUsageRecorder(a.repo, cfg.RateLimit.UsageBuffer, logger)
	limiter := ratelimit.NewMiddleware(ratelimit.MiddlewareConfig{
		Limiter:         ratelimit.NewLimiter(a.counters, a.clock, cfg.RateLimit, logger),
		Auth:            ratelimit.NewAuthenticator(a.repo, a.clock, logger),
		Operations:      ratelimit.NewOperationClassifier(cfg.RateLimit),
		Catalog:         ratelimit.NewEndpointCatalog(append(restapi.Patterns(), pb.GetJobMethod, pb.GetUploadStatusMethod)...),
		Usage:           usage,
		Clock:           a.clock,
		ClientTagMaxLen: cfg.RateLimit.ClientTagMaxLen,
		ExemptPaths:     []string{"/healthz", healthpb.Health_Check_FullMethodName},
		Logger:          logger,
	})

	// ── gRPC server ──
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(limiter.UnaryServerInterceptor()))
	pb.RegisterAnalysisStatusServer(grpcSrv, grpcserver.NewServer(a.jobs, a.uploads, logger))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fail(logger, "listen gRPC", err)
	}

	// ── REST API ──
	mux := http.NewServeMux()
	restapi.NewHandler(a.uploads, a.jobs, cfg.Upload, map[string]restapi.Pinger{
		"database":      a.repo,
		"counter_store": a.counters,
		"blob_store":    a.blobs,
	}, logger).RegisterRoutes(mux)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      limiter.Wrap(mux),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	usageCtx, stopUsage := context.WithCancel(context.Background())
	defer stopUsage()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("gRPC server listening", slog.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			return fmt.Errorf("gRPC serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.scheduler(true).Run(gctx)
	})
	g.Go(func() error {
		return usage.Run(usageCtx)
	})
	g.Go(func() error {
		grpcserver.WatchHealth(gctx, healthSrv, map[string]grpcserver.Pinger{
			"database":      a.repo,
			"counter_store": a.counters,
			"blob_store":    a.blobs,
		}, healthInterval, logger)
		return nil
	})

	// ── Graceful shutdown ──
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutCancel()

		// 1. Stop accepting new HTTP requests.
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			logger.Error("HTTP shutdown", slog.String("error", err.Error()))
		}
		logger.Info("HTTP server stopped")

		// 2. Stop gRPC server gracefully.
		grpcSrv.GracefulStop()
		logger.Info("gRPC server stopped")

		// 3. Flush usage records.
		stopUsage()

		// 4. Drain worker pool; jobs still running at the deadline go back to pending.
		if err := a.pool.Shutdown(shutCtx); err != nil {
			logger.Warn("worker pool drain incomplete", slog.String("error", err.Error()))
		}
		logger.Info("worker pool drained")

		// 5. Wait for results handler to finish.
		<-resultsDone
		logger.Info("results handler finished")
		return nil
	})

	if err := g.Wait(); err != nil {
		return fail(logger, "serve", err)
	}
	logger.Info("GopherScan shutdown complete")
	return nil
}

// handleResults logs worker outcomes. Job state is already persisted by the
// processor; failures here are infrastructure errors that left the job for
// the requeue or timeout sweeps.
func handleResults(results <-chan worker.Result, logger *slog.Logger) {
	var processed, failed int
	for res := range results {
		processed++
		if res.Err != nil {
			failed++
			logger.Error("job processing error",
				slog.String("job_id", res.JobID),
				slog.Int("worker_id", res.WorkerID),
				slog.String("error", res.Err.Error()),
			)
			continue
		}
		logger.Debug("job processed",
			slog.String("job_id", res.JobID),
			slog.Duration("latency", res.Latency),
		)
	}
	logger.Info("results summary", slog.Int("processed", processed), slog.Int("failed", failed))
}
