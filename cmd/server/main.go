// Command server starts the email dispatch gateway: the scheduler pipeline
// and the HTTP ingress in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fairyhunter13/email-dispatch-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/email-dispatch-gateway/internal/adapter/observability"
	natsq "github.com/fairyhunter13/email-dispatch-gateway/internal/adapter/queue/nats"
	"github.com/fairyhunter13/email-dispatch-gateway/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/email-dispatch-gateway/internal/app"
	"github.com/fairyhunter13/email-dispatch-gateway/internal/config"
	"github.com/fairyhunter13/email-dispatch-gateway/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	// Infra: DB pool + migrations
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories
	requestRepo := postgres.NewRequestRepo(pool)
	resultRepo := postgres.NewResultRepo(pool)

	// Message bus producer; a broker we cannot reach at startup is fatal.
	producer, err := natsq.NewProducer(ctx, cfg)
	if err != nil {
		slog.Error("nats producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	// Usecases
	messageSvc := usecase.NewMessageService(requestRepo, resultRepo)
	eventSvc := usecase.NewEventService(resultRepo)
	dispatcher := usecase.NewDispatcher(producer, cfg.ServerHost)
	scheduler := usecase.NewScheduler(requestRepo, dispatcher, cfg.BatchSize, cfg.SchedulerInterval)

	// Background tasks
	bgCtx, bgCancel := context.WithCancel(ctx)
	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		scheduler.Run(bgCtx)
	}()
	if sweeper := app.NewStrandedRequestSweeper(requestRepo, cfg.SweeperMaxProcessingAge, cfg.SweeperInterval); sweeper != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			sweeper.Run(bgCtx)
		}()
		slog.Info("stranded request sweeper started",
			slog.Duration("max_processing_age", cfg.SweeperMaxProcessingAge),
			slog.Duration("interval", cfg.SweeperInterval))
	}

	// HTTP server
	dbCheck := func(ctx context.Context) error { return pool.Ping(ctx) }
	srv := httpserver.NewServer(cfg, messageSvc, eventSvc, dbCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.ServerPort))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	// Stop claiming new batches; the scheduler finishes its in-flight batch.
	bgCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	bg.Wait()
	slog.Info("shutdown complete")
}
