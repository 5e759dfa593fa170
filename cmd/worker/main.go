package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/travel-expense-review/internal/bootstrap"
	"github.com/kirillkom/travel-expense-review/internal/config"
	"github.com/kirillkom/travel-expense-review/internal/core/domain"
	"github.com/kirillkom/travel-expense-review/internal/infrastructure/worker"
	"github.com/kirillkom/travel-expense-review/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger("worker", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "worker")
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           app.Metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker_metrics_server_failed", "error", err)
		}
	}()

	dispatcher := worker.NewDispatcher(cfg.WorkerMaxConcurrent, cfg.WorkerTaskTimeout, app.Metrics)

	slog.Info("worker_subscribed", "subject", app.Queue.Subject())
	err = app.Queue.SubscribeReviewEvents(ctx, func(_ context.Context, event domain.ReviewEvent) error {
		if !event.CreatedAt.IsZero() {
			app.Metrics.ObserveQueueLag(time.Since(event.CreatedAt))
		}
		switch event.Type {
		case domain.ReviewEventUpload:
			// Uploads for one report serialize on the orchestrator's report lock.
			dispatcher.Dispatch("upload:"+event.ReceiptID, string(event.Type), func(taskCtx context.Context) error {
				_, err := app.Orchestrator.HandleUpload(taskCtx, event.ReportID, event.ReceiptID)
				return err
			})
		case domain.ReviewEventReconcile:
			dispatcher.Dispatch("reconcile:"+event.ReportID, string(event.Type), func(taskCtx context.Context) error {
				_, err := app.Orchestrator.Reconcile(taskCtx, event.ReportID)
				return err
			})
		}
		return nil
	})
	if err != nil {
		slog.Error("worker_subscribe_failed", "error", err)
	}

	dispatcher.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
