package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/telaclinic/booking-service/internal/booking"
	"github.com/telaclinic/booking-service/internal/config"
	"github.com/telaclinic/booking-service/internal/db"
	"github.com/telaclinic/booking-service/internal/metrics"
)

// The reconciler worker is the operational safeguard required around the
// booking transaction: it periodically releases booked slots that lost their
// appointment to a crash and held slots whose hold TTL lapsed.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config load error", zap.Error(err))
	}

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("reconciler starting",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
		zap.Duration("grace", cfg.ReconcileGrace),
		zap.Duration("hold_ttl", cfg.HoldTTL),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to postgres")

	repo := booking.NewPgRepository(pgPool)
	bookingMetrics := metrics.NewBookingMetrics(nil)
	reconciler := booking.NewReconciler(repo, cfg.ReconcileGrace, cfg.HoldTTL, logger)

	// Run once at startup, then on the ticker.
	runOnce(rootCtx, reconciler, bookingMetrics, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping reconciler")
			return
		case <-ticker.C:
			runOnce(rootCtx, reconciler, bookingMetrics, logger)
		}
	}
}

func runOnce(ctx context.Context, r *booking.Reconciler, m *metrics.BookingMetrics, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	released, err := r.Run(runCtx)
	if err != nil {
		logger.Error("reconcile run error", zap.Error(err))
		return
	}
	m.AddReconciled(released)
	logger.Info("reconcile run complete",
		zap.Int("released", released),
		zap.Duration("took", time.Since(start)),
	)
}
