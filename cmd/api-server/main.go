package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/telaclinic/booking-service/internal/api"
	"github.com/telaclinic/booking-service/internal/booking"
	"github.com/telaclinic/booking-service/internal/config"
	"github.com/telaclinic/booking-service/internal/db"
	"github.com/telaclinic/booking-service/internal/metrics"
	"github.com/telaclinic/booking-service/internal/notify"
	redisclient "github.com/telaclinic/booking-service/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config load error", zap.Error(err))
	}

	logger := newLogger(cfg.Env)
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("api-server starting",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("store", cfg.Store),
		zap.String("version", version),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo booking.Repository
	var pgPool *pgxpool.Pool
	if cfg.Store == config.StorePostgres {
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err = db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		cancelPg()
		if err != nil {
			logger.Fatal("postgres connection error", zap.Error(err))
		}
		defer pgPool.Close()
		repo = booking.NewPgRepository(pgPool)
		logger.Info("connected to postgres")
	} else {
		repo = booking.NewMemoryRepository()
		logger.Warn("running on the in-memory store, data will not survive a restart")
	}

	var rdb *redis.Client
	var locker redisclient.Locker
	if cfg.RedisAddr != "" {
		rdb, err = redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			logger.Fatal("redis connection error", zap.Error(err))
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("error closing redis", zap.Error(err))
			}
		}()
		locker = redisclient.NewSlotLocker(rdb, cfg.LockTTL)
		logger.Info("connected to redis")
	} else {
		logger.Warn("REDIS_ADDR not set, distributed slot lock disabled")
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Fatal("invalid timezone", zap.String("tz", cfg.Timezone), zap.Error(err))
	}

	bookingMetrics := metrics.NewBookingMetrics(nil)

	dispatcher := notify.NewDispatcher(notifyDriver(cfg, logger), logger)
	defer dispatcher.Close()

	catalog := booking.NewCatalog(repo, loc, logger)
	limiter := booking.NewCooldownLimiter(cfg.BookingCooldownLimit, cfg.BookingCooldown)
	svc := booking.NewService(booking.ServiceDeps{
		Repo:     repo,
		Locker:   locker,
		Limiter:  limiter,
		Notifier: dispatcher,
		Videos:   &notify.DemoVideoIssuer{},
		Metrics:  bookingMetrics,
		Config:   cfg,
		Logger:   logger,
	})
	lifecycle := booking.NewLifecycle(repo, locker, dispatcher, bookingMetrics, cfg, logger)

	router := api.NewRouter(api.RouterConfig{
		Catalog:       catalog,
		Bookings:      svc,
		Lifecycle:     lifecycle,
		Health:        api.NewHealthHandler(pgPool, rdb, cfg.Env, version),
		Issuer:        api.NewTokenIssuer(cfg.AdminTokenSecret, cfg.AdminTokenTTL),
		AdminEmail:    cfg.AdminEmail,
		AdminPassword: cfg.AdminPassword,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}

	logger.Info("api-server stopped")
}

func newLogger(env string) *zap.Logger {
	var logger *zap.Logger
	var err error
	if env == "prod" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		os.Exit(1)
	}
	return logger
}

func notifyDriver(cfg config.Config, logger *zap.Logger) notify.Driver {
	if cfg.NotifyDriver == "file" {
		return &notify.FileDriver{Path: cfg.NotifyLogFile}
	}
	return &notify.LogDriver{Log: logger}
}
