// Package main запускает HTTP-сервер сервиса growthmart.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/growthmart/internal/config"
	"github.com/mmeshcher/growthmart/internal/handler"
	"github.com/mmeshcher/growthmart/internal/middleware"
	"github.com/mmeshcher/growthmart/internal/notify"
	"github.com/mmeshcher/growthmart/internal/repository"
	"github.com/mmeshcher/growthmart/internal/service"
)

var (
	_ service.Repository = (*repository.PostgresRepository)(nil)
	_ service.Repository = (*repository.SQLiteRepository)(nil)
	_ service.Notifier   = (*notify.Client)(nil)
	_ handler.Service    = (*service.Service)(nil)
)

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

func openStore(cfg *config.Config) (service.Repository, error) {
	retry := repository.DefaultRetryPolicy()
	retry.Attempts = cfg.RetryAttempts

	if cfg.StoreDriver == config.DriverSQLite {
		return repository.NewSQLiteRepository(cfg.DatabaseURI, retry)
	}
	return repository.NewPostgresRepository(cfg.DatabaseURI, retry)
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	repo, err := openStore(cfg)
	if err != nil {
		sugar.Fatalw("database initialization error", "driver", cfg.StoreDriver, "error", err.Error())
	}

	var notifier service.Notifier
	if cfg.NotifyURL != "" {
		notifier = notify.NewClient(cfg.NotifyURL)
	}

	svc := service.NewService(repo, notifier, logger.Named("ledger"))
	defer svc.Close()

	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is empty, every request will be rejected as unauthorized")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.CORSOrigins)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Доставка событий по заказам во внешний приёмник
	g.Go(func() error {
		svc.StartEventDispatch(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting growthmart server", "addr", cfg.RunAddress, "driver", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Остановка сервера при сигнале или ошибке в другой горутине
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
