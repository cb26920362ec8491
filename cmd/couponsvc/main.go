// Package main запускает HTTP-сервер сервиса купонов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/coupon-service/internal/cache"
	"github.com/mmeshcher/coupon-service/internal/config"
	"github.com/mmeshcher/coupon-service/internal/discount"
	"github.com/mmeshcher/coupon-service/internal/events"
	"github.com/mmeshcher/coupon-service/internal/handler"
	"github.com/mmeshcher/coupon-service/internal/metrics"
	"github.com/mmeshcher/coupon-service/internal/repository"
	"github.com/mmeshcher/coupon-service/internal/service"
)

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

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI, repository.WithMaxRetries(cfg.RedeemMaxRetries))
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []service.Option{service.WithMetrics(metrics.NewRecorder(reg))}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RedisAddress != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisAddress)
		if err != nil {
			sugar.Warnw("coupon cache disabled", "addr", cfg.RedisAddress, "error", err.Error())
		} else {
			defer client.Close()
			opts = append(opts, service.WithCache(cache.NewCouponCache(client, cfg.CacheTTL)))
			sugar.Infow("coupon cache enabled", "addr", cfg.RedisAddress, "ttl", cfg.CacheTTL)
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		defer publisher.Close()
		opts = append(opts, service.WithPublisher(publisher))
		sugar.Infow("coupon events enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	svc := service.NewService(repo, discount.NewCalculator(cfg.CurrencyScale), logger, opts...)
	defer svc.Close()

	h := handler.NewHandler(svc, logger, repo, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting coupon server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Завершение по сигналу или по ошибке сервера.
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
		sugar.Errorw("application terminated with error", "error", err)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
