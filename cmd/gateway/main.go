package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/k4lantar4/moonvpn-sub008/internal/diagnostics"
	"github.com/k4lantar4/moonvpn-sub008/internal/engine"
	"github.com/k4lantar4/moonvpn-sub008/internal/infra"
	"github.com/k4lantar4/moonvpn-sub008/internal/repository/postgres"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	// 2. Инфраструктура: Redis (общий кэш) и Postgres (сток диагностики)
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// Redis недоступен — рантайм переживет это на одном L1
			logger.Warn("redis unreachable, shared cache disabled", zap.Error(err))
			rdb = nil
		}
		cancel()
	}

	var issueStore diagnostics.IssueStore
	if cfg.Database.URL != "" {
		repo := postgres.NewIssueRepo(cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := repo.Ping(pingCtx); err != nil {
			logger.Warn("database unreachable, issue sink disabled", zap.Error(err))
		} else {
			issueStore = repo
		}
		cancel()
	}

	// 3. Метрики и сборка рантайма
	reg := prometheus.NewRegistry()

	rt, err := engine.NewRuntime(cfg, logger, reg, rdb, issueStore)
	if err != nil {
		logger.Fatal("failed to build runtime", zap.Error(err))
	}
	rt.Start()

	// 4. Служебный HTTP-сервер: /health, /status, /metrics
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rt.GetStatus())
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 5. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("gateway started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop // Ждем сигнал
	logger.Info("gateway stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	rt.Stop()
	logger.Info("gateway exited properly")
}
