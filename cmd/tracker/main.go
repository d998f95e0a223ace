package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"conversation-sla-engine/pkg/chatapi"
	"conversation-sla-engine/pkg/config"
	"conversation-sla-engine/pkg/joblock"
	"conversation-sla-engine/pkg/metrics"
	"conversation-sla-engine/pkg/reconcile"
	redisClient "conversation-sla-engine/pkg/redis"
	"conversation-sla-engine/pkg/service"
	"conversation-sla-engine/pkg/sla"
	"conversation-sla-engine/pkg/store"
)

func main() {
	configPath := flag.String("conf", "", "path to a YAML config file; environment variables override it")
	flag.Parse()

	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	logger.WithField("pod_id", cfg.PodID).Info("Starting conversation tracking service")

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Redis
	redis, err := redisClient.NewClient(ctx, redisClient.DefaultConnectionConfig(cfg.RedisURL), logger, m)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	st := store.New(redis.GetRedisClient(), cfg.RedisKeyPrefix, logger, m)
	history := chatapi.NewSlackHistory(cfg.SlackAPIURL, cfg.HistoryPageLimit, st, logger)

	scanner := sla.NewScanner(st, st, st, logger, m)
	reconciler := reconcile.NewReconciler(st, history, logger, m)
	scheduler := reconcile.NewScheduler(st, reconciler, logger, m)

	lock := joblock.New(redis.GetRedisClient(), cfg.RedisKeyPrefix, cfg.PodID, cfg.JobLockTTL, logger, m)
	svc := service.NewService(cfg, lock, redis, st, logger, m)
	svc.Register(scanner, cfg.SLAScanInterval)
	svc.Register(scheduler, cfg.ReconcileInterval)

	if err := svc.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start service")
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error during service shutdown")
	}

	logger.Info("Service shutdown complete")
}
