// Package main provides the API server entry point for the payout settlement service.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/payout-reconciler/internal/adapter"
	"github.com/payout-reconciler/internal/api"
	"github.com/payout-reconciler/internal/config"
	"github.com/payout-reconciler/internal/events"
	"github.com/payout-reconciler/internal/logging"
	"github.com/payout-reconciler/internal/service"
	"github.com/payout-reconciler/internal/storage"
	"github.com/payout-reconciler/internal/types"
	"github.com/payout-reconciler/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Initialize database connections
	logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to ClickHouse")
	}
	defer clickhouse.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	logger.Info("Database connections established")

	// Initialize repositories
	accountRepo := storage.NewAccountRepository(postgres)
	payoutRepo := storage.NewPayoutRepository(postgres)
	conflictRepo := storage.NewConflictRepository(postgres)
	batchRepo := storage.NewBatchRepository(postgres)
	checkpointRepo := storage.NewCheckpointRepository(postgres)
	unifiedTxRepo := storage.NewUnifiedTxRepository(postgres)
	journal := storage.NewEventJournal(clickhouse)
	velocity := storage.NewVelocityTracker(redis.Client(), cfg.Velocity.HourlyCap, cfg.Velocity.DailyCap)

	// Event publishing: every event lands in the ClickHouse journal; NATS is
	// attached when configured
	sinks := []events.Publisher{events.NewJournalPublisher(journal)}
	if cfg.NATS.URL != "" {
		natsPublisher, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to NATS")
		}
		sinks = append(sinks, natsPublisher)
	} else {
		logger.Warn("NATS_URL not set, events go to the journal only")
	}
	publisher := events.NewMultiPublisher(sinks...)
	defer publisher.Close()

	// Initialize chain submitters
	submitters := make(map[types.ChainID]adapter.ChainSubmitter)
	for chainID, subCfg := range cfg.Executor.Submitters {
		submitter, err := adapter.NewEthereumSubmitter(subCfg.RPCURL, subCfg.PrivateKey, subCfg.ChainID, subCfg.WeiPerUnit)
		if err != nil {
			logger.WithError(err).WithFields(map[string]interface{}{
				"chain": string(chainID),
			}).Warn("Failed to create submitter for chain")
			continue
		}
		submitters[chainID] = submitter
		logger.WithFields(map[string]interface{}{
			"chain": string(chainID),
			"rpc":   subCfg.RPCURL,
		}).Info("Chain submitter initialized")
	}
	if len(submitters) == 0 {
		logger.Warn("No chain submitters initialized - payouts will admit but not settle")
	}

	// Initialize services
	logger.Info("Initializing services...")

	notifier := adapter.NewLogNotifier(logger)
	fees := service.NewFeeCalculator(&cfg.Payout)
	reconciler := service.NewReconciler(cfg.Reconciler.Policy)
	conflictQueue := service.NewConflictQueue(conflictRepo, accountRepo, cfg.Reconciler.Policy, notifier, publisher, logger)
	payoutService := service.NewPayoutService(payoutRepo, accountRepo, velocity, fees, &cfg.Payout, publisher, logger)
	statsService := service.NewStatsService(checkpointRepo, conflictQueue, accountRepo)

	// Initialize background workers
	retryScheduler := worker.NewRetryScheduler(payoutRepo, velocity, cfg.Retry, publisher, notifier, logger)
	executor := worker.NewExecutor(payoutRepo, accountRepo, velocity, submitters, fees, retryScheduler, publisher, cfg.Executor, logger)

	ledgerA := adapter.NewSQLLedger(postgres, types.SourceMiningPool)
	ledgerB := adapter.NewSQLLedger(postgres, types.SourceBridge)
	reconcileWorker := worker.NewReconcileWorker(ledgerA, ledgerB, reconciler, conflictQueue,
		accountRepo, unifiedTxRepo, checkpointRepo, conflictRepo, publisher, cfg.Reconciler, logger)

	if err := executor.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start payout executor")
	}
	if err := reconcileWorker.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start reconcile worker")
	}

	var aggregator *worker.BatchAggregator
	if cfg.Batch.Enabled {
		nativeSubmitter, ok := submitters[types.ChainNative]
		if !ok {
			logger.Warn("Batch aggregation enabled but no native chain submitter configured")
		} else {
			aggregator = worker.NewBatchAggregator(payoutRepo, batchRepo, nativeSubmitter, fees, retryScheduler, cfg.Batch, logger)
			if err := aggregator.Start(); err != nil {
				logger.WithError(err).Fatal("Failed to start batch aggregator")
			}
		}
	}

	// Create server configuration
	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}

	server := api.NewServer(serverConfig, payoutService, conflictQueue, statsService)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if aggregator != nil {
		if err := aggregator.Stop(ctx); err != nil {
			logger.WithError(err).Error("Batch aggregator forced to stop")
		}
	}
	if err := reconcileWorker.Stop(ctx); err != nil {
		logger.WithError(err).Error("Reconcile worker forced to stop")
	}
	if err := executor.Stop(ctx); err != nil {
		logger.WithError(err).Error("Payout executor forced to stop")
	}

	logger.Info("Server exited")
}
