// Package main provides the API server entry point for the round-up service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/coffee-change/internal/adapter"
	"github.com/coffee-change/internal/api"
	"github.com/coffee-change/internal/config"
	"github.com/coffee-change/internal/logging"
	"github.com/coffee-change/internal/roundup"
	"github.com/coffee-change/internal/service"
	"github.com/coffee-change/internal/storage"
	"github.com/coffee-change/internal/worker"
)

func main() {
	fmt.Println("Coffee Change Round-Up Server")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	checks := map[string]api.HealthCheck{"postgres": postgres.Ping}

	// Redis fronts the active-address set. Without it every delivery reads Postgres.
	var cache service.ActiveSetCache
	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, active-address cache disabled")
	} else {
		defer redis.Close()
		cache = storage.NewActiveAddressCache(redis, cfg.Cache.ActiveAddressTTL)
		checks["redis"] = redis.Ping
	}

	var archive service.TransferArchive
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()
		archive = storage.NewTransferArchiveRepository(clickhouse)
		checks["clickhouse"] = clickhouse.Ping
	}

	addressRepo := storage.NewAddressRepository(postgres)
	ledgerRepo := storage.NewLedgerRepository(postgres)
	settlementRepo := storage.NewSettlementRepository(postgres)

	broadcaster, err := adapter.NewStakingBroadcaster(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize staking broadcaster")
	}

	rates, err := roundup.NewFixedRateProvider(cfg.Settlement.ConversionRate)
	if err != nil {
		logger.WithError(err).Fatal("Invalid ETH_USD_RATE")
	}

	registryService := service.NewRegistryService(addressRepo, cache)
	settlementService := service.NewSettlementService(service.NewSettlementConfig(&cfg.Settlement), ledgerRepo, settlementRepo, registryService, rates, broadcaster)

	var queue service.SettlementQueue
	var settlementQueue *worker.SettlementQueue
	if cfg.Settlement.AutoSettle {
		settlementQueue = worker.NewSettlementQueue(settlementService, cfg.Settlement.Workers, cfg.Settlement.QueueSize)
		if err := settlementQueue.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start settlement queue")
		}
		queue = settlementQueue
	}

	var sweeper *worker.Sweeper
	if cfg.Settlement.SweepSchedule != "" {
		sweeper, err = worker.NewSweeper(settlementService, cfg.Settlement.SweepSchedule, cfg.Settlement.BroadcastTimeout*10)
		if err != nil {
			logger.WithError(err).Fatal("Invalid SETTLEMENT_SWEEP_SCHEDULE")
		}
		sweeper.Start()
	}

	ingestionService := service.NewIngestionService(service.IngestionConfig{
		AcceptedTags:  cfg.Webhook.AcceptedTags,
		ChainID:       cfg.Chain.ChainID,
		TokenContract: cfg.Chain.TokenContract,
		TokenDecimals: cfg.Chain.TokenDecimals,
	}, registryService, ledgerRepo, archive, queue)
	summaryService := service.NewSummaryService(ledgerRepo, settlementRepo)

	serverConfig := &api.ServerConfig{
		Host:                 cfg.Server.Host,
		Port:                 cfg.Server.Port,
		ReadTimeout:          15 * time.Second,
		WriteTimeout:         cfg.Settlement.BroadcastTimeout + 15*time.Second,
		IdleTimeout:          60 * time.Second,
		ShutdownTimeout:      10 * time.Second,
		WebhookSecret:        cfg.Webhook.Secret,
		WebhookSkipSignature: cfg.Webhook.SkipSignature,
		WebhookTimeout:       cfg.Webhook.Timeout,
		RateLimitRPS:         cfg.RateLimit.RequestsPerSecond,
		RateLimitBurst:       cfg.RateLimit.Burst,
	}
	if cfg.Webhook.SkipSignature {
		logger.Warn("Webhook signature verification is disabled")
	}

	server := api.NewServer(serverConfig, registryService, ingestionService, settlementService, summaryService, checks)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":        cfg.Server.Host,
		"port":        cfg.Server.Port,
		"auto_settle": cfg.Settlement.AutoSettle,
		"sweep":       cfg.Settlement.SweepSchedule,
		"archive":     archive != nil,
	}).Info("Server started successfully")

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if sweeper != nil {
		if err := sweeper.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Sweep did not finish before shutdown")
		}
	}
	if settlementQueue != nil {
		if err := settlementQueue.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Settlement workers did not drain before shutdown")
		}
	}

	logger.Info("Server exited")
}
