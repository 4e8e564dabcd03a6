package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"lendbook/apps/lendbook/internal/api"
	"lendbook/apps/lendbook/internal/assets"
	"lendbook/apps/lendbook/internal/batch"
	"lendbook/apps/lendbook/internal/config"
	"lendbook/apps/lendbook/internal/crawler"
	"lendbook/apps/lendbook/internal/event_consumer"
	"lendbook/apps/lendbook/internal/event_publisher"
	"lendbook/apps/lendbook/internal/health"
	"lendbook/apps/lendbook/internal/logging"
	"lendbook/apps/lendbook/internal/metrics"
	"lendbook/apps/lendbook/internal/oracle"
	"lendbook/apps/lendbook/internal/orderbook"
	"lendbook/apps/lendbook/internal/repository"
	"lendbook/apps/lendbook/internal/settlement"
	"lendbook/apps/lendbook/internal/signing"
)

func main() {
	// Load configuration from .env, CONFIG_FILE and environment variables
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting application with configuration",
		zap.String("db_driver", cfg.DbDriver),
		zap.String("rpc_url", cfg.RpcURL),
		zap.String("kafka_broker", cfg.KafkaBroker),
		zap.String("settlement_topic", cfg.SettlementTopic),
		zap.String("avs_topic", cfg.AVSTopic),
		zap.Int64("chain_id", cfg.ChainID),
		zap.String("order_book", cfg.OrderBookAddress),
		zap.Duration("collection_window", cfg.Batch.CollectionWindow),
		zap.Int("min_orders", cfg.Batch.MinOrders),
		zap.Int("api_port", cfg.APIPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := repository.Open(cfg.DbDriver, cfg.DbURL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer store.Close()

	if err := repository.InitMigration(ctx, store, cfg.StartBlock); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	m := metrics.New()
	domain := signing.Domain{
		Name:              cfg.EIP712Name,
		Version:           cfg.EIP712Version,
		ChainID:           cfg.ChainID,
		VerifyingContract: common.HexToAddress(cfg.OrderBookAddress),
	}

	orders := orderbook.NewStore(store, domain, assets.GlobalRegistry, m, logger)
	manager := batch.NewManager(store, cfg.Batch, orders, cfg.AVSTopic, m, logger)
	reporter := settlement.NewReporter(store, m, logger)

	go manager.Run(ctx)

	// One RPC connection serves the crawler, balances, transaction building and the price feed
	var client *ethclient.Client
	if cfg.RpcURL != "" {
		client, err = ethclient.DialContext(ctx, cfg.RpcURL)
		if err != nil {
			logger.Fatal("Failed to connect to Ethereum client", zap.Error(err))
		}
		defer client.Close()
	} else {
		logger.Warn("RPC_URL not set; balances, transaction gas fields and the crawler are disabled")
	}

	var prices oracle.PriceSource = oracle.Static(cfg.EthPriceOverride)
	if cfg.EthPriceOverride <= 0 && cfg.PriceFeedAddress != "" && client != nil {
		feed, err := oracle.NewChainlinkFeed(client, cfg.PriceFeedAddress, cfg.PriceMaxAge)
		if err != nil {
			logger.Fatal("Failed to create price feed", zap.Error(err))
		}
		prices = feed
	}
	query := health.NewQuery(store.Loans, cfg.Health, prices)

	deps := api.Dependencies{
		DB:                  store,
		Orders:              orders,
		Batches:             manager,
		Reporter:            reporter,
		Health:              query,
		Registry:            assets.GlobalRegistry,
		Domain:              domain,
		Metrics:             m,
		OperatorJWTSecret:   cfg.OperatorJWTSecret,
		SubmitRatePerMinute: cfg.SubmitRatePerMinute,
		TrustProxyHeaders:   cfg.TrustProxyHeaders,
	}
	var backend api.ChainBackend
	if client != nil {
		backend = client
		deps.Chain = client
	}
	deps.Builder, err = api.NewTransactionBuilder(backend, domain.VerifyingContract, cfg.ChainID)
	if err != nil {
		logger.Fatal("Failed to create transaction builder", zap.Error(err))
	}

	if cfg.KafkaBroker != "" {
		publisher, err := event_publisher.NewEventPublisher(cfg.KafkaBroker, store, m, logger)
		if err != nil {
			logger.Fatal("Failed to create event publisher", zap.Error(err))
		}
		defer publisher.Close()
		go publisher.StartPublishing(ctx)

		consumer, err := event_consumer.NewEventConsumer(cfg.KafkaBroker, cfg.KafkaGroupID, cfg.SettlementTopic, reporter, logger)
		if err != nil {
			logger.Fatal("Failed to create settlement consumer", zap.Error(err))
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Settlement consumer stopped", zap.Error(err))
				stop()
			}
		}()

		if client != nil {
			orderBookCrawler, err := crawler.NewOrderBookCrawler(cfg, client, store, logger)
			if err != nil {
				logger.Fatal("Failed to create crawler", zap.Error(err))
			}
			go func() {
				if err := orderBookCrawler.Start(ctx); err != nil && ctx.Err() == nil {
					logger.Error("Crawler stopped", zap.Error(err))
					stop()
				}
			}()
		}
	} else {
		logger.Warn("KAFKA_BROKER not set; settlement events are accepted only through the operator endpoint")
	}

	apiServer, err := api.NewServer(cfg.APIPort, deps, logger)
	if err != nil {
		logger.Fatal("Failed to create API server", zap.Error(err))
	}
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("API server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Received shutdown signal, starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}

	logger.Info("Application shutdown complete")
}
