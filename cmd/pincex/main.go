package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_spot/internal/config"
	"github.com/Aidin1998/pincex_spot/internal/ledger"
	"github.com/Aidin1998/pincex_spot/internal/server"
	"github.com/Aidin1998/pincex_spot/internal/store"
	"github.com/Aidin1998/pincex_spot/internal/trading"
	"github.com/Aidin1998/pincex_spot/internal/trading/engine"
	"github.com/Aidin1998/pincex_spot/internal/trading/events"
	"github.com/Aidin1998/pincex_spot/internal/trading/fee"
	"github.com/Aidin1998/pincex_spot/internal/trading/marketdata"
	"github.com/Aidin1998/pincex_spot/internal/trading/messaging"
	"github.com/Aidin1998/pincex_spot/internal/wallet"
	"github.com/Aidin1998/pincex_spot/internal/ws"
	"github.com/Aidin1998/pincex_spot/pkg/logger"
	"github.com/Aidin1998/pincex_spot/pkg/tracing"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	shutdownTracing, err := tracing.Setup(cfg.Tracing.Enabled)
	if err != nil {
		zapLogger.Fatal("Failed to set up tracing", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg.Database, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to open store", zap.Error(err))
	}
	if cfg.Database.Seed {
		added, err := store.Seed(ctx, st)
		if err != nil {
			zapLogger.Fatal("Failed to seed reference data", zap.Error(err))
		}
		zapLogger.Info("Reference data seeded", zap.Int("added", added))
	}

	l := ledger.New(st, ledger.NewLocker(), zapLogger.Named("ledger"))
	fees := fee.NewCalculator(fee.Config{
		DefaultMakerFee: config.Amount(cfg.Fees.DefaultMaker),
		DefaultTakerFee: config.Amount(cfg.Fees.DefaultTaker),
	}, zapLogger.Named("fees"))

	// Event bus, with Kafka when enabled
	bus := events.NewInMemoryEventBus(zapLogger.Named("events"))
	var publisher *messaging.Publisher
	if cfg.Kafka.Enabled {
		kcfg := messaging.DefaultKafkaConfig()
		kcfg.Brokers = cfg.Kafka.Brokers
		kcfg.TopicPrefix = cfg.Kafka.TopicPrefix
		kcfg.BatchSize = cfg.Kafka.BatchSize
		kcfg.BatchTimeout = cfg.Kafka.BatchTimeout
		kcfg.RequiredAcks = cfg.Kafka.RequiredAcks
		kcfg.Compression = cfg.Kafka.Compression
		publisher = messaging.NewPublisher(messaging.NewKafkaWriter(kcfg), kcfg, zapLogger.Named("kafka"))
		publisher.Attach(bus)
		zapLogger.Info("Kafka publisher enabled", zap.Strings("brokers", kcfg.Brokers))
	}

	// Market data: bus first, then the Redis ticker cache when enabled
	market := marketdata.NewUpdater(zapLogger.Named("marketdata"), events.TickBroadcaster{Bus: bus})
	var (
		redisClient *redis.Client
		redisTicker *marketdata.Async
	)
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			zapLogger.Warn("Redis not reachable at startup", zap.Error(err))
		}
		redisTicker = marketdata.NewAsync(marketdata.NewRedisTicker(redisClient, cfg.Redis.TickerTTL),
			cfg.Redis.QueueSize, cfg.Redis.WriteTimeout, zapLogger.Named("redis"))
		market.Register(redisTicker)
	}

	hub := ws.NewHub(ws.DefaultConfig(), zapLogger.Named("ws"))
	hub.Attach(bus)

	eng := engine.NewEngine(engine.Config{
		Workers:     cfg.Engine.Workers,
		QueueSize:   cfg.Engine.QueueSize,
		LockTimeout: cfg.Engine.LockTimeout,
		FeeAccount:  cfg.FeeAccount(),
	}, st, l, fees, market, bus, zapLogger.Named("engine"))
	if err := eng.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start matching engine", zap.Error(err))
	}

	tradingSvc := trading.NewService(trading.Config{
		MarketBuyBuffer: config.Amount(cfg.Engine.MarketBuyBuffer),
	}, st, l, eng, zapLogger.Named("trading"))
	go tradingSvc.RunExpiry(ctx, cfg.Engine.ExpiryInterval)

	walletSvc := wallet.NewService(wallet.Config{
		FeeAccount:  cfg.FeeAccount(),
		LockTimeout: cfg.Engine.LockTimeout,
		Risk:        riskConfig(cfg.Withdrawal),
	}, l, wallet.StubChain{}, bus, zapLogger.Named("wallet"))

	srv := server.NewServer(server.Config{AllowedOrigins: cfg.Server.AllowedOrigins},
		zapLogger.Named("http"), tradingSvc, walletSvc, hub)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	hub.Close()
	eng.Stop()
	if redisTicker != nil {
		redisTicker.Close()
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			zapLogger.Error("Failed to close Redis client", zap.Error(err))
		}
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			zapLogger.Error("Failed to close Kafka publisher", zap.Error(err))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		zapLogger.Error("Failed to flush traces", zap.Error(err))
	}

	zapLogger.Info("Server exited properly")
}

func openStore(cfg config.DatabaseConfig, logger *zap.Logger) (store.Store, error) {
	if cfg.Driver == "memory" {
		logger.Warn("Using in-memory store, state is lost on exit")
		return store.NewMemory(), nil
	}
	return store.OpenGorm(store.GormConfig{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, logger.Named("store"))
}

func riskConfig(cfg config.WithdrawalConfig) wallet.RiskConfig {
	return wallet.RiskConfig{
		Tiers: []wallet.Tier{
			{Name: "large", MinAmount: config.Amount(cfg.LargeThreshold), Delay: cfg.LargeDelay},
			{Name: "medium", MinAmount: config.Amount(cfg.MediumThreshold), Delay: cfg.MediumDelay},
		},
		DefaultTier:   "small",
		DefaultDelay:  cfg.SmallDelay,
		ApprovalAbove: config.Amount(cfg.ApprovalAbove),
	}
}
