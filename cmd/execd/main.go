package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tradewire/execd/api"
	"github.com/tradewire/execd/internal/accounts"
	"github.com/tradewire/execd/internal/config"
	"github.com/tradewire/execd/internal/database"
	"github.com/tradewire/execd/internal/execution"
	"github.com/tradewire/execd/internal/execution/audit"
	"github.com/tradewire/execd/internal/execution/pubsub"
	"github.com/tradewire/execd/internal/execution/repository"
	"github.com/tradewire/execd/internal/execution/venue"
	"github.com/tradewire/execd/internal/ws"
	"github.com/tradewire/execd/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using process environment")
	}

	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.Open(cfg.Database, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to open database", zap.Error(err))
	}

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := cache.Ping(context.Background()).Err(); err != nil {
			zapLogger.Warn("redis unreachable, order cache disabled", zap.Error(err))
			cache = nil
		}
	}

	repo := repository.NewGormRepository(db, cache, zapLogger)
	auditor := audit.NewGormRecorder(db, zapLogger)

	bus := pubsub.NewBus(64, zapLogger)
	hub := ws.NewHub(8, 256, zapLogger)

	publishers := pubsub.Multi{bus, ws.NewHubPublisher(hub, zapLogger)}
	var kafkaPub *pubsub.KafkaPublisher
	if cfg.Kafka.Enabled {
		kafkaCfg := pubsub.DefaultKafkaConfig()
		kafkaCfg.Brokers = cfg.Kafka.Brokers
		kafkaCfg.Topic = cfg.Kafka.Topic
		kafkaPub = pubsub.NewKafkaPublisher(kafkaCfg, zapLogger)
		publishers = append(publishers, kafkaPub)
	}

	var venueClient venue.Client
	if cfg.Venue.Mock {
		zapLogger.Warn("using mock venue, orders will not reach a real market")
		mock := venue.NewMockVenue()
		mock.EnableAutoFill()
		venueClient = mock
	} else {
		venueClient = venue.NewHTTPClient(venue.HTTPConfig{
			BaseURL:        cfg.Venue.BaseURL,
			APIKey:         cfg.Venue.APIKey,
			Name:           cfg.Venue.Name,
			RequestTimeout: cfg.Venue.RequestTimeout,
		}, zapLogger)
	}

	executorCfg := execution.DefaultExecutorConfig()
	executorCfg.MaxRetries = cfg.Executor.MaxRetries
	if len(cfg.Executor.Backoff) > 0 {
		executorCfg.Backoff = cfg.Executor.Backoff
	}
	if len(cfg.Executor.FatalErrorCodes) > 0 {
		executorCfg.FatalErrorCodes = cfg.Executor.FatalErrorCodes
	}
	if cfg.Executor.VenueTimeout > 0 {
		executorCfg.VenueTimeout = cfg.Executor.VenueTimeout
	}

	executor := execution.NewExecutor(executorCfg, repo, venueClient, auditor, publishers, zapLogger)
	provider := accounts.NewMemoryProvider(accounts.DefaultSnapshot())

	service := execution.NewService(execution.ServiceConfig{
		MaxConcurrentExecutions: cfg.Service.MaxConcurrentExecutions,
		SubmitQueueTimeout:      cfg.Service.SubmitQueueTimeout,
	}, execution.NewValidator(), executor, repo, auditor, provider, bus, zapLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := service.Start(ctx); err != nil {
		zapLogger.Fatal("failed to start execution service", zap.Error(err))
	}

	server := api.NewServer(cfg.Server, service, hub, zapLogger)
	go func() {
		if err := server.Start(); err != nil {
			zapLogger.Fatal("api server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("api shutdown failed", zap.Error(err))
	}
	if err := service.Stop(shutdownCtx); err != nil {
		zapLogger.Error("execution service shutdown failed", zap.Error(err))
	}
	if kafkaPub != nil {
		if err := kafkaPub.Close(); err != nil {
			zapLogger.Error("kafka publisher close failed", zap.Error(err))
		}
	}
	zapLogger.Info("shutdown complete")
}
