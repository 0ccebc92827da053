package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/prudhvinik1/orderrelay/internal/api"
	"github.com/prudhvinik1/orderrelay/internal/config"
	"github.com/prudhvinik1/orderrelay/internal/database"
	"github.com/prudhvinik1/orderrelay/internal/publisher"
	"github.com/prudhvinik1/orderrelay/internal/relay"
	"github.com/prudhvinik1/orderrelay/internal/repositories"
	"github.com/prudhvinik1/orderrelay/internal/services"
	"github.com/prudhvinik1/orderrelay/internal/telemetry"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warnf("Failed to load .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatalf("Invalid LOG_LEVEL %q: %v", cfg.LogLevel, err)
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("Server error: %v", err)
	}
	logger.Info("Server stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if cfg.BootstrapSchema {
		if err := database.EnsureSchema(ctx, postgresPool, cfg.Relay.Channel, logger); err != nil {
			postgresPool.Close()
			return err
		}
	}

	orderRepo := repositories.NewPostgresOrderRepository(postgresPool)

	var presenceRepo repositories.PresenceRepository
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL, logger)
		if err != nil {
			postgresPool.Close()
			return fmt.Errorf("failed to create redis client: %w", err)
		}
		defer redisClient.Close()
		presenceRepo = repositories.NewRedisPresenceRepository(redisClient, repositories.DefaultPresenceTTL)
	}

	var mirror relay.Mirror
	if cfg.NATS.URL != "" {
		natsPublisher, err := publisher.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix,
			cfg.NATS.MaxReconnect, cfg.NATS.ReconnectWait, logger)
		if err != nil {
			postgresPool.Close()
			return err
		}
		defer natsPublisher.Close()
		mirror = natsPublisher
	}

	registry := telemetry.NewRegistry()
	metrics := telemetry.New(registry)

	orchestrator, err := relay.NewOrchestrator(relay.Config{
		Channel:           cfg.Relay.Channel,
		PollInterval:      cfg.Relay.PollInterval,
		GraceWindow:       cfg.Relay.FallbackGrace,
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		ReprobeInterval:   cfg.Relay.ReprobeInterval,
		ShutdownTimeout:   cfg.Relay.ShutdownTimeout,
		DialTimeout:       cfg.Relay.DialTimeout,
		NewSource: func() relay.ChangeSource {
			return relay.NewPostgresSource(cfg.DatabaseURL, logger)
		},
		Store:   orderRepo,
		Prober:  orderRepo,
		Mirror:  mirror,
		Release: postgresPool.Close,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		postgresPool.Close()
		return err
	}

	auth := services.NewAuthService(cfg.Subscriber.JWTSecret, cfg.Subscriber.JWTExpiry)
	if auth.Enabled() {
		logger.Info("Subscriber tokens are required on /ws")
	}

	router := api.NewRouter(api.RouterDeps{
		Orders:  api.NewOrdersHandler(orderRepo, logger),
		Relay:   api.NewRelayHandler(orchestrator, presenceRepo, logger),
		WS:      api.NewWSHandler(orchestrator, auth, presenceRepo, logger),
		Metrics: telemetry.Handler(registry),
		Logger:  logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return orchestrator.Run(gctx)
	})

	g.Go(func() error {
		logger.Infof("Starting server on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
