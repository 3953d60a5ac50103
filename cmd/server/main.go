package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/detekoi/chatsage-sub004/internal/adapter/chat"
	"github.com/detekoi/chatsage-sub004/internal/adapter/postgres"
	"github.com/detekoi/chatsage-sub004/internal/adapter/redis"
	"github.com/detekoi/chatsage-sub004/internal/app"
	"github.com/detekoi/chatsage-sub004/internal/crypto"
	"github.com/detekoi/chatsage-sub004/internal/domain"
	"github.com/detekoi/chatsage-sub004/internal/platform/config"
	"github.com/detekoi/chatsage-sub004/internal/platform/logging"
	"github.com/detekoi/chatsage-sub004/internal/platform/version"
	"github.com/detekoi/chatsage-sub004/internal/secrets"
	"github.com/detekoi/chatsage-sub004/internal/server"
	"github.com/detekoi/chatsage-sub004/internal/twitch"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(cfg *config.Config) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupCrypto(cfg *config.Config) crypto.Service {
	if cfg.SecretEncryptionKey == "" {
		slog.Warn("SECRET_ENCRYPTION_KEY not set, secrets stored unencrypted")
		return crypto.NoopService{}
	}
	svc, err := crypto.NewAesGcmService(cfg.SecretEncryptionKey)
	if err != nil {
		slog.Error("Failed to create crypto service", "error", err)
		os.Exit(1)
	}
	return svc
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	build := version.Get()
	slog.Info("Application starting",
		"env", cfg.AppEnv,
		"port", cfg.Port,
		"version", build.Version,
		"commit", build.Commit,
	)

	pool := setupDB(cfg)
	defer pool.Close()

	redisClient := setupRedis(cfg)
	defer func() { _ = redisClient.Close() }()

	registry := postgres.NewChannelRepo(pool, func(ctx context.Context, change domain.ChannelChange) {
		if err := redis.PublishChange(ctx, redisClient, change); err != nil {
			slog.Error("Failed to publish registry change", "channel", change.ChannelName, "error", err)
		}
	})
	secretStore := postgres.NewSecretRepo(pool, setupCrypto(cfg))
	secretManager := secrets.NewManager(secretStore)

	tokenManager := twitch.NewTokenManager(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchOAuthURL, registry, secretManager)
	helixClient := twitch.NewClient(cfg.TwitchClientID, cfg.TwitchHelixURL, tokenManager)
	subscriptions := twitch.NewSubscriptionManager(helixClient, cfg.WebhookCallbackURL, cfg.WebhookSecret)

	conn := chat.NewConnection(cfg.TwitchIRCURL, cfg.BotUsername, nil)
	liveState := app.NewLiveState()

	synchronizer := app.NewSynchronizer(registry, conn, subscriptions, tokenManager, liveState,
		cfg.SyncInterval, cfg.LazyConnect, clock)

	notifyAd := func(channelName string, adStartsAt time.Time) {
		slog.Info("Upcoming ad break", "channel", channelName, "starts_at", adStartsAt)
	}
	adScheduler := app.NewAdScheduler(liveState, registry, tokenManager, helixClient, notifyAd,
		cfg.AdSweepInterval, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	onStreamOnline := func(channelName string) {
		if cfg.LazyConnect {
			if err := conn.Connect(ctx); err != nil {
				slog.Error("Failed to connect chat on stream online", "channel", channelName, "error", err)
			}
		}
	}
	webhook := server.NewWebhookHandler(cfg.WebhookSecret, liveState, onStreamOnline)

	healthChecks := []server.HealthCheck{
		{Name: "postgres", Check: pool.Ping},
		{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
	}
	srv := server.NewServer(cfg.Port, webhook, healthChecks)

	if !cfg.LazyConnect {
		if err := conn.Connect(ctx); err != nil {
			slog.Error("Failed to establish chat connection, continuing degraded", "error", err)
		}
	}

	// Startup convergence: membership and webhook subscriptions.
	if err := synchronizer.SyncAll(ctx); err != nil {
		slog.Error("Startup reconciliation failed", "error", err)
		os.Exit(1)
	}
	if active, err := registry.ListActive(ctx); err != nil {
		slog.Error("Failed to list active channels for subscriptions", "error", err)
	} else {
		results := subscriptions.SubscribeAll(ctx, active)
		for _, result := range results {
			if !result.Successful() {
				slog.Warn("Startup subscription incomplete", "channel", result.ChannelName, "error", result.Err)
			}
		}
	}

	changeStream := redis.NewChangeStream(redisClient)
	go changeStream.Run(ctx)
	go synchronizer.ConsumeChanges(ctx, changeStream.Events())
	go synchronizer.Start(ctx)
	go adScheduler.Start(ctx)

	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("Server stopped", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	slog.Info("Shutdown signal received, cleaning up...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	synchronizer.Stop()
	adScheduler.Stop()
	cancel()
	if err := conn.Close(); err != nil {
		slog.Error("Chat connection close error", "error", err)
	}

	slog.Info("Shutdown complete")
}
