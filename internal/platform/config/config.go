package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv string `env:"APP_ENV" default:"development"`
	Port   string `env:"PORT" default:"8080"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	TwitchClientID     string `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string `env:"TWITCH_CLIENT_SECRET"`
	TwitchOAuthURL     string `env:"TWITCH_OAUTH_URL" default:"https://id.twitch.tv/oauth2/token"`
	TwitchHelixURL     string `env:"TWITCH_HELIX_URL" default:"https://api.twitch.tv/helix"`
	TwitchIRCURL       string `env:"TWITCH_IRC_URL" default:"wss://irc-ws.chat.twitch.tv:443"`
	BotUsername        string `env:"BOT_USERNAME"`

	WebhookCallbackURL string `env:"WEBHOOK_CALLBACK_URL"`
	WebhookSecret      string `env:"WEBHOOK_SECRET"`

	// SecretEncryptionKey encrypts secret-store values at rest (64 hex chars).
	SecretEncryptionKey string `env:"SECRET_ENCRYPTION_KEY"`

	SyncInterval   time.Duration `env:"SYNC_INTERVAL" default:"10m"`
	AdSweepInterval time.Duration `env:"AD_SWEEP_INTERVAL" default:"30s"`

	// LazyConnect defers the chat connection until the first active live channel
	// appears, instead of connecting at startup.
	LazyConnect bool `env:"LAZY_CONNECT" default:"false"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"DATABASE_URL":         cfg.DatabaseURL,
		"REDIS_URL":            cfg.RedisURL,
		"TWITCH_CLIENT_ID":     cfg.TwitchClientID,
		"TWITCH_CLIENT_SECRET": cfg.TwitchClientSecret,
		"BOT_USERNAME":         cfg.BotUsername,
		"WEBHOOK_CALLBACK_URL": cfg.WebhookCallbackURL,
		"WEBHOOK_SECRET":       cfg.WebhookSecret,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if len(cfg.WebhookSecret) < 10 || len(cfg.WebhookSecret) > 100 {
		return fmt.Errorf("WEBHOOK_SECRET must be between 10 and 100 characters")
	}

	if cfg.SecretEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(cfg.SecretEncryptionKey)
		if err != nil {
			return fmt.Errorf("SECRET_ENCRYPTION_KEY must be valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("SECRET_ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes), got %d bytes", len(keyBytes))
		}
	}

	return nil
}
