package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		DatabaseURL:        "postgres://localhost/chatsage",
		RedisURL:           "redis://localhost:6379",
		TwitchClientID:     "client",
		TwitchClientSecret: "secret",
		BotUsername:        "sagebot",
		WebhookCallbackURL: "https://example.com/eventsub",
		WebhookSecret:      "averylongsecret",
	}
}

func TestValidate_AllRequiredPresent(t *testing.T) {
	require.NoError(t, validate(validConfig()))
}

func TestValidate_MissingRequired(t *testing.T) {
	cfg := validConfig()
	cfg.TwitchClientSecret = ""

	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TWITCH_CLIENT_SECRET")
}

func TestValidate_WebhookSecretTooShort(t *testing.T) {
	cfg := validConfig()
	cfg.WebhookSecret = "short"

	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_SECRET")
}

func TestValidate_EncryptionKeyOptionalButStrict(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, validate(cfg), "empty key is allowed")

	cfg.SecretEncryptionKey = "nothex"
	require.Error(t, validate(cfg))

	cfg.SecretEncryptionKey = "abcd"
	require.Error(t, validate(cfg), "valid hex but wrong length")
}
