// eventsubctl is the administrative CLI for webhook subscriptions: list,
// create, and delete them outside the automatic sync path.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/detekoi/chatsage-sub004/internal/adapter/postgres"
	"github.com/detekoi/chatsage-sub004/internal/crypto"
	"github.com/detekoi/chatsage-sub004/internal/platform/config"
	"github.com/detekoi/chatsage-sub004/internal/secrets"
	"github.com/detekoi/chatsage-sub004/internal/twitch"
)

const commandTimeout = 2 * time.Minute

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: eventsubctl [flags] <command>

Commands:
  list            List all EventSub subscriptions for this client ID
  subscribe-all   Ensure stream.online/offline subscriptions for active channels
  subscribe-ads   Ensure ad-break subscriptions for channels with ads enabled
  delete <id>     Delete one subscription by ID
  delete-all      Delete every subscription for this client ID

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	verbose := flag.Bool("verbose", false, "Verbose logging")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	logLevel := slog.LevelWarn
	if *verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	cipher := crypto.Service(crypto.NoopService{})
	if cfg.SecretEncryptionKey != "" {
		cipher, err = crypto.NewAesGcmService(cfg.SecretEncryptionKey)
		if err != nil {
			log.Fatalf("Failed to create crypto service: %v", err)
		}
	}

	registry := postgres.NewChannelRepo(pool, nil)
	secretManager := secrets.NewManager(postgres.NewSecretRepo(pool, cipher))
	tokenManager := twitch.NewTokenManager(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchOAuthURL, registry, secretManager)
	client := twitch.NewClient(cfg.TwitchClientID, cfg.TwitchHelixURL, tokenManager)
	manager := twitch.NewSubscriptionManager(client, cfg.WebhookCallbackURL, cfg.WebhookSecret)

	ok := false
	switch flag.Arg(0) {
	case "list":
		ok = runList(ctx, manager)
	case "subscribe-all":
		ok = runSubscribeAll(ctx, registry, manager)
	case "subscribe-ads":
		ok = runSubscribeAds(ctx, registry, manager, tokenManager)
	case "delete":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "delete requires a subscription ID")
			os.Exit(1)
		}
		ok = runDelete(ctx, manager, flag.Arg(1))
	case "delete-all":
		ok = runDeleteAll(ctx, manager)
	default:
		usage()
		os.Exit(1)
	}

	if !ok {
		os.Exit(1)
	}
}

func runList(ctx context.Context, manager *twitch.SubscriptionManager) bool {
	subs, err := manager.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list failed: %v\n", err)
		return false
	}

	if len(subs) == 0 {
		fmt.Println("no subscriptions")
		return true
	}
	for _, sub := range subs {
		fmt.Printf("%s  %-24s  %-20s  broadcaster=%s  created=%s\n",
			sub.ID, sub.Type, sub.Status,
			sub.Condition["broadcaster_user_id"],
			sub.CreatedAt.Format(time.RFC3339))
	}
	fmt.Printf("%d subscription(s)\n", len(subs))
	return true
}

func runSubscribeAll(ctx context.Context, registry *postgres.ChannelRepo, manager *twitch.SubscriptionManager) bool {
	channels, err := registry.ListActive(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list active channels: %v\n", err)
		return false
	}

	results := manager.SubscribeAll(ctx, channels)
	failed := 0
	for _, result := range results {
		if result.Successful() {
			fmt.Printf("ok    %s (user %s)\n", result.ChannelName, result.UserID)
		} else {
			failed++
			fmt.Printf("FAIL  %s: %v\n", result.ChannelName, result.Err)
		}
	}
	fmt.Printf("%d successful, %d failed\n", len(results)-failed, failed)
	return failed == 0
}

func runSubscribeAds(ctx context.Context, registry *postgres.ChannelRepo, manager *twitch.SubscriptionManager, tokens *twitch.TokenManager) bool {
	channels, err := registry.ListActive(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list active channels: %v\n", err)
		return false
	}

	successful, failed, skipped := 0, 0, 0
	for _, ch := range channels {
		if !ch.AdNotificationsEnabled {
			continue
		}
		if !ch.HasUserCredentials() {
			skipped++
			fmt.Printf("skip  %s: no user credentials\n", ch.ChannelName)
			continue
		}

		token, err := tokens.UserToken(ctx, ch.ChannelName)
		if err != nil {
			failed++
			fmt.Printf("FAIL  %s: %v\n", ch.ChannelName, err)
			continue
		}
		if err := manager.EnsureAdBreak(ctx, ch.TwitchUserID, true, token); err != nil {
			failed++
			fmt.Printf("FAIL  %s: %v\n", ch.ChannelName, err)
			continue
		}
		successful++
		fmt.Printf("ok    %s\n", ch.ChannelName)
	}
	fmt.Printf("%d successful, %d failed, %d skipped\n", successful, failed, skipped)
	return failed == 0
}

func runDelete(ctx context.Context, manager *twitch.SubscriptionManager, id string) bool {
	if err := manager.Delete(ctx, id); err != nil {
		fmt.Fprintf(os.Stderr, "delete failed: %v\n", err)
		return false
	}
	fmt.Printf("deleted %s\n", id)
	return true
}

func runDeleteAll(ctx context.Context, manager *twitch.SubscriptionManager) bool {
	deleted, err := manager.DeleteAll(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "delete-all failed: %v\n", err)
		return false
	}
	fmt.Printf("deleted %d subscription(s)\n", deleted)
	return true
}
