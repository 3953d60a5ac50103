package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/detekoi/chatsage-sub004/internal/domain"
	"github.com/detekoi/chatsage-sub004/internal/metrics"
)

const (
	SubTypeStreamOnline  = "stream.online"
	SubTypeStreamOffline = "stream.offline"
	SubTypeAdBreakBegin  = "channel.ad_break.begin"

	subscriptionVersion = "1"
)

// SubscribeResult is the per-channel outcome of a SubscribeAll batch.
type SubscribeResult struct {
	ChannelName string
	UserID      string
	Err         error
}

func (r SubscribeResult) Successful() bool { return r.Err == nil }

// SubscriptionManager keeps webhook subscriptions in step with the registry.
// It holds no local subscription state: the platform's own list is the source
// of truth, and creation is idempotent because a duplicate create conflict is
// treated as success.
type SubscriptionManager struct {
	client      *Client
	callbackURL string
	secret      string
}

func NewSubscriptionManager(client *Client, callbackURL, secret string) *SubscriptionManager {
	return &SubscriptionManager{
		client:      client,
		callbackURL: callbackURL,
		secret:      secret,
	}
}

func (m *SubscriptionManager) webhookTransport() Transport {
	return Transport{Method: "webhook", Callback: m.callbackURL, Secret: m.secret}
}

// Ensure creates a subscription if it does not already exist. There is no
// pre-check: a 409 conflict from the platform means the subscription is
// already in place and counts as success.
func (m *SubscriptionManager) Ensure(ctx context.Context, subType string, condition map[string]string) error {
	return m.ensure(ctx, subType, condition, "")
}

func (m *SubscriptionManager) ensure(ctx context.Context, subType string, condition map[string]string, userToken string) error {
	params := CreateSubscriptionParams{
		Type:      subType,
		Version:   subscriptionVersion,
		Condition: condition,
		Transport: m.webhookTransport(),
	}

	sub, err := m.client.CreateEventSubSubscription(ctx, params, userToken)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			slog.Debug("Subscription already exists", "type", subType, "condition", condition)
			metrics.SubscriptionOpsTotal.WithLabelValues("ensure", "already_exists").Inc()
			return nil
		}
		metrics.SubscriptionOpsTotal.WithLabelValues("ensure", "error").Inc()
		return fmt.Errorf("failed to create %s subscription: %w", subType, err)
	}

	metrics.SubscriptionOpsTotal.WithLabelValues("ensure", "created").Inc()
	slog.Info("Subscription created", "type", subType, "subscription_id", sub.ID)
	return nil
}

// List returns every subscription owned by this client ID.
func (m *SubscriptionManager) List(ctx context.Context) ([]domain.Subscription, error) {
	subs, err := m.client.ListEventSubSubscriptions(ctx)
	if err != nil {
		metrics.SubscriptionOpsTotal.WithLabelValues("list", "error").Inc()
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	metrics.SubscriptionOpsTotal.WithLabelValues("list", "success").Inc()
	return subs, nil
}

// Delete removes one subscription by ID.
func (m *SubscriptionManager) Delete(ctx context.Context, id string) error {
	if err := m.client.DeleteEventSubSubscription(ctx, id); err != nil {
		metrics.SubscriptionOpsTotal.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("failed to delete subscription %s: %w", id, err)
	}
	metrics.SubscriptionOpsTotal.WithLabelValues("delete", "success").Inc()
	return nil
}

// DeleteAll removes every subscription owned by this client ID and returns
// how many were deleted. Individual delete failures are logged and skipped.
func (m *SubscriptionManager) DeleteAll(ctx context.Context) (int, error) {
	subs, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, sub := range subs {
		if err := m.Delete(ctx, sub.ID); err != nil {
			slog.Error("Failed to delete subscription", "subscription_id", sub.ID, "type", sub.Type, "error", err)
			continue
		}
		deleted++
	}

	slog.Info("Deleted subscriptions", "deleted", deleted, "total", len(subs))
	return deleted, nil
}

// SubscribeAll ensures stream.online and stream.offline subscriptions for
// each channel. A channel succeeds only when both subscriptions are in place.
// One channel's failure never aborts the rest of the batch.
func (m *SubscriptionManager) SubscribeAll(ctx context.Context, channels []domain.ManagedChannel) []SubscribeResult {
	results := make([]SubscribeResult, 0, len(channels))

	for _, ch := range channels {
		result := SubscribeResult{ChannelName: ch.ChannelName, UserID: ch.TwitchUserID}
		result.Err = m.subscribeChannel(ctx, &result, ch)
		if result.Err != nil {
			slog.Error("Channel subscription failed", "channel", ch.ChannelName, "error", result.Err)
		}
		results = append(results, result)
	}

	return results
}

func (m *SubscriptionManager) subscribeChannel(ctx context.Context, result *SubscribeResult, ch domain.ManagedChannel) error {
	userID := ch.TwitchUserID
	if userID == "" {
		user, err := m.client.GetUserByLogin(ctx, ch.ChannelName)
		if err != nil {
			return fmt.Errorf("failed to resolve user ID: %w", err)
		}
		userID = user.ID
		result.UserID = userID
	}

	condition := map[string]string{"broadcaster_user_id": userID}
	for _, subType := range []string{SubTypeStreamOnline, SubTypeStreamOffline} {
		if err := m.Ensure(ctx, subType, condition); err != nil {
			return err
		}
	}
	return nil
}

// EnsureAdBreak creates a channel.ad_break.begin subscription using the
// broadcaster's user token. Ad-break events require user authorization, so
// the app token cannot be used here. When disabled this is a no-op: automatic
// sync never deletes ad subscriptions, only the administrative batch command
// does.
func (m *SubscriptionManager) EnsureAdBreak(ctx context.Context, broadcasterID string, enabled bool, userToken string) error {
	if !enabled {
		return nil
	}
	condition := map[string]string{"broadcaster_user_id": broadcasterID}
	return m.ensure(ctx, SubTypeAdBreakBegin, condition, userToken)
}
