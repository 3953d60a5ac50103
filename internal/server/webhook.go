package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/detekoi/chatsage-sub004/internal/twitch"
)

const (
	headerMessageID        = "Twitch-Eventsub-Message-Id"
	headerMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	headerMessageSignature = "Twitch-Eventsub-Message-Signature"
	headerMessageType      = "Twitch-Eventsub-Message-Type"

	messageTypeNotification = "notification"
	messageTypeVerification = "webhook_callback_verification"
	messageTypeRevocation   = "revocation"

	// Notifications older than this are replays and rejected.
	maxMessageAge = 10 * time.Minute

	maxWebhookBody = 1 << 20
)

// LiveUpdater receives live/offline transitions from stream events.
type LiveUpdater interface {
	SetLive(channelName string, live bool)
}

// WebhookHandler verifies and dispatches EventSub webhook messages. Stream
// online/offline notifications feed the live-state set; everything else is
// acknowledged and logged.
type WebhookHandler struct {
	secret []byte
	live   LiveUpdater

	// onStreamOnline, when set, runs after a channel is marked live. The
	// lazy-connect path uses it to establish the chat connection.
	onStreamOnline func(channelName string)
}

func NewWebhookHandler(secret string, live LiveUpdater, onStreamOnline func(channelName string)) *WebhookHandler {
	return &WebhookHandler{
		secret:         []byte(secret),
		live:           live,
		onStreamOnline: onStreamOnline,
	}
}

type webhookEnvelope struct {
	Challenge    string `json:"challenge"`
	Subscription struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"subscription"`
	Event struct {
		BroadcasterUserLogin string `json:"broadcaster_user_login"`
		BroadcasterUserID    string `json:"broadcaster_user_id"`
	} `json:"event"`
}

func (h *WebhookHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	if !h.verifySignature(req.Header, body) {
		slog.Warn("EventSub webhook signature rejected", "message_id", req.Header.Get(headerMessageID))
		return c.NoContent(http.StatusForbidden)
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		slog.Warn("EventSub webhook body unparseable", "error", err)
		return c.NoContent(http.StatusBadRequest)
	}

	switch req.Header.Get(headerMessageType) {
	case messageTypeVerification:
		slog.Info("EventSub webhook verified", "subscription_type", envelope.Subscription.Type)
		return c.String(http.StatusOK, envelope.Challenge)

	case messageTypeRevocation:
		slog.Warn("EventSub subscription revoked",
			"subscription_id", envelope.Subscription.ID,
			"subscription_type", envelope.Subscription.Type,
			"status", envelope.Subscription.Status)
		return c.NoContent(http.StatusNoContent)

	case messageTypeNotification:
		h.handleNotification(&envelope)
		return c.NoContent(http.StatusNoContent)

	default:
		slog.Warn("Unknown EventSub message type", "type", req.Header.Get(headerMessageType))
		return c.NoContent(http.StatusNoContent)
	}
}

func (h *WebhookHandler) handleNotification(envelope *webhookEnvelope) {
	channel := envelope.Event.BroadcasterUserLogin

	switch envelope.Subscription.Type {
	case twitch.SubTypeStreamOnline:
		slog.Info("Stream went live", "channel", channel)
		h.live.SetLive(channel, true)
		if h.onStreamOnline != nil {
			h.onStreamOnline(channel)
		}

	case twitch.SubTypeStreamOffline:
		slog.Info("Stream went offline", "channel", channel)
		h.live.SetLive(channel, false)

	case twitch.SubTypeAdBreakBegin:
		slog.Info("Ad break started", "channel", channel)

	default:
		slog.Debug("Unhandled notification type", "type", envelope.Subscription.Type)
	}
}

// verifySignature checks the HMAC-SHA256 over message ID, timestamp, and raw
// body, and rejects stale timestamps to block replays.
func (h *WebhookHandler) verifySignature(header http.Header, body []byte) bool {
	id := header.Get(headerMessageID)
	timestamp := header.Get(headerMessageTimestamp)
	signature := header.Get(headerMessageSignature)
	if id == "" || timestamp == "" || signature == "" {
		return false
	}

	sentAt, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil || time.Since(sentAt) > maxMessageAge {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(id))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))

	return hmac.Equal([]byte(expected), []byte(signature))
}
