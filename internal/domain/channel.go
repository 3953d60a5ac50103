package domain

import (
	"context"
	"strings"
	"time"
)

// ManagedChannel is one registry document describing a channel the bot manages.
// The primary key is the lower-cased channel name without a leading '#'.
type ManagedChannel struct {
	ChannelName string
	IsActive    bool

	DisplayName string
	Email       string

	// TwitchUserID is the numeric platform identity. Required for webhook
	// subscriptions and user-scope credentials.
	TwitchUserID string

	// RefreshTokenSecretPath points into the secret store. The registry never
	// holds the secret value itself.
	RefreshTokenSecretPath string

	AdNotificationsEnabled bool

	// NeedsReAuth is set when refresh-token rotation fails irrecoverably.
	// It suppresses all further refresh attempts until an external
	// re-authorization flow clears it.
	NeedsReAuth bool

	LastTokenError   string
	LastTokenErrorAt time.Time

	AddedAt          time.Time
	LastStatusChange time.Time
}

// HasUserCredentials reports whether the channel carries everything needed to
// obtain a user-scope token. A false result means degraded, not broken:
// ad scheduling is skipped for the channel without raising an error.
func (c *ManagedChannel) HasUserCredentials() bool {
	return c.TwitchUserID != "" && c.RefreshTokenSecretPath != "" && !c.NeedsReAuth
}

// NormalizeChannelName lower-cases a channel name and strips the IRC '#' marker.
func NormalizeChannelName(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "#"))
}

// ChannelRegistry is the persistent source of truth for managed channels.
// Implementations must treat channel names as already normalized.
type ChannelRegistry interface {
	Get(ctx context.Context, channelName string) (*ManagedChannel, error)
	ListAll(ctx context.Context) ([]ManagedChannel, error)
	ListActive(ctx context.Context) ([]ManagedChannel, error)

	// SetNeedsReAuth flips the re-auth flag and records why.
	SetNeedsReAuth(ctx context.Context, channelName string, reason string) error

	// RecordTokenError stores the most recent token failure for out-of-band
	// alerting without changing the re-auth flag.
	RecordTokenError(ctx context.Context, channelName string, message string) error
}

// ChangeType mirrors the registry change stream event types.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// ChannelChange is one realtime registry change notification.
type ChannelChange struct {
	Type        ChangeType `json:"type"`
	ChannelName string     `json:"channel_name"`
}
