package domain

import "context"

// ConnectionState reports the chat transport's readiness.
type ConnectionState int

const (
	ConnectionClosed ConnectionState = iota
	ConnectionConnecting
	ConnectionOpen
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionOpen:
		return "open"
	case ConnectionConnecting:
		return "connecting"
	default:
		return "closed"
	}
}

// ChatConnection is the streaming-chat transport consumed by the synchronizer.
// The wire protocol lives behind this port; the core only drives membership.
type ChatConnection interface {
	State() ConnectionState

	// Channels returns the names currently joined, normalized.
	Channels() []string

	Join(ctx context.Context, channelName string) error
	Part(ctx context.Context, channelName string) error

	// Connect establishes the connection when the transport is in a
	// lazy/deferred-connect mode. A no-op when already open.
	Connect(ctx context.Context) error
}

// StreamContext is the read-only chat-context collaborator: which managed
// channels are currently live according to platform events.
type StreamContext interface {
	IsLive(channelName string) bool
	LiveChannels() []string
}
