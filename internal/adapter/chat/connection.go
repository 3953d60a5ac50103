// Package chat is the Twitch IRC transport behind the chat-connection port.
// The core only drives channel membership through it.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/detekoi/chatsage-sub004/internal/domain"
)

const (
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 15 * time.Second
)

// TokenFunc supplies the bot account's OAuth token for IRC authentication.
// A nil TokenFunc connects anonymously, which is enough for membership and
// reading.
type TokenFunc func(ctx context.Context) (string, error)

// Connection is a single IRC-over-websocket chat connection. It tracks its
// own membership set optimistically: JOIN/PART are fire-and-forget on the
// wire, and the periodic reconciliation pass repairs any divergence.
type Connection struct {
	url      string
	username string
	tokenFn  TokenFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	state  domain.ConnectionState
	joined map[string]struct{}
}

func NewConnection(url, username string, tokenFn TokenFunc) *Connection {
	return &Connection{
		url:      url,
		username: strings.ToLower(username),
		tokenFn:  tokenFn,
		state:    domain.ConnectionClosed,
		joined:   make(map[string]struct{}),
	}
}

var _ domain.ChatConnection = (*Connection)(nil)

func (c *Connection) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.joined))
	for name := range c.joined {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connect dials the chat endpoint and authenticates. A no-op when already
// open or connecting.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != domain.ConnectionClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = domain.ConnectionConnecting
	c.mu.Unlock()

	pass := "SCHMOOPIIE"
	nick := c.username
	if c.tokenFn != nil {
		token, err := c.tokenFn(ctx)
		if err != nil {
			c.setClosed()
			return fmt.Errorf("failed to get chat token: %w", err)
		}
		pass = "oauth:" + token
	}
	if nick == "" {
		nick = "justinfan12345"
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.setClosed()
		return fmt.Errorf("failed to dial chat endpoint: %w", err)
	}

	for _, line := range []string{
		"CAP REQ :twitch.tv/membership twitch.tv/commands",
		"PASS " + pass,
		"NICK " + nick,
	} {
		if err := writeLine(conn, line); err != nil {
			_ = conn.Close()
			c.setClosed()
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.state = domain.ConnectionOpen
	c.mu.Unlock()

	go c.readLoop(conn)

	slog.Info("Chat connection established", "url", c.url, "nick", nick)
	return nil
}

// setClosed rolls the state back after a failed connection attempt.
func (c *Connection) setClosed() {
	c.mu.Lock()
	c.state = domain.ConnectionClosed
	c.mu.Unlock()
}

// Join sends a JOIN for the channel. Fails when the connection is not open.
func (c *Connection) Join(ctx context.Context, channelName string) error {
	channelName = domain.NormalizeChannelName(channelName)
	return c.membershipOp(channelName, "JOIN", func() {
		c.joined[channelName] = struct{}{}
	})
}

// Part sends a PART for the channel. Fails when the connection is not open.
func (c *Connection) Part(ctx context.Context, channelName string) error {
	channelName = domain.NormalizeChannelName(channelName)
	return c.membershipOp(channelName, "PART", func() {
		delete(c.joined, channelName)
	})
}

func (c *Connection) membershipOp(channelName, verb string, apply func()) error {
	c.mu.Lock()
	if c.state != domain.ConnectionOpen || c.conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("connection not open for %s #%s", verb, channelName)
	}
	conn := c.conn
	c.mu.Unlock()

	if err := writeLine(conn, verb+" #"+channelName); err != nil {
		return fmt.Errorf("failed to send %s for #%s: %w", verb, channelName, err)
	}

	c.mu.Lock()
	apply()
	c.mu.Unlock()
	return nil
}

// Close tears the connection down and clears the membership set.
func (c *Connection) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = domain.ConnectionClosed
	c.joined = make(map[string]struct{})
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("Chat connection read failed", "error", err)
			c.dropConnection(conn)
			return
		}

		for _, line := range strings.Split(string(payload), "\r\n") {
			if line == "" {
				continue
			}
			c.handleLine(conn, line)
		}
	}
}

func (c *Connection) handleLine(conn *websocket.Conn, line string) {
	switch {
	case strings.HasPrefix(line, "PING"):
		if err := writeLine(conn, "PONG"+strings.TrimPrefix(line, "PING")); err != nil {
			slog.Warn("Failed to answer chat PING", "error", err)
		}
	case strings.Contains(line, " RECONNECT"):
		slog.Info("Chat server requested reconnect")
		_ = conn.Close()
	default:
		slog.Debug("Chat line", "line", line)
	}
}

// dropConnection resets state after a read failure, but only if the failed
// connection is still the current one.
func (c *Connection) dropConnection(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	_ = conn.Close()
	c.conn = nil
	c.state = domain.ConnectionClosed
	c.joined = make(map[string]struct{})
}

func writeLine(conn *websocket.Conn, line string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(line))
}
