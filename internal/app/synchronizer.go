package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/detekoi/chatsage-sub004/internal/domain"
	"github.com/detekoi/chatsage-sub004/internal/metrics"
	"github.com/detekoi/chatsage-sub004/internal/platform/correlation"
)

// AdSubscriptionEnsurer is the slice of the subscription manager the
// synchronizer drives: keeping ad-break subscriptions present for eligible
// channels.
type AdSubscriptionEnsurer interface {
	EnsureAdBreak(ctx context.Context, broadcasterID string, enabled bool, userToken string) error
}

// UserTokenSource mints user-scope tokens for ad-break subscription calls and
// evicts them when the platform rejects one.
type UserTokenSource interface {
	UserToken(ctx context.Context, channelName string) (string, error)
	InvalidateUserToken(channelName string)
}

// Synchronizer converges chat-connection membership and webhook subscription
// state onto the registry's enabled-state. Full passes run at startup and on
// a timer; incremental passes consume the registry change stream.
type Synchronizer struct {
	registry domain.ChannelRegistry
	conn     domain.ChatConnection
	subs     AdSubscriptionEnsurer
	tokens   UserTokenSource
	streams  domain.StreamContext

	interval    time.Duration
	lazyConnect bool
	clock       clockwork.Clock
	stopCh      chan struct{}

	inProgress atomic.Bool
}

func NewSynchronizer(
	registry domain.ChannelRegistry,
	conn domain.ChatConnection,
	subs AdSubscriptionEnsurer,
	tokens UserTokenSource,
	streams domain.StreamContext,
	interval time.Duration,
	lazyConnect bool,
	clock clockwork.Clock,
) *Synchronizer {
	return &Synchronizer{
		registry:    registry,
		conn:        conn,
		subs:        subs,
		tokens:      tokens,
		streams:     streams,
		interval:    interval,
		lazyConnect: lazyConnect,
		clock:       clock,
		stopCh:      make(chan struct{}),
	}
}

// Start runs the periodic full-reconciliation loop until Stop is called.
func (s *Synchronizer) Start(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if err := s.SyncAll(ctx); err != nil {
				slog.Error("Full reconciliation failed", "error", err)
			}
		case <-s.stopCh:
			slog.Info("Synchronizer stopped")
			return
		case <-ctx.Done():
			slog.Info("Synchronizer context cancelled")
			return
		}
	}
}

// Stop gracefully stops the reconciliation loop.
func (s *Synchronizer) Stop() {
	close(s.stopCh)
}

// SyncAll runs one full reconciliation pass. At most one pass runs at a time
// process-wide; an overlapping invocation is dropped, not queued. A registry
// read failure is fatal and propagates, because the pass cannot compute a
// desired state without it.
func (s *Synchronizer) SyncAll(ctx context.Context) error {
	if !s.inProgress.CompareAndSwap(false, true) {
		slog.Warn("Full reconciliation already in progress, skipping")
		metrics.ReconciliationRunsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	defer s.inProgress.Store(false)

	ctx = correlation.WithNewID(ctx)

	start := time.Now()
	defer func() {
		metrics.ReconciliationDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	channels, err := s.registry.ListAll(ctx)
	if err != nil {
		metrics.ReconciliationRunsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to list managed channels: %w", err)
	}

	desired := make(map[string]bool, len(channels))
	for _, ch := range channels {
		if ch.IsActive {
			desired[domain.NormalizeChannelName(ch.ChannelName)] = true
		}
	}

	// One snapshot drives the whole pass, so a join and a part for the same
	// channel can never race within it.
	actual := make(map[string]bool)
	for _, name := range s.conn.Channels() {
		actual[name] = true
	}

	var wg sync.WaitGroup
	for name := range desired {
		if actual[name] {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			s.join(ctx, name)
		}(name)
	}
	for name := range actual {
		if desired[name] {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			s.part(ctx, name)
		}(name)
	}
	wg.Wait()

	for _, ch := range channels {
		s.ensureAdSubscription(ctx, &ch)
	}

	metrics.ReconciliationRunsTotal.WithLabelValues("success").Inc()
	slog.Info("Full reconciliation complete",
		"channels", len(channels), "desired", len(desired), "duration", time.Since(start))
	return nil
}

// ConsumeChanges applies registry change events until the stream closes or
// the context is cancelled. Events are processed one at a time.
func (s *Synchronizer) ConsumeChanges(ctx context.Context, events <-chan domain.ChannelChange) {
	for {
		select {
		case change, ok := <-events:
			if !ok {
				slog.Info("Registry change stream closed")
				return
			}
			s.applyChange(ctx, change)
		case <-ctx.Done():
			return
		}
	}
}

// applyChange reacts to a single registry change. The change stream counts
// events as it decodes them, so no metric is bumped here.
func (s *Synchronizer) applyChange(ctx context.Context, change domain.ChannelChange) {
	switch change.Type {
	case domain.ChangeAdded, domain.ChangeModified:
		s.syncChannel(ctx, change.ChannelName, change.Type == domain.ChangeAdded)
	case domain.ChangeRemoved:
		// Deliberately not reconciled: a deleted registry document does not
		// part the channel. Deletions are rare and manual, and the next
		// full pass treats an unknown joined channel the same way.
		slog.Info("Channel removed from registry, membership left unchanged", "channel", change.ChannelName)
	default:
		slog.Warn("Unknown change type ignored", "type", change.Type, "channel", change.ChannelName)
	}
}

// syncChannel converges exactly one channel's membership and ad subscription.
func (s *Synchronizer) syncChannel(ctx context.Context, channelName string, isNew bool) {
	channelName = domain.NormalizeChannelName(channelName)

	ch, err := s.registry.Get(ctx, channelName)
	if err != nil {
		if errors.Is(err, domain.ErrChannelNotFound) {
			slog.Warn("Changed channel not found in registry", "channel", channelName)
			return
		}
		slog.Error("Failed to load changed channel", "channel", channelName, "error", err)
		return
	}

	joined := false
	for _, name := range s.conn.Channels() {
		if name == channelName {
			joined = true
			break
		}
	}

	switch {
	case ch.IsActive && !joined:
		s.join(ctx, channelName)
	case !ch.IsActive && joined:
		s.part(ctx, channelName)
	}

	// A brand-new active channel that is already live must not be missed
	// while the transport defers connecting until a stream goes live.
	if isNew && ch.IsActive && s.lazyConnect && s.conn.State() == domain.ConnectionClosed && s.streams.IsLive(channelName) {
		slog.Info("New channel is already live, establishing chat connection", "channel", channelName)
		if err := s.conn.Connect(ctx); err != nil {
			slog.Error("Failed to establish chat connection", "channel", channelName, "error", err)
		}
	}

	s.ensureAdSubscription(ctx, ch)
}

// join attempts a single channel join. Skipped without queueing or retrying
// when the connection is not open: the next pass retries naturally.
func (s *Synchronizer) join(ctx context.Context, channelName string) {
	if s.conn.State() != domain.ConnectionOpen {
		slog.Debug("Skipping join, connection not open", "channel", channelName, "state", s.conn.State())
		metrics.MembershipOpsTotal.WithLabelValues("join", "skipped").Inc()
		return
	}
	if err := s.conn.Join(ctx, channelName); err != nil {
		slog.Error("Failed to join channel", "channel", channelName, "error", err)
		metrics.MembershipOpsTotal.WithLabelValues("join", "error").Inc()
		return
	}
	metrics.MembershipOpsTotal.WithLabelValues("join", "success").Inc()
	slog.Info("Joined channel", "channel", channelName)
}

func (s *Synchronizer) part(ctx context.Context, channelName string) {
	if s.conn.State() != domain.ConnectionOpen {
		slog.Debug("Skipping part, connection not open", "channel", channelName, "state", s.conn.State())
		metrics.MembershipOpsTotal.WithLabelValues("part", "skipped").Inc()
		return
	}
	if err := s.conn.Part(ctx, channelName); err != nil {
		slog.Error("Failed to part channel", "channel", channelName, "error", err)
		metrics.MembershipOpsTotal.WithLabelValues("part", "error").Inc()
		return
	}
	metrics.MembershipOpsTotal.WithLabelValues("part", "success").Inc()
	slog.Info("Parted channel", "channel", channelName)
}

func (s *Synchronizer) ensureAdSubscription(ctx context.Context, ch *domain.ManagedChannel) {
	if !ch.IsActive || !ch.AdNotificationsEnabled || !ch.HasUserCredentials() {
		return
	}

	token, err := s.tokens.UserToken(ctx, ch.ChannelName)
	if err != nil {
		slog.Warn("Cannot ensure ad-break subscription without user token", "channel", ch.ChannelName, "error", err)
		return
	}

	if err := s.subs.EnsureAdBreak(ctx, ch.TwitchUserID, true, token); err != nil {
		if isUnauthorized(err) {
			s.tokens.InvalidateUserToken(ch.ChannelName)
			slog.Warn("Ad-break subscription rejected the user token, evicting it",
				"channel", ch.ChannelName, "error", err)
			return
		}
		slog.Error("Failed to ensure ad-break subscription", "channel", ch.ChannelName, "error", err)
	}
}
