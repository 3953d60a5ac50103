package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/detekoi/chatsage-sub004/internal/domain"
	errs "github.com/detekoi/chatsage-sub004/internal/errors"
	"github.com/detekoi/chatsage-sub004/internal/metrics"
	"github.com/detekoi/chatsage-sub004/internal/platform/correlation"
	"github.com/detekoi/chatsage-sub004/internal/platform/retry"
	"github.com/detekoi/chatsage-sub004/internal/twitch"
)

const (
	adLeadTime    = 60 * time.Second
	minAdArmDelay = 5 * time.Second
)

// AdScheduleFetcher reads a broadcaster's ad schedule with a user token.
type AdScheduleFetcher interface {
	GetAdSchedule(ctx context.Context, broadcasterID, userToken string) (*twitch.AdSchedule, error)
}

// AdTokenSource mints and invalidates per-channel user tokens.
type AdTokenSource interface {
	UserToken(ctx context.Context, channelName string) (string, error)
	InvalidateUserToken(channelName string)
}

// AdNotifyFunc delivers one upcoming-ad notification for a channel.
type AdNotifyFunc func(channelName string, adStartsAt time.Time)

// AdScheduler sweeps the live channels on a fixed cadence and arms one
// single-shot timer per channel ahead of its next scheduled ad break.
// Armed times are remembered per channel so an unchanged schedule never
// re-arms an identical timer.
type AdScheduler struct {
	streams  domain.StreamContext
	registry domain.ChannelRegistry
	tokens   AdTokenSource
	fetcher  AdScheduleFetcher
	notify   AdNotifyFunc

	interval    time.Duration
	retryDelays []time.Duration
	clock       clockwork.Clock
	stopCh      chan struct{}

	mu          sync.Mutex
	timers      map[string]clockwork.Timer
	notifiedFor map[string]time.Time
}

func NewAdScheduler(
	streams domain.StreamContext,
	registry domain.ChannelRegistry,
	tokens AdTokenSource,
	fetcher AdScheduleFetcher,
	notify AdNotifyFunc,
	interval time.Duration,
	clock clockwork.Clock,
) *AdScheduler {
	return &AdScheduler{
		streams:     streams,
		registry:    registry,
		tokens:      tokens,
		fetcher:     fetcher,
		notify:      notify,
		interval:    interval,
		retryDelays: []time.Duration{1 * time.Second, 3 * time.Second},
		clock:       clock,
		stopCh:      make(chan struct{}),
		timers:      make(map[string]clockwork.Timer),
		notifiedFor: make(map[string]time.Time),
	}
}

// Start runs the sweep loop until Stop is called.
func (a *AdScheduler) Start(ctx context.Context) {
	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			a.Sweep(ctx)
		case <-a.stopCh:
			slog.Info("Ad scheduler stopped")
			return
		case <-ctx.Done():
			slog.Info("Ad scheduler context cancelled")
			return
		}
	}
}

// Stop stops the sweep loop and clears every pending timer.
func (a *AdScheduler) Stop() {
	close(a.stopCh)

	a.mu.Lock()
	defer a.mu.Unlock()
	for name, timer := range a.timers {
		timer.Stop()
		delete(a.timers, name)
	}
}

// Sweep runs one pass over all currently-live channels. Per-channel failures
// are logged and never abort the sweep.
func (a *AdScheduler) Sweep(ctx context.Context) {
	ctx = correlation.WithNewID(ctx)

	live := a.streams.LiveChannels()
	for _, name := range live {
		a.sweepChannel(ctx, name)
	}

	// Timers for channels that went offline would fire against stale data.
	liveSet := make(map[string]struct{}, len(live))
	for _, name := range live {
		liveSet[name] = struct{}{}
	}
	a.mu.Lock()
	var stale []string
	for name := range a.timers {
		if _, ok := liveSet[name]; !ok {
			stale = append(stale, name)
		}
	}
	a.mu.Unlock()
	for _, name := range stale {
		a.clearTimer(name)
	}
}

func (a *AdScheduler) sweepChannel(ctx context.Context, channelName string) {
	ch, err := a.registry.Get(ctx, channelName)
	if err != nil {
		slog.Warn("Live channel not readable from registry", "channel", channelName, "error", err)
		a.clearTimer(channelName)
		return
	}

	if !ch.AdNotificationsEnabled || !a.streams.IsLive(channelName) || !ch.HasUserCredentials() {
		a.clearTimer(channelName)
		return
	}

	token, err := a.tokens.UserToken(ctx, channelName)
	if err != nil {
		if errs.Is(err, errs.KindAuth) || errs.Is(err, errs.KindConfiguration) {
			slog.Warn("Skipping ad schedule, channel needs re-authorization with ads scope",
				"channel", channelName, "error", err)
		} else {
			slog.Warn("Skipping ad schedule, user token unavailable", "channel", channelName, "error", err)
		}
		return
	}

	schedule, err := a.fetchSchedule(ctx, channelName, ch.TwitchUserID, token)
	if err != nil {
		if isUnauthorized(err) {
			a.tokens.InvalidateUserToken(channelName)
			slog.Warn("Ad schedule fetch unauthorized, re-authorize the channel with the ads scope",
				"channel", channelName, "error", err)
			return
		}
		if errs.Is(err, errs.KindData) {
			slog.Warn("Ad schedule unparseable, clearing timer", "channel", channelName, "error", err)
			a.clearTimer(channelName)
			return
		}
		slog.Warn("Ad schedule fetch failed", "channel", channelName, "error", err)
		return
	}

	if schedule == nil || schedule.NextAdAt.IsZero() {
		// No ad scheduled. Nothing to arm, and a previously armed timer
		// would fire against stale schedule data.
		a.clearTimer(channelName)
		return
	}

	now := a.clock.Now()
	if !schedule.NextAdAt.After(now) {
		a.clearTimer(channelName)
		return
	}

	a.armTimer(channelName, schedule.NextAdAt, now)
}

// fetchSchedule is a bounded retry loop: transient failures get two extra
// attempts with fixed delays, everything else gives up for this sweep.
func (a *AdScheduler) fetchSchedule(ctx context.Context, channelName, broadcasterID, token string) (*twitch.AdSchedule, error) {
	p := retry.Policy{
		MaxAttempts: len(a.retryDelays) + 1,
		Delays:      a.retryDelays,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Debug("Ad schedule fetch failed, retrying",
				"channel", channelName, "attempt", attempt, "backoff", backoff, "error", err)
		},
	}

	return retry.Do(ctx, p, classifyAdFetchError, func() (*twitch.AdSchedule, error) {
		return a.fetcher.GetAdSchedule(ctx, broadcasterID, token)
	})
}

func isUnauthorized(err error) bool {
	var apiErr *twitch.APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == 401 || apiErr.StatusCode == 403) {
		return true
	}
	return errs.Is(err, errs.KindAuth)
}

func classifyAdFetchError(err error) retry.Action {
	var apiErr *twitch.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
			return retry.Retry
		default:
			return retry.Stop
		}
	}
	switch errs.KindOf(err) {
	case errs.KindTransient:
		return retry.Retry
	default:
		return retry.Stop
	}
}

// armTimer replaces any pending timer for the channel unless one was already
// armed for the same instant.
func (a *AdScheduler) armTimer(channelName string, nextAdAt, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if last, ok := a.notifiedFor[channelName]; ok && last.Equal(nextAdAt) {
		return
	}

	if timer, ok := a.timers[channelName]; ok {
		timer.Stop()
	}

	delay := nextAdAt.Sub(now) - adLeadTime
	if delay < minAdArmDelay {
		delay = minAdArmDelay
	}

	a.timers[channelName] = a.clock.AfterFunc(delay, func() {
		a.fire(channelName, nextAdAt)
	})
	a.notifiedFor[channelName] = nextAdAt

	metrics.AdTimersArmedTotal.Inc()
	slog.Info("Ad notification timer armed",
		"channel", channelName, "next_ad_at", nextAdAt, "fires_in", delay)
}

func (a *AdScheduler) fire(channelName string, nextAdAt time.Time) {
	a.mu.Lock()
	delete(a.timers, channelName)
	a.mu.Unlock()

	metrics.AdNotificationsFiredTotal.Inc()
	slog.Info("Ad break imminent", "channel", channelName, "next_ad_at", nextAdAt)
	a.notify(channelName, nextAdAt)
}

// clearTimer stops a pending timer and forgets the channel's armed time so a
// later re-eligible schedule arms cleanly.
func (a *AdScheduler) clearTimer(channelName string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if timer, ok := a.timers[channelName]; ok {
		timer.Stop()
		delete(a.timers, channelName)
	}
	delete(a.notifiedFor, channelName)
}

