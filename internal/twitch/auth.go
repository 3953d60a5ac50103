package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/detekoi/chatsage-sub004/internal/domain"
	errs "github.com/detekoi/chatsage-sub004/internal/errors"
	"github.com/detekoi/chatsage-sub004/internal/metrics"
	"github.com/detekoi/chatsage-sub004/internal/platform/retry"
)

const (
	tokenExpiryBuffer    = 5 * time.Minute
	minUserTokenTTL      = 30 * time.Second
	oauthRequestTimeout  = 10 * time.Second
	appTokenRetryBackoff = 5 * time.Second
	appTokenRetryMax     = 3
)

// SecretAccessor is the slice of the secret access layer the token manager
// needs: read a refresh token and write back its rotated replacement.
type SecretAccessor interface {
	Get(ctx context.Context, path string) (string, error)
	Set(ctx context.Context, path string, value string) error
}

// OAuthError is a non-2xx response from the OAuth token endpoint.
type OAuthError struct {
	StatusCode int
	Message    string
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("oauth request failed with status %d: %s", e.StatusCode, e.Message)
}

// invalidRefreshToken reports whether the exchange rejected the refresh token
// itself, as opposed to failing for an operational reason. Twitch answers 400
// or 401 with an "Invalid refresh token" message in that case.
func (e *OAuthError) invalidRefreshToken() bool {
	if e.StatusCode != http.StatusBadRequest && e.StatusCode != http.StatusUnauthorized {
		return false
	}
	return strings.Contains(strings.ToLower(e.Message), "invalid refresh token")
}

type appTokenState struct {
	value     string
	expiresAt time.Time
}

// TokenManager owns both credential lifecycles: the single app access token
// used for server-to-server Helix calls, and the per-channel user tokens
// minted from stored refresh tokens.
type TokenManager struct {
	clientID     string
	clientSecret string
	oauthURL     string
	httpClient   *http.Client

	registry   domain.ChannelRegistry
	secrets    SecretAccessor
	clock      clockwork.Clock
	appBackoff time.Duration

	mu       sync.Mutex
	appToken appTokenState
	group    singleflight.Group

	userTokens *ttlcache.Cache[string, string]
}

func NewTokenManager(clientID, clientSecret, oauthURL string, registry domain.ChannelRegistry, secrets SecretAccessor) *TokenManager {
	// Reads must not extend an entry's lifetime: a token polled every sweep
	// would otherwise outlive its upstream expiry.
	cache := ttlcache.New[string, string](
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()

	return &TokenManager{
		clientID:     clientID,
		clientSecret: clientSecret,
		oauthURL:     oauthURL,
		httpClient:   &http.Client{Timeout: oauthRequestTimeout},
		registry:     registry,
		secrets:      secrets,
		clock:        clockwork.NewRealClock(),
		appBackoff:   appTokenRetryBackoff,
		userTokens:   cache,
	}
}

// AppToken returns a cached app access token, performing a client-credentials
// exchange when the cached one is absent or inside the expiry buffer.
// Concurrent callers share a single in-flight exchange.
func (m *TokenManager) AppToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	state := m.appToken
	m.mu.Unlock()

	if state.value != "" && m.clock.Now().Before(state.expiresAt.Add(-tokenExpiryBuffer)) {
		return state.value, nil
	}

	value, err, _ := m.group.Do("app", func() (interface{}, error) {
		return m.fetchAppToken(ctx)
	})
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("app", "error").Inc()
		return "", err
	}
	metrics.TokenRefreshesTotal.WithLabelValues("app", "success").Inc()
	return value.(string), nil
}

// InvalidateAppToken drops the cached app token unconditionally. Callers that
// observe a 401 using the token invoke this so the next AppToken re-fetches.
func (m *TokenManager) InvalidateAppToken() {
	m.mu.Lock()
	m.appToken = appTokenState{}
	m.mu.Unlock()
	slog.Info("App access token invalidated")
}

func (m *TokenManager) fetchAppToken(ctx context.Context) (string, error) {
	// Another waiter may have refreshed while this call queued on the group.
	m.mu.Lock()
	state := m.appToken
	m.mu.Unlock()
	if state.value != "" && m.clock.Now().Before(state.expiresAt.Add(-tokenExpiryBuffer)) {
		return state.value, nil
	}

	form := url.Values{}
	form.Set("client_id", m.clientID)
	form.Set("client_secret", m.clientSecret)
	form.Set("grant_type", "client_credentials")

	p := retry.Policy{
		MaxAttempts:    appTokenRetryMax,
		InitialBackoff: m.appBackoff,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("App token exchange failed, retrying",
				"attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", err)
		},
	}

	result, err := retry.Do(ctx, p, classifyAppTokenError, func() (*oauthTokenResponse, error) {
		return m.exchange(ctx, form)
	})
	if err != nil {
		if oauthErr, ok := asOAuthError(err); ok &&
			oauthErr.StatusCode >= 400 && oauthErr.StatusCode < 500 &&
			oauthErr.StatusCode != http.StatusTooManyRequests {
			return "", errs.Wrap(errs.KindConfiguration, "app token exchange rejected", err)
		}
		return "", errs.Transient("app token exchange failed", err)
	}

	m.mu.Lock()
	m.appToken = appTokenState{
		value:     result.AccessToken,
		expiresAt: m.clock.Now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}
	m.mu.Unlock()

	slog.Info("App access token refreshed", "expires_in_seconds", result.ExpiresIn)
	return result.AccessToken, nil
}

// UserToken returns a user-scope access token for the channel, refreshing via
// the stored refresh token when no unexpired cached token exists.
//
// The platform rotates refresh tokens on every use, so a rotated value is
// written back to the secret store before this call returns. A failed
// write-back still returns the access token: the exchange succeeded and the
// token is valid, but the failure is surfaced through the registry and metrics
// because the stored refresh token is now stale.
func (m *TokenManager) UserToken(ctx context.Context, channelName string) (string, error) {
	channelName = domain.NormalizeChannelName(channelName)

	if item := m.userTokens.Get(channelName); item != nil {
		return item.Value(), nil
	}

	ch, err := m.registry.Get(ctx, channelName)
	if err != nil {
		return "", fmt.Errorf("failed to load channel %q: %w", channelName, err)
	}
	if ch.NeedsReAuth {
		return "", errs.Wrap(errs.KindConfiguration, fmt.Sprintf("channel %q needs re-authorization", channelName), domain.ErrNotConfigured)
	}
	if ch.TwitchUserID == "" || ch.RefreshTokenSecretPath == "" {
		return "", errs.Wrap(errs.KindConfiguration, fmt.Sprintf("channel %q has no user credentials", channelName), domain.ErrNotConfigured)
	}

	refreshToken, err := m.secrets.Get(ctx, ch.RefreshTokenSecretPath)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("user", "error").Inc()
		return "", fmt.Errorf("failed to read refresh token for %q: %w", channelName, err)
	}

	form := url.Values{}
	form.Set("client_id", m.clientID)
	form.Set("client_secret", m.clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	result, err := m.exchange(ctx, form)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("user", "error").Inc()
		return "", m.classifyUserExchangeFailure(ctx, channelName, err)
	}
	metrics.TokenRefreshesTotal.WithLabelValues("user", "success").Inc()

	if result.RefreshToken != "" && result.RefreshToken != refreshToken {
		if setErr := m.secrets.Set(ctx, ch.RefreshTokenSecretPath, result.RefreshToken); setErr != nil {
			metrics.TokenRotationWritebackFailures.Inc()
			slog.Error("Rotated refresh token write-back failed, stored token is stale",
				"channel", channelName, "error", setErr)
			if recErr := m.registry.RecordTokenError(ctx, channelName, fmt.Sprintf("refresh token write-back failed: %v", setErr)); recErr != nil {
				slog.Error("Failed to record token error", "channel", channelName, "error", recErr)
			}
		}
	}

	ttl := time.Duration(result.ExpiresIn)*time.Second - tokenExpiryBuffer
	if ttl < minUserTokenTTL {
		ttl = minUserTokenTTL
	}
	m.userTokens.Set(channelName, result.AccessToken, ttl)

	slog.Debug("User token refreshed", "channel", channelName, "expires_in_seconds", result.ExpiresIn)
	return result.AccessToken, nil
}

// InvalidateUserToken drops the cached token for one channel.
func (m *TokenManager) InvalidateUserToken(channelName string) {
	m.userTokens.Delete(domain.NormalizeChannelName(channelName))
}

func (m *TokenManager) classifyUserExchangeFailure(ctx context.Context, channelName string, err error) error {
	oauthErr, ok := asOAuthError(err)
	if ok && oauthErr.invalidRefreshToken() {
		slog.Warn("Refresh token rejected, flagging channel for re-authorization", "channel", channelName)
		if markErr := m.registry.SetNeedsReAuth(ctx, channelName, "invalid refresh token"); markErr != nil {
			slog.Error("Failed to flag channel for re-authorization", "channel", channelName, "error", markErr)
		}
		metrics.ChannelsNeedingReAuth.Inc()
		return errs.Auth(fmt.Sprintf("refresh token for %q is invalid, re-authorization required", channelName), err)
	}

	if recErr := m.registry.RecordTokenError(ctx, channelName, err.Error()); recErr != nil {
		slog.Error("Failed to record token error", "channel", channelName, "error", recErr)
	}
	return errs.Transient(fmt.Sprintf("token refresh for %q failed", channelName), err)
}

type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (m *TokenManager) exchange(ctx context.Context, form url.Values) (*oauthTokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.oauthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &payload)
		return nil, &OAuthError{StatusCode: resp.StatusCode, Message: payload.Message}
	}

	var result oauthTokenResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, errs.Data("failed to decode token response", err)
	}
	return &result, nil
}

func classifyAppTokenError(err error) retry.Action {
	oauthErr, ok := asOAuthError(err)
	if !ok {
		// Network-shaped failures are worth retrying.
		return retry.Retry
	}

	switch {
	case oauthErr.StatusCode == http.StatusTooManyRequests:
		return retry.Retry
	case oauthErr.StatusCode >= 500:
		return retry.Retry
	default:
		return retry.Stop
	}
}

func asOAuthError(err error) (*OAuthError, bool) {
	var oauthErr *OAuthError
	ok := errors.As(err, &oauthErr)
	return oauthErr, ok
}
