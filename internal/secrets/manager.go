// Package secrets is the cached, retrying access layer over the versioned
// secret store. Values never appear in logs, error text, or metrics labels.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/detekoi/chatsage-sub004/internal/domain"
	errs "github.com/detekoi/chatsage-sub004/internal/errors"
	"github.com/detekoi/chatsage-sub004/internal/metrics"
	"github.com/detekoi/chatsage-sub004/internal/platform/retry"
)

const (
	retryAttempts = 3
	retryBase     = 500 * time.Millisecond
)

// Manager caches resolved secret values indefinitely. Cache entries are keyed
// by fully-qualified version: the latest alias of a path is a separate entry
// from the concrete version it resolved to, so rotating a secret invalidates
// the alias without touching pinned-version readers.
type Manager struct {
	store   domain.SecretStore
	backoff time.Duration

	mu    sync.RWMutex
	cache map[string]string
}

func NewManager(store domain.SecretStore) *Manager {
	return &Manager{
		store:   store,
		backoff: retryBase,
		cache:   make(map[string]string),
	}
}

func aliasKey(path string) string { return path + "@latest" }

func versionKey(path string, version int64) string {
	return path + "@" + strconv.FormatInt(version, 10)
}

// Get returns the latest value of path, reading through the cache.
func (m *Manager) Get(ctx context.Context, path string) (string, error) {
	if value, ok := m.lookup(aliasKey(path)); ok {
		metrics.SecretCacheHitsTotal.WithLabelValues("hit").Inc()
		return value, nil
	}
	metrics.SecretCacheHitsTotal.WithLabelValues("miss").Inc()

	type accessed struct {
		value   string
		version int64
	}

	result, err := retry.Do(ctx, m.policy(path, "access"), classifyStoreError, func() (accessed, error) {
		value, version, err := m.store.AccessVersion(ctx, path, domain.LatestVersion)
		return accessed{value: value, version: version}, err
	})
	if err != nil {
		metrics.SecretOpsTotal.WithLabelValues("access", "error").Inc()
		return "", fmt.Errorf("failed to access secret %q: %w", path, err)
	}
	metrics.SecretOpsTotal.WithLabelValues("access", "success").Inc()

	m.mu.Lock()
	m.cache[aliasKey(path)] = result.value
	m.cache[versionKey(path, result.version)] = result.value
	m.mu.Unlock()

	slog.Debug("Secret accessed", "path", path, "version", result.version)
	return result.value, nil
}

// GetVersion returns a pinned version of path, reading through the cache.
func (m *Manager) GetVersion(ctx context.Context, path string, version int64) (string, error) {
	if version == domain.LatestVersion {
		return m.Get(ctx, path)
	}

	key := versionKey(path, version)
	if value, ok := m.lookup(key); ok {
		metrics.SecretCacheHitsTotal.WithLabelValues("hit").Inc()
		return value, nil
	}
	metrics.SecretCacheHitsTotal.WithLabelValues("miss").Inc()

	value, err := retry.Do(ctx, m.policy(path, "access"), classifyStoreError, func() (string, error) {
		v, _, err := m.store.AccessVersion(ctx, path, version)
		return v, err
	})
	if err != nil {
		metrics.SecretOpsTotal.WithLabelValues("access", "error").Inc()
		return "", fmt.Errorf("failed to access secret %q version %d: %w", path, version, err)
	}
	metrics.SecretOpsTotal.WithLabelValues("access", "success").Inc()

	m.mu.Lock()
	m.cache[key] = value
	m.mu.Unlock()
	return value, nil
}

// Set stores value as a new version of path and overwrites the cached latest
// alias so subsequent Get calls observe the rotation immediately.
func (m *Manager) Set(ctx context.Context, path string, value string) error {
	version, err := retry.Do(ctx, m.policy(path, "add"), classifyStoreError, func() (int64, error) {
		return m.store.AddVersion(ctx, path, value)
	})
	if err != nil {
		metrics.SecretOpsTotal.WithLabelValues("add", "error").Inc()
		return fmt.Errorf("failed to store secret %q: %w", path, err)
	}
	metrics.SecretOpsTotal.WithLabelValues("add", "success").Inc()

	m.mu.Lock()
	m.cache[aliasKey(path)] = value
	m.cache[versionKey(path, version)] = value
	m.mu.Unlock()

	slog.Info("Secret rotated", "path", path, "version", version)
	return nil
}

func (m *Manager) lookup(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.cache[key]
	return value, ok
}

func (m *Manager) policy(path, op string) retry.Policy {
	p := retry.Linear(retryAttempts, m.backoff)
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Secret store operation failed, retrying",
			"operation", op, "path", path, "attempt", attempt,
			"backoff", backoff, "error", err)
	}
	return p
}

// classifyStoreError retries everything except terminal classes: a missing
// secret or a permission problem will not heal within the retry budget.
func classifyStoreError(err error) retry.Action {
	if errors.Is(err, domain.ErrSecretNotFound) {
		return retry.Stop
	}
	switch errs.KindOf(err) {
	case errs.KindNotFound, errs.KindAuth, errs.KindConfiguration:
		return retry.Stop
	default:
		return retry.Retry
	}
}
