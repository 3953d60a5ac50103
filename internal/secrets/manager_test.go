package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/detekoi/chatsage-sub004/internal/domain"
	errs "github.com/detekoi/chatsage-sub004/internal/errors"
)

type scriptedStore struct {
	value      string
	version    int64
	accessErrs []error
	addVersion int64
	addErr     error

	accessCalls int
	addCalls    int
	lastAdded   string
}

func (s *scriptedStore) AccessVersion(_ context.Context, _ string, _ int64) (string, int64, error) {
	s.accessCalls++
	if len(s.accessErrs) > 0 {
		err := s.accessErrs[0]
		s.accessErrs = s.accessErrs[1:]
		return "", 0, err
	}
	return s.value, s.version, nil
}

func (s *scriptedStore) AddVersion(_ context.Context, _ string, value string) (int64, error) {
	s.addCalls++
	s.lastAdded = value
	if s.addErr != nil {
		return 0, s.addErr
	}
	return s.addVersion, nil
}

func newTestManager(store *scriptedStore) *Manager {
	m := NewManager(store)
	m.backoff = time.Millisecond
	return m
}

func TestGetCachesLatestAlias(t *testing.T) {
	store := &scriptedStore{value: "refresh-token-1", version: 3}
	m := newTestManager(store)

	value, err := m.Get(context.Background(), "channels/alpha/refresh-token")
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-1", value)

	value, err = m.Get(context.Background(), "channels/alpha/refresh-token")
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-1", value)

	assert.Equal(t, 1, store.accessCalls)
}

func TestGetPopulatesResolvedVersionEntry(t *testing.T) {
	store := &scriptedStore{value: "refresh-token-1", version: 3}
	m := newTestManager(store)

	_, err := m.Get(context.Background(), "channels/alpha/refresh-token")
	require.NoError(t, err)

	// The alias resolved to version 3, so a pinned read of 3 is already cached.
	value, err := m.GetVersion(context.Background(), "channels/alpha/refresh-token", 3)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-1", value)
	assert.Equal(t, 1, store.accessCalls)

	// A different pinned version is a separate entry and hits the store.
	store.value = "refresh-token-0"
	_, err = m.GetVersion(context.Background(), "channels/alpha/refresh-token", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, store.accessCalls)
}

func TestGetRetriesTransientFailures(t *testing.T) {
	store := &scriptedStore{
		value:   "refresh-token-1",
		version: 1,
		accessErrs: []error{
			errs.Transient("store unavailable", errors.New("connection refused")),
			errs.Transient("store unavailable", errors.New("connection refused")),
		},
	}
	m := newTestManager(store)

	value, err := m.Get(context.Background(), "channels/alpha/refresh-token")
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-1", value)
	assert.Equal(t, 3, store.accessCalls)
}

func TestGetNotFoundFailsWithoutRetry(t *testing.T) {
	store := &scriptedStore{
		accessErrs: []error{domain.ErrSecretNotFound, domain.ErrSecretNotFound, domain.ErrSecretNotFound},
	}
	m := newTestManager(store)

	_, err := m.Get(context.Background(), "channels/gone/refresh-token")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSecretNotFound)
	assert.Equal(t, 1, store.accessCalls)
}

func TestGetExhaustsRetryBudget(t *testing.T) {
	store := &scriptedStore{
		accessErrs: []error{
			errs.Transient("store unavailable", errors.New("connection refused")),
			errs.Transient("store unavailable", errors.New("connection refused")),
			errs.Transient("store unavailable", errors.New("connection refused")),
		},
	}
	m := newTestManager(store)

	_, err := m.Get(context.Background(), "channels/alpha/refresh-token")
	require.Error(t, err)
	assert.Equal(t, 3, store.accessCalls)
}

func TestSetOverwritesCachedAlias(t *testing.T) {
	store := &scriptedStore{value: "refresh-token-1", version: 1, addVersion: 2}
	m := newTestManager(store)

	_, err := m.Get(context.Background(), "channels/alpha/refresh-token")
	require.NoError(t, err)

	err = m.Set(context.Background(), "channels/alpha/refresh-token", "refresh-token-2")
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-2", store.lastAdded)

	// The rotation is visible without another store read.
	value, err := m.Get(context.Background(), "channels/alpha/refresh-token")
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-2", value)
	assert.Equal(t, 1, store.accessCalls)
}

func TestSetErrorLeavesCacheUntouched(t *testing.T) {
	store := &scriptedStore{value: "refresh-token-1", version: 1}
	m := newTestManager(store)

	_, err := m.Get(context.Background(), "channels/alpha/refresh-token")
	require.NoError(t, err)

	store.addErr = domain.ErrNotConfigured
	err = m.Set(context.Background(), "channels/alpha/refresh-token", "refresh-token-2")
	require.Error(t, err)

	value, err := m.Get(context.Background(), "channels/alpha/refresh-token")
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-1", value)
}
