package domain

import "errors"

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrSecretNotFound  = errors.New("secret not found")

	// ErrNotConfigured means a channel lacks the identity or secret pointer
	// needed for user-scope credentials, or is flagged for re-authorization.
	ErrNotConfigured = errors.New("channel not configured for user tokens")
)
