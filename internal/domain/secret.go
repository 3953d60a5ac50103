package domain

import "context"

// SecretVersion addresses one stored value of a secret path. Version numbers
// are monotonically increasing per path; LatestVersion selects the newest.
const LatestVersion int64 = 0

// SecretStore is the versioned blob store underneath the secret access layer.
// Implementations own transport, encryption at rest, and version bookkeeping;
// retry and caching policy live in the access layer on top.
type SecretStore interface {
	// AccessVersion returns the value stored at path for the given version.
	// Passing LatestVersion resolves the newest version; the resolved concrete
	// version is returned so callers can cache the alias and the version
	// separately.
	AccessVersion(ctx context.Context, path string, version int64) (value string, resolved int64, err error)

	// AddVersion stores value as a new version of path and returns its number.
	AddVersion(ctx context.Context, path string, value string) (int64, error)
}
