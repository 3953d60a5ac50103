package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/detekoi/chatsage-sub004/internal/crypto"
	"github.com/detekoi/chatsage-sub004/internal/domain"
)

// SecretRepo implements domain.SecretStore as a versioned table with values
// encrypted at rest. Version numbers increase per path; the latest alias is
// resolved in SQL so concurrent AddVersion calls cannot hand out stale reads.
type SecretRepo struct {
	pool   *pgxpool.Pool
	cipher crypto.Service
}

func NewSecretRepo(pool *pgxpool.Pool, cipher crypto.Service) *SecretRepo {
	return &SecretRepo{pool: pool, cipher: cipher}
}

func (r *SecretRepo) AccessVersion(ctx context.Context, path string, version int64) (string, int64, error) {
	var (
		stored   string
		resolved int64
	)

	var err error
	if version == domain.LatestVersion {
		query := `SELECT value, version FROM secret_versions WHERE path = $1 ORDER BY version DESC LIMIT 1`
		err = r.pool.QueryRow(ctx, query, path).Scan(&stored, &resolved)
	} else {
		query := `SELECT value, version FROM secret_versions WHERE path = $1 AND version = $2`
		err = r.pool.QueryRow(ctx, query, path, version).Scan(&stored, &resolved)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, domain.ErrSecretNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to access secret version: %w", err)
	}

	value, err := r.cipher.Decrypt(stored)
	if err != nil {
		return "", 0, fmt.Errorf("failed to decrypt secret value: %w", err)
	}
	return value, resolved, nil
}

func (r *SecretRepo) AddVersion(ctx context.Context, path string, value string) (int64, error) {
	sealed, err := r.cipher.Encrypt(value)
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt secret value: %w", err)
	}

	query := `INSERT INTO secret_versions (path, version, value)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2 FROM secret_versions WHERE path = $1
		RETURNING version`

	var version int64
	if err := r.pool.QueryRow(ctx, query, path, sealed).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to add secret version: %w", err)
	}
	return version, nil
}
