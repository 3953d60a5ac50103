package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/detekoi/chatsage-sub004/internal/domain"
)

// channelColumns must match the Scan order in scanChannel.
const channelColumns = `channel_name, is_active, display_name, email, twitch_user_id,
	refresh_token_secret_path, ad_notifications_enabled, needs_reauth,
	last_token_error, last_token_error_at, added_at, last_status_change`

// ChannelRepo implements domain.ChannelRegistry backed by PostgreSQL.
// Field updates made by this repo are announced on the registry change stream
// so the synchronizer's incremental path observes them like any other write.
type ChannelRepo struct {
	pool    *pgxpool.Pool
	publish func(ctx context.Context, change domain.ChannelChange)
}

// NewChannelRepo creates a ChannelRepo. publish may be nil when change
// notifications are not wired (CLI usage).
func NewChannelRepo(pool *pgxpool.Pool, publish func(ctx context.Context, change domain.ChannelChange)) *ChannelRepo {
	return &ChannelRepo{pool: pool, publish: publish}
}

func scanChannel(row pgx.Row) (*domain.ManagedChannel, error) {
	var (
		ch    domain.ManagedChannel
		errAt *time.Time
	)
	err := row.Scan(
		&ch.ChannelName, &ch.IsActive, &ch.DisplayName, &ch.Email, &ch.TwitchUserID,
		&ch.RefreshTokenSecretPath, &ch.AdNotificationsEnabled, &ch.NeedsReAuth,
		&ch.LastTokenError, &errAt, &ch.AddedAt, &ch.LastStatusChange,
	)
	if err != nil {
		return nil, err
	}
	if errAt != nil {
		ch.LastTokenErrorAt = *errAt
	}
	return &ch, nil
}

func (r *ChannelRepo) Get(ctx context.Context, channelName string) (*domain.ManagedChannel, error) {
	query := `SELECT ` + channelColumns + ` FROM managed_channels WHERE channel_name = $1`

	ch, err := scanChannel(r.pool.QueryRow(ctx, query, domain.NormalizeChannelName(channelName)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return ch, nil
}

func (r *ChannelRepo) ListAll(ctx context.Context) ([]domain.ManagedChannel, error) {
	query := `SELECT ` + channelColumns + ` FROM managed_channels ORDER BY channel_name`
	return r.list(ctx, query)
}

func (r *ChannelRepo) ListActive(ctx context.Context) ([]domain.ManagedChannel, error) {
	query := `SELECT ` + channelColumns + ` FROM managed_channels WHERE is_active ORDER BY channel_name`
	return r.list(ctx, query)
}

func (r *ChannelRepo) list(ctx context.Context, query string) ([]domain.ManagedChannel, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []domain.ManagedChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read channels: %w", err)
	}
	return channels, nil
}

func (r *ChannelRepo) SetNeedsReAuth(ctx context.Context, channelName string, reason string) error {
	query := `UPDATE managed_channels
		SET needs_reauth = TRUE, last_token_error = $2, last_token_error_at = now(), last_status_change = now()
		WHERE channel_name = $1`

	name := domain.NormalizeChannelName(channelName)
	tag, err := r.pool.Exec(ctx, query, name, reason)
	if err != nil {
		return fmt.Errorf("failed to flag channel for re-auth: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrChannelNotFound
	}

	r.notify(ctx, name)
	return nil
}

func (r *ChannelRepo) RecordTokenError(ctx context.Context, channelName string, message string) error {
	query := `UPDATE managed_channels
		SET last_token_error = $2, last_token_error_at = now()
		WHERE channel_name = $1`

	name := domain.NormalizeChannelName(channelName)
	tag, err := r.pool.Exec(ctx, query, name, message)
	if err != nil {
		return fmt.Errorf("failed to record token error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrChannelNotFound
	}
	return nil
}

func (r *ChannelRepo) notify(ctx context.Context, channelName string) {
	if r.publish == nil {
		return
	}
	r.publish(ctx, domain.ChannelChange{Type: domain.ChangeModified, ChannelName: channelName})
	slog.Debug("Registry change published", "channel", channelName)
}
