package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"captcha-gate/internal/guildconfig/domain"
)

// ErrNotFound is returned by SetEnabled when the guild has no config row.
var ErrNotFound = errors.New("guild captcha config not found")

const (
	selectGuildConfig = `SELECT guild_id, enabled, channel_id, role_id, timeout_seconds, max_attempts,
	before_template, after_template, created_at, updated_at
FROM guild_captcha_configs WHERE guild_id = $1`

	upsertGuildConfig = `INSERT INTO guild_captcha_configs (
	guild_id, enabled, channel_id, role_id, timeout_seconds, max_attempts,
	before_template, after_template, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (guild_id) DO UPDATE SET
	enabled = EXCLUDED.enabled,
	channel_id = EXCLUDED.channel_id,
	role_id = EXCLUDED.role_id,
	timeout_seconds = EXCLUDED.timeout_seconds,
	max_attempts = EXCLUDED.max_attempts,
	before_template = EXCLUDED.before_template,
	after_template = EXCLUDED.after_template,
	updated_at = EXCLUDED.updated_at`

	setGuildConfigEnabled = `UPDATE guild_captcha_configs SET enabled = $2, updated_at = $3 WHERE guild_id = $1`
)

// PostgresRepository stores guild configs in the guild_captcha_configs table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a guild config repository that uses the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByGuildID returns the config for the guild, or nil if not found.
func (r *PostgresRepository) GetByGuildID(ctx context.Context, guildID string) (*domain.GuildCaptchaConfig, error) {
	var (
		cfg            domain.GuildCaptchaConfig
		channelID      sql.NullString
		roleID         sql.NullString
		timeoutSeconds int64
		maxAttempts    int32
	)
	err := r.db.QueryRowContext(ctx, selectGuildConfig, guildID).Scan(
		&cfg.GuildID, &cfg.Enabled, &channelID, &roleID, &timeoutSeconds, &maxAttempts,
		&cfg.BeforeTemplate, &cfg.AfterTemplate, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cfg.ChannelID = channelID.String
	cfg.RoleID = roleID.String
	cfg.Timeout = time.Duration(timeoutSeconds) * time.Second
	cfg.MaxAttempts = int(maxAttempts)
	return &cfg, nil
}

// Upsert creates or updates the config for cfg.GuildID.
func (r *PostgresRepository) Upsert(ctx context.Context, cfg *domain.GuildCaptchaConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	now := cfg.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	created := cfg.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := r.db.ExecContext(ctx, upsertGuildConfig,
		cfg.GuildID, cfg.Enabled, nullString(cfg.ChannelID), nullString(cfg.RoleID),
		int64(cfg.Timeout/time.Second), int32(cfg.MaxAttempts),
		cfg.BeforeTemplate, cfg.AfterTemplate, created, now,
	)
	return err
}

// SetEnabled toggles verification for the guild.
func (r *PostgresRepository) SetEnabled(ctx context.Context, guildID string, enabled bool) error {
	res, err := r.db.ExecContext(ctx, setGuildConfigEnabled, guildID, enabled, time.Now().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
