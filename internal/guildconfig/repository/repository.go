package repository

import (
	"context"

	"captcha-gate/internal/guildconfig/domain"
)

// Repository defines access to per-guild captcha configuration.
type Repository interface {
	// GetByGuildID returns the config for the guild, or nil if the guild never configured one.
	GetByGuildID(ctx context.Context, guildID string) (*domain.GuildCaptchaConfig, error)
	// Upsert creates or replaces the config for cfg.GuildID.
	Upsert(ctx context.Context, cfg *domain.GuildCaptchaConfig) error
	// SetEnabled toggles verification for the guild. Returns ErrNotFound if no config exists.
	SetEnabled(ctx context.Context, guildID string, enabled bool) error
}
