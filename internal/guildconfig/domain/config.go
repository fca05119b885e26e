package domain

import (
	"errors"
	"time"
)

// Default values applied when a guild enables verification without overriding them.
const (
	DefaultTimeout     = 5 * time.Minute
	DefaultMaxAttempts = 3
)

var (
	ErrInvalidGuildID     = errors.New("guild id must not be empty")
	ErrInvalidTimeout     = errors.New("timeout must be positive")
	ErrInvalidMaxAttempts = errors.New("max attempts must be at least 1")
)

// GuildCaptchaConfig is the per-guild verification setup (one row per guild).
type GuildCaptchaConfig struct {
	GuildID string
	Enabled bool
	// ChannelID is the verification channel challenges are posted in and answered from.
	ChannelID string
	// RoleID is granted on successful verification.
	RoleID      string
	Timeout     time.Duration
	MaxAttempts int
	// BeforeTemplate accompanies the challenge image; AfterTemplate is sent on success.
	BeforeTemplate string
	AfterTemplate  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Validate checks the fields that must hold for any stored config. Channel and role may be
// empty while the feature is disabled.
func (c *GuildCaptchaConfig) Validate() error {
	if c.GuildID == "" {
		return ErrInvalidGuildID
	}
	if c.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	return nil
}

// WithDefaults returns a copy with zero timeout and attempts replaced by the given defaults.
func (c GuildCaptchaConfig) WithDefaults(timeout time.Duration, maxAttempts int) GuildCaptchaConfig {
	if c.Timeout <= 0 {
		c.Timeout = timeout
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = maxAttempts
	}
	return c
}
