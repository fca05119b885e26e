// Package guildconfig holds guild-level reactions to captcha failures.
package guildconfig

import (
	"context"
	"errors"
	"log"

	"captcha-gate/internal/audit"
	"captcha-gate/internal/guildconfig/repository"
)

// Toggler switches captcha verification on or off for a guild.
type Toggler interface {
	SetEnabled(ctx context.Context, guildID string, enabled bool) error
}

// DisableOnPermissionDenied returns a callback that turns verification off for a guild whose
// moderation calls were rejected for missing permissions, and records why. Until an admin
// re-enables it, new members of that guild are not challenged.
func DisableOnPermissionDenied(t Toggler, auditLogger audit.AuditLogger) func(ctx context.Context, guildID string, cause error) {
	return func(ctx context.Context, guildID string, cause error) {
		err := t.SetEnabled(ctx, guildID, false)
		if errors.Is(err, repository.ErrNotFound) {
			return
		}
		if err != nil {
			log.Printf("guildconfig: disable %s after permission failure: %v", guildID, err)
			return
		}
		log.Printf("guildconfig: disabled captcha for %s: %v", guildID, cause)
		if auditLogger != nil {
			auditLogger.LogEvent(ctx, guildID, "", audit.ActionConfigDisabled, audit.ResourceConfig,
				audit.Metadata(map[string]any{"cause": cause.Error()}))
		}
	}
}
