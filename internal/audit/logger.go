package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"captcha-gate/internal/audit/domain"
	auditrepo "captcha-gate/internal/audit/repository"
)

// SentinelGuildID is the guild_id used for audit events that have no guild (e.g. process shutdown).
const SentinelGuildID = "_system"

// AuditLogger writes a single audit event with explicit action/resource.
// LogEvent is best-effort: failures are logged and do not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, guildID, userID, action, resource, metadata string)
}

// Logger implements AuditLogger using the audit repository.
type Logger struct {
	repo auditrepo.Repository
	nowF func() time.Time
}

// NewLogger returns an AuditLogger that persists to repo. A nil repo makes LogEvent a no-op.
func NewLogger(repo auditrepo.Repository) *Logger {
	return &Logger{repo: repo, nowF: func() time.Time { return time.Now().UTC() }}
}

// LogEvent writes one audit log entry. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, guildID, userID, action, resource, metadata string) {
	if l.repo == nil {
		return
	}
	if guildID == "" {
		guildID = SentinelGuildID
	}
	entry := &domain.AuditLog{
		ID:        uuid.New().String(),
		GuildID:   guildID,
		UserID:    userID,
		Action:    action,
		Resource:  resource,
		Metadata:  metadata,
		CreatedAt: l.nowF(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		log.Printf("audit: failed to log event %s/%s: %v", action, resource, err)
	}
}
