package domain

import "time"

// AuditLog records one verification decision or moderation action for a guild member.
type AuditLog struct {
	ID        string
	GuildID   string
	UserID    string
	Action    string
	Resource  string
	Metadata  string
	CreatedAt time.Time
}
