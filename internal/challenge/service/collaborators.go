package service

import (
	"context"
	"time"

	"captcha-gate/internal/challenge/domain"
	guildconfigdomain "captcha-gate/internal/guildconfig/domain"
)

// SettingsProvider returns a guild's captcha config, or nil if the guild has none.
type SettingsProvider interface {
	GetByGuildID(ctx context.Context, guildID string) (*guildconfigdomain.GuildCaptchaConfig, error)
}

// Renderer turns a solution into image bytes.
type Renderer interface {
	Render(solution string) ([]byte, error)
}

// NoticeKind says which message a Notice stands for.
type NoticeKind int

const (
	NoticeChallenge NoticeKind = iota
	NoticeIncorrect
	NoticeVerified
	NoticeExhausted
	NoticeTimedOut
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeChallenge:
		return "challenge"
	case NoticeIncorrect:
		return "incorrect"
	case NoticeVerified:
		return "verified"
	case NoticeExhausted:
		return "exhausted"
	case NoticeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Notice carries a message template and the context the gateway expands it with.
// Template is empty when the guild did not configure one; the gateway picks a default.
type Notice struct {
	Kind              NoticeKind
	Template          string
	GuildID           string
	UserID            string
	IssuedAt          time.Time
	Deadline          time.Time
	AttemptsRemaining int
}

// NotificationGateway posts challenge and result messages.
type NotificationGateway interface {
	// DeliverChallenge posts the image with the notice. A non-nil handle with a non-nil error
	// means the image went out but the rest of the delivery failed.
	DeliverChallenge(ctx context.Context, channelID string, image []byte, notice Notice) (*domain.MessageHandle, error)
	DeliverResult(ctx context.Context, channelID string, notice Notice) error
	Delete(ctx context.Context, h domain.MessageHandle) error
}

// ModerationActions acts on members. Implementations return an error wrapping ErrPermission
// when the bot lacks the rights to do so.
type ModerationActions interface {
	Expel(ctx context.Context, guildID, userID, reason string) error
	GrantRole(ctx context.Context, guildID, userID, roleID string) error
}

// EligibilityPolicy decides whether a member needs a challenge at all.
type EligibilityPolicy interface {
	ChallengeRequired(ctx context.Context, member domain.Member, cfg *guildconfigdomain.GuildCaptchaConfig) (bool, error)
}

// AuditLogger records decisions. Best-effort.
type AuditLogger interface {
	LogEvent(ctx context.Context, guildID, userID, action, resource, metadata string)
}

// MetricsRecorder counts lifecycle events.
type MetricsRecorder interface {
	ChallengeIssued(ctx context.Context, guildID string)
	ChallengeResolved(ctx context.Context, guildID, reason string)
	AttemptEvaluated(ctx context.Context, guildID, outcome string)
	ModerationFailed(ctx context.Context, guildID, action string)
}

// PermissionDeniedFunc is called when a moderation action failed with ErrPermission, so the
// caller can turn the feature off for the guild.
type PermissionDeniedFunc func(ctx context.Context, guildID string, err error)

// Attempt is one message posted by a member.
type Attempt struct {
	GuildID   string
	UserID    string
	ChannelID string
	MessageID string
	Content   string
}

// Key returns the entity key of the member who posted the attempt.
func (a Attempt) Key() domain.Key {
	return domain.Key{CommunityID: a.GuildID, EntityID: a.UserID}
}

// AttemptResult is what SubmitAttempt did with an attempt.
type AttemptResult struct {
	Outcome           domain.Outcome
	AttemptsRemaining int
}
