package engine

import (
	"context"

	challengedomain "captcha-gate/internal/challenge/domain"
	guildconfigdomain "captcha-gate/internal/guildconfig/domain"
)

// Evaluator decides whether a joining member must solve a challenge.
type Evaluator interface {
	// ChallengeRequired reports whether member must be challenged under cfg. An error means the
	// decision fell back to the default (challenge required).
	ChallengeRequired(ctx context.Context, member challengedomain.Member, cfg *guildconfigdomain.GuildCaptchaConfig) (bool, error)
}
