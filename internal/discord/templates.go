package discord

import (
	"fmt"
	"strconv"
	"strings"

	"captcha-gate/internal/challenge/service"
)

// Default messages used when a guild has not configured its own template.
const (
	DefaultChallengeTemplate = "{mention} please type the text shown in the image to get access to {guild}. " +
		"You have {attempts} attempts; the challenge expires {timestamp}."
	DefaultIncorrectTemplate = "{mention} that is not correct. Attempts left: {attempts}."
	DefaultVerifiedTemplate  = "{mention} verified. Welcome to {guild}!"
	DefaultExhaustedTemplate = "{mention} too many incorrect answers."
	DefaultTimedOutTemplate  = "{mention} you did not complete verification in time."
)

// defaultTemplate returns the message used for kind when the notice carries no template.
func defaultTemplate(kind service.NoticeKind) string {
	switch kind {
	case service.NoticeChallenge:
		return DefaultChallengeTemplate
	case service.NoticeIncorrect:
		return DefaultIncorrectTemplate
	case service.NoticeVerified:
		return DefaultVerifiedTemplate
	case service.NoticeExhausted:
		return DefaultExhaustedTemplate
	case service.NoticeTimedOut:
		return DefaultTimedOutTemplate
	default:
		return ""
	}
}

// Expand replaces the placeholders in tmpl:
//
//	{member}    the member's user ID
//	{mention}   a mention of the member
//	{guild}     the guild name, or its ID when the name is unknown
//	{timestamp} the challenge deadline as a relative Discord timestamp
//	{attempts}  attempts remaining
//
// Unknown placeholders are left as is.
func Expand(tmpl string, n service.Notice, guildName string) string {
	if guildName == "" {
		guildName = n.GuildID
	}
	timestamp := ""
	if !n.Deadline.IsZero() {
		timestamp = fmt.Sprintf("<t:%d:R>", n.Deadline.Unix())
	}
	r := strings.NewReplacer(
		"{member}", n.UserID,
		"{mention}", mention(n.UserID),
		"{guild}", guildName,
		"{timestamp}", timestamp,
		"{attempts}", strconv.Itoa(n.AttemptsRemaining),
	)
	return r.Replace(tmpl)
}

// render expands the notice's template, falling back to the default for its kind.
func render(n service.Notice, guildName string) string {
	tmpl := n.Template
	if strings.TrimSpace(tmpl) == "" {
		tmpl = defaultTemplate(n.Kind)
	}
	return Expand(tmpl, n, guildName)
}

func mention(userID string) string {
	return "<@" + userID + ">"
}
