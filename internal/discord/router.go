package discord

import (
	"context"
	"errors"
	"log"

	"github.com/bwmarrin/discordgo"

	"captcha-gate/internal/challenge/domain"
	"captcha-gate/internal/challenge/service"
)

// Intents are the gateway intents the router needs. Message content is privileged and must be
// enabled for the bot in the developer portal.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildMessages |
	discordgo.IntentMessageContent

// Lifecycle is the part of the challenge manager driven by membership events.
type Lifecycle interface {
	Issue(ctx context.Context, member domain.Member) (*domain.Challenge, error)
	OnEntityDeparted(ctx context.Context, key domain.Key) error
}

// Router turns gateway events into lifecycle calls. Member joins issue challenges, departures
// cancel them, and guild messages become attempts on the Attempts channel.
type Router struct {
	ctx       context.Context
	lifecycle Lifecycle
	attempts  chan service.Attempt
}

// NewRouter returns a Router whose handlers use ctx and stop forwarding attempts once ctx is
// done. buffer sizes the Attempts channel.
func NewRouter(ctx context.Context, lifecycle Lifecycle, buffer int) *Router {
	if buffer < 0 {
		buffer = 0
	}
	return &Router{ctx: ctx, lifecycle: lifecycle, attempts: make(chan service.Attempt, buffer)}
}

// Attempts is the stream of member messages; pass it to Manager.Run.
func (r *Router) Attempts() <-chan service.Attempt {
	return r.attempts
}

// Register adds the router's handlers to s. It returns a func that removes them.
func (r *Router) Register(s *discordgo.Session) (remove func()) {
	removers := []func(){
		s.AddHandler(r.OnMemberAdd),
		s.AddHandler(r.OnMemberRemove),
		s.AddHandler(r.OnMessageCreate),
	}
	return func() {
		for _, rm := range removers {
			rm()
		}
	}
}

// OnMemberAdd issues a challenge to the joining member.
func (r *Router) OnMemberAdd(_ *discordgo.Session, e *discordgo.GuildMemberAdd) {
	if e == nil || e.Member == nil || e.User == nil {
		return
	}
	member := domain.Member{
		GuildID:  e.GuildID,
		UserID:   e.User.ID,
		Username: e.User.Username,
		Bot:      e.User.Bot,
		JoinedAt: e.JoinedAt,
	}
	_, err := r.lifecycle.Issue(r.ctx, member)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrFeatureDisabled), errors.Is(err, service.ErrNotRequired):
	case errors.Is(err, service.ErrPartialDelivery):
		log.Printf("discord: challenge for %s issued with partial delivery: %v", member.Key(), err)
	default:
		log.Printf("discord: issue challenge for %s: %v", member.Key(), err)
	}
}

// OnMemberRemove cancels the departed member's challenge.
func (r *Router) OnMemberRemove(_ *discordgo.Session, e *discordgo.GuildMemberRemove) {
	if e == nil || e.Member == nil || e.User == nil {
		return
	}
	key := domain.Key{CommunityID: e.GuildID, EntityID: e.User.ID}
	if err := r.lifecycle.OnEntityDeparted(r.ctx, key); err != nil {
		log.Printf("discord: departure of %s: %v", key, err)
	}
}

// OnMessageCreate forwards guild messages from humans as attempts. Messages the bot posts itself
// and direct messages are skipped.
func (r *Router) OnMessageCreate(s *discordgo.Session, e *discordgo.MessageCreate) {
	if e == nil || e.Message == nil || e.Author == nil || e.GuildID == "" {
		return
	}
	if e.Author.Bot {
		return
	}
	if s != nil && s.State != nil && s.State.User != nil && e.Author.ID == s.State.User.ID {
		return
	}
	a := service.Attempt{
		GuildID:   e.GuildID,
		UserID:    e.Author.ID,
		ChannelID: e.ChannelID,
		MessageID: e.ID,
		Content:   e.Content,
	}
	select {
	case r.attempts <- a:
	case <-r.ctx.Done():
	}
}
