// Package discord connects the challenge lifecycle to Discord: it posts challenges and results,
// grants roles and kicks members through discordgo, and turns gateway events into lifecycle calls.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/bwmarrin/discordgo"

	"captcha-gate/internal/challenge/domain"
	"captcha-gate/internal/challenge/service"
)

const imageName = "captcha.png"

// session is the subset of *discordgo.Session the gateway calls.
type session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	GuildMemberDeleteWithReason(guildID, userID, reason string, options ...discordgo.RequestOption) error
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
}

// Gateway implements service.NotificationGateway and service.ModerationActions on a Discord session.
type Gateway struct {
	s session
	// guildName resolves display names for {guild}; nil falls back to a REST lookup.
	guildName func(guildID string) string
}

// NewGateway returns a Gateway over s. Guild names are read from the session state cache when
// it has them.
func NewGateway(s *discordgo.Session) *Gateway {
	g := &Gateway{s: s}
	g.guildName = func(guildID string) string {
		if s.State != nil {
			if guild, err := s.State.Guild(guildID); err == nil && guild.Name != "" {
				return guild.Name
			}
		}
		return g.lookupGuildName(guildID)
	}
	return g
}

func (g *Gateway) lookupGuildName(guildID string) string {
	guild, err := g.s.Guild(guildID)
	if err != nil || guild == nil {
		return ""
	}
	return guild.Name
}

func (g *Gateway) nameOf(guildID string) string {
	if g.guildName != nil {
		return g.guildName(guildID)
	}
	return g.lookupGuildName(guildID)
}

// DeliverChallenge posts the image with the default instructions, then the guild's own
// before-template as a second message when one is configured. If only the second post fails,
// the handle of the image message is returned along with the error.
func (g *Gateway) DeliverChallenge(ctx context.Context, channelID string, image []byte, n service.Notice) (*domain.MessageHandle, error) {
	if len(image) == 0 {
		return nil, errors.New("discord: empty challenge image")
	}
	name := g.nameOf(n.GuildID)
	instructions := n
	instructions.Template = ""
	msg, err := g.s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         render(instructions, name),
		Files:           []*discordgo.File{{Name: imageName, ContentType: "image/png", Reader: bytes.NewReader(image)}},
		AllowedMentions: mentionOnly(n.UserID),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord: post challenge: %w", mapError(err))
	}
	handle := &domain.MessageHandle{ChannelID: channelID, MessageID: msg.ID}
	if n.Template == "" {
		return handle, nil
	}
	_, err = g.s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         Expand(n.Template, n, name),
		AllowedMentions: mentionOnly(n.UserID),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return handle, fmt.Errorf("discord: post challenge text: %w", mapError(err))
	}
	return handle, nil
}

// DeliverResult posts the result or incorrect-answer notice.
func (g *Gateway) DeliverResult(ctx context.Context, channelID string, n service.Notice) error {
	_, err := g.s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         render(n, g.nameOf(n.GuildID)),
		AllowedMentions: mentionOnly(n.UserID),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: post %s notice: %w", n.Kind, mapError(err))
	}
	return nil
}

// Delete removes a posted message. A message that is already gone is not an error.
func (g *Gateway) Delete(ctx context.Context, h domain.MessageHandle) error {
	err := g.s.ChannelMessageDelete(h.ChannelID, h.MessageID, discordgo.WithContext(ctx))
	if err == nil || isUnknownMessage(err) {
		return nil
	}
	return fmt.Errorf("discord: delete message: %w", mapError(err))
}

// Expel kicks the member from the guild.
func (g *Gateway) Expel(ctx context.Context, guildID, userID, reason string) error {
	if err := g.s.GuildMemberDeleteWithReason(guildID, userID, reason, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: kick %s: %w", userID, mapError(err))
	}
	log.Printf("discord: kicked %s from %s: %s", userID, guildID, reason)
	return nil
}

// GrantRole adds roleID to the member.
func (g *Gateway) GrantRole(ctx context.Context, guildID, userID, roleID string) error {
	if err := g.s.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: add role %s to %s: %w", roleID, userID, mapError(err))
	}
	return nil
}

func mentionOnly(userID string) *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{Users: []string{userID}}
}
