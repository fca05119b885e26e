package domain

import "time"

// Member is a guild member as seen by the challenge flow.
type Member struct {
	GuildID  string
	UserID   string
	Username string
	Bot      bool
	// JoinedAt is when the member joined the guild; zero if unknown.
	JoinedAt time.Time
}

// Key returns the entity key of the member.
func (m Member) Key() Key {
	return Key{CommunityID: m.GuildID, EntityID: m.UserID}
}
