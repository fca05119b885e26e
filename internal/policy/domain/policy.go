package domain

import "time"

// Policy is a guild-level Rego module that can override the default eligibility rules.
type Policy struct {
	ID        string
	GuildID   string
	Rules     string
	Enabled   bool
	CreatedAt time.Time
}
