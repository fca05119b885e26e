package domain

import (
	"encoding/json"
	"time"
)

// Event types emitted over the challenge lifecycle.
const (
	EventChallengeIssued   = "challenge_issued"
	EventChallengeResolved = "challenge_resolved"
	EventAttemptEvaluated  = "attempt_evaluated"
	EventModerationFailed  = "moderation_failed"
	EventDeliveryFailed    = "delivery_failed"
	EventGRPCRequest       = "grpc_request"
)

// Sources recorded on events.
const (
	SourceBot  = "captcha-bot"
	SourceGRPC = "grpc_interceptor"
)

// Event is one lifecycle event, guild-scoped with optional member and challenge.
// The JSON form is the Kafka message value consumed by the worker.
type Event struct {
	ID          int64           `json:"id,omitempty"`
	GuildID     string          `json:"guildId"`
	UserID      string          `json:"userId,omitempty"`
	ChallengeID string          `json:"challengeId,omitempty"`
	EventType   string          `json:"eventType"`
	Source      string          `json:"source"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// NewEvent returns an event stamped with the current UTC time. metadata is JSON-encoded;
// a nil map leaves Metadata empty.
func NewEvent(eventType, guildID, userID, challengeID string, metadata map[string]any) *Event {
	e := &Event{
		GuildID:     guildID,
		UserID:      userID,
		ChallengeID: challengeID,
		EventType:   eventType,
		Source:      SourceBot,
		CreatedAt:   time.Now().UTC(),
	}
	if len(metadata) > 0 {
		if b, err := json.Marshal(metadata); err == nil {
			e.Metadata = b
		}
	}
	return e
}
