package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"captcha-gate/internal/telemetry/domain"
)

const (
	insertTelemetry = `INSERT INTO telemetry_events (guild_id, user_id, challenge_id, event_type, source, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`

	listTelemetryByGuild = `SELECT id, guild_id, user_id, challenge_id, event_type, source, metadata, created_at
FROM telemetry_events WHERE guild_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a telemetry repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Save persists the event. It sets e.ID on success.
func (r *PostgresRepository) Save(ctx context.Context, e *domain.Event) error {
	return r.db.QueryRowContext(ctx, insertTelemetry,
		e.GuildID, nullString(e.UserID), nullString(e.ChallengeID), e.EventType, e.Source,
		telemetryMetadata(e.Metadata), e.CreatedAt,
	).Scan(&e.ID)
}

// ListByGuild returns events for the guild, newest first.
func (r *PostgresRepository) ListByGuild(ctx context.Context, guildID string, limit, offset int32) ([]*domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, listTelemetryByGuild, guildID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Event
	for rows.Next() {
		var (
			e           domain.Event
			userID      sql.NullString
			challengeID sql.NullString
			meta        []byte
		)
		if err := rows.Scan(&e.ID, &e.GuildID, &userID, &challengeID, &e.EventType, &e.Source, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.UserID = userID.String
		e.ChallengeID = challengeID.String
		if len(meta) > 0 {
			e.Metadata = json.RawMessage(meta)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// telemetryMetadata returns metadata for the JSONB column; invalid or empty JSON is stored as NULL.
func telemetryMetadata(m json.RawMessage) any {
	if len(m) == 0 || !json.Valid(m) {
		return nil
	}
	return []byte(m)
}
