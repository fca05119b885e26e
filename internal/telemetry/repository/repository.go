package repository

import (
	"context"

	"captcha-gate/internal/telemetry/domain"
)

// Repository defines persistence for telemetry events.
type Repository interface {
	Save(ctx context.Context, e *domain.Event) error
	ListByGuild(ctx context.Context, guildID string, limit, offset int32) ([]*domain.Event, error)
}
