package repository

import (
	"context"

	"captcha-gate/internal/policy/domain"
)

// Repository defines persistence for guild policies.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Policy, error)
	ListByGuild(ctx context.Context, guildID string) ([]*domain.Policy, error)
	GetEnabledPoliciesByGuild(ctx context.Context, guildID string) ([]*domain.Policy, error)
	Create(ctx context.Context, p *domain.Policy) error
	Update(ctx context.Context, p *domain.Policy) error
	Delete(ctx context.Context, id string) error
}
