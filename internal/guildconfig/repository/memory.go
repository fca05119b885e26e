package repository

import (
	"context"
	"sync"
	"time"

	"captcha-gate/internal/guildconfig/domain"
)

// MemoryRepository is an in-memory Repository, used when DATABASE_URL is unset and in tests.
type MemoryRepository struct {
	mu sync.RWMutex
	m  map[string]domain.GuildCaptchaConfig
}

// NewMemoryRepository returns an empty in-memory guild config repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{m: make(map[string]domain.GuildCaptchaConfig)}
}

func (r *MemoryRepository) GetByGuildID(ctx context.Context, guildID string) (*domain.GuildCaptchaConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.m[guildID]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (r *MemoryRepository) Upsert(ctx context.Context, cfg *domain.GuildCaptchaConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *cfg
	now := time.Now().UTC()
	if existing, ok := r.m[cfg.GuildID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.m[cfg.GuildID] = stored
	return nil
}

func (r *MemoryRepository) SetEnabled(ctx context.Context, guildID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.m[guildID]
	if !ok {
		return ErrNotFound
	}
	cfg.Enabled = enabled
	cfg.UpdatedAt = time.Now().UTC()
	r.m[guildID] = cfg
	return nil
}
