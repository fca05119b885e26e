package repository

import (
	"context"
	"database/sql"
	"errors"

	"captcha-gate/internal/policy/domain"
)

const (
	policyColumns = `id, guild_id, rules, enabled, created_at`

	selectPolicy        = `SELECT ` + policyColumns + ` FROM guild_policies WHERE id = $1`
	listPoliciesByGuild = `SELECT ` + policyColumns + ` FROM guild_policies WHERE guild_id = $1 ORDER BY created_at`
	listEnabledByGuild  = `SELECT ` + policyColumns + ` FROM guild_policies WHERE guild_id = $1 AND enabled ORDER BY created_at`
	insertPolicy        = `INSERT INTO guild_policies (` + policyColumns + `) VALUES ($1, $2, $3, $4, $5)`
	updatePolicy        = `UPDATE guild_policies SET rules = $2, enabled = $3 WHERE id = $1`
	deletePolicy        = `DELETE FROM guild_policies WHERE id = $1`
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a policy repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the policy for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Policy, error) {
	var p domain.Policy
	err := r.db.QueryRowContext(ctx, selectPolicy, id).Scan(&p.ID, &p.GuildID, &p.Rules, &p.Enabled, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// ListByGuild returns all policies for the guild.
func (r *PostgresRepository) ListByGuild(ctx context.Context, guildID string) ([]*domain.Policy, error) {
	return r.list(ctx, listPoliciesByGuild, guildID)
}

// GetEnabledPoliciesByGuild returns the enabled policies for the guild.
func (r *PostgresRepository) GetEnabledPoliciesByGuild(ctx context.Context, guildID string) ([]*domain.Policy, error) {
	return r.list(ctx, listEnabledByGuild, guildID)
}

func (r *PostgresRepository) list(ctx context.Context, query, guildID string) ([]*domain.Policy, error) {
	rows, err := r.db.QueryContext(ctx, query, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Policy
	for rows.Next() {
		var p domain.Policy
		if err := rows.Scan(&p.ID, &p.GuildID, &p.Rules, &p.Enabled, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Create(ctx context.Context, p *domain.Policy) error {
	_, err := r.db.ExecContext(ctx, insertPolicy, p.ID, p.GuildID, p.Rules, p.Enabled, p.CreatedAt)
	return err
}

func (r *PostgresRepository) Update(ctx context.Context, p *domain.Policy) error {
	_, err := r.db.ExecContext(ctx, updatePolicy, p.ID, p.Rules, p.Enabled)
	return err
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, deletePolicy, id)
	return err
}
