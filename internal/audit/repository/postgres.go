package repository

import (
	"context"
	"database/sql"
	"errors"

	"captcha-gate/internal/audit/domain"
)

const (
	auditColumns = `id, guild_id, user_id, action, resource, metadata, created_at`

	selectAuditLog = `SELECT ` + auditColumns + ` FROM audit_logs WHERE id = $1`

	listAuditLogsByGuild = `SELECT ` + auditColumns + ` FROM audit_logs
WHERE guild_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	insertAuditLog = `INSERT INTO audit_logs (` + auditColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit log repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// GetByID returns the audit log for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.AuditLog, error) {
	a, err := scanAuditLog(r.db.QueryRowContext(ctx, selectAuditLog, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

// ListByGuild returns audit logs for the given guild, newest first, paginated by limit and offset.
func (r *PostgresRepository) ListByGuild(ctx context.Context, guildID string, limit, offset int32) ([]*domain.AuditLog, error) {
	rows, err := r.db.QueryContext(ctx, listAuditLogsByGuild, guildID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.AuditLog
	for rows.Next() {
		a, err := scanAuditLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Create persists the audit log. The audit log must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	uid := sql.NullString{String: a.UserID, Valid: a.UserID != ""}
	meta := sql.NullString{String: a.Metadata, Valid: a.Metadata != ""}
	_, err := r.db.ExecContext(ctx, insertAuditLog, a.ID, a.GuildID, uid, a.Action, a.Resource, meta, a.CreatedAt)
	return err
}

func scanAuditLog(s rowScanner) (*domain.AuditLog, error) {
	var (
		a    domain.AuditLog
		uid  sql.NullString
		meta sql.NullString
	)
	if err := s.Scan(&a.ID, &a.GuildID, &uid, &a.Action, &a.Resource, &meta, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.UserID = uid.String
	a.Metadata = meta.String
	return &a, nil
}
