package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"captcha-gate/internal/audit/domain"
)

// mockAuditRepo implements audit repository interface for tests.
type mockAuditRepo struct {
	mu        sync.Mutex
	entries   []*domain.AuditLog
	createErr error
}

func (m *mockAuditRepo) GetByID(ctx context.Context, id string) (*domain.AuditLog, error) {
	return nil, nil
}

func (m *mockAuditRepo) Create(ctx context.Context, entry *domain.AuditLog) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockAuditRepo) ListByGuild(ctx context.Context, guildID string, limit, offset int32) ([]*domain.AuditLog, error) {
	return nil, nil
}

func TestLogger_LogEvent_Success(t *testing.T) {
	repo := &mockAuditRepo{}
	logger := NewLogger(repo)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	logger.nowF = func() time.Time { return fixed }

	logger.LogEvent(context.Background(), "guild-1", "user-1", ActionMemberVerified, ResourceMember, `{"attempts_used":1}`)

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	entry := repo.entries[0]
	if entry.GuildID != "guild-1" {
		t.Errorf("guild_id = %q, want %q", entry.GuildID, "guild-1")
	}
	if entry.UserID != "user-1" {
		t.Errorf("user_id = %q, want %q", entry.UserID, "user-1")
	}
	if entry.Action != ActionMemberVerified {
		t.Errorf("action = %q, want %q", entry.Action, ActionMemberVerified)
	}
	if entry.Resource != ResourceMember {
		t.Errorf("resource = %q, want %q", entry.Resource, ResourceMember)
	}
	if entry.Metadata != `{"attempts_used":1}` {
		t.Errorf("metadata = %q", entry.Metadata)
	}
	if entry.ID == "" {
		t.Error("entry ID should be set")
	}
	if !entry.CreatedAt.Equal(fixed) {
		t.Errorf("created_at = %v, want %v", entry.CreatedAt, fixed)
	}
}

func TestLogger_LogEvent_SentinelGuildID(t *testing.T) {
	repo := &mockAuditRepo{}
	logger := NewLogger(repo)

	logger.LogEvent(context.Background(), "", "user-1", "action", "resource", "")

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	if repo.entries[0].GuildID != SentinelGuildID {
		t.Errorf("guild_id = %q, want %q", repo.entries[0].GuildID, SentinelGuildID)
	}
}

func TestLogger_LogEvent_RepositoryError(t *testing.T) {
	repo := &mockAuditRepo{createErr: errors.New("database error")}
	logger := NewLogger(repo)

	// best-effort: must not panic
	logger.LogEvent(context.Background(), "guild-1", "user-1", "action", "resource", "")
}

func TestLogger_LogEvent_NilRepo(t *testing.T) {
	logger := NewLogger(nil)
	logger.LogEvent(context.Background(), "guild-1", "user-1", "action", "resource", "")
}
