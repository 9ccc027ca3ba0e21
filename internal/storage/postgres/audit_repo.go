package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/memsandbox/internal/security"
)

const defaultAuditQueryLimit = 100

// AuditRepository implements security.AuditStore with GORM.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit event.
func (r *AuditRepository) Append(ctx context.Context, event security.AuditEvent) error {
	model := toAuditModel(event)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Query returns audit events newest first, optionally for one client.
// Limit defaults to 100.
func (r *AuditRepository) Query(ctx context.Context, client string, limit int) ([]security.AuditEvent, error) {
	if limit <= 0 {
		limit = defaultAuditQueryLimit
	}

	q := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit)
	if client != "" {
		q = q.Where("client = ?", client)
	}

	var models []AuditEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]security.AuditEvent, len(models))
	for i := range models {
		events[i] = toAuditDomain(&models[i])
	}
	return events, nil
}

func toAuditModel(ev security.AuditEvent) AuditEventModel {
	return AuditEventModel{
		ID:            uuid.New(),
		ExecutionID:   ev.ExecutionID,
		Client:        ev.Client,
		Gateway:       ev.Gateway,
		Task:          ev.Task,
		CodeSHA256:    ev.CodeSHA256,
		CodeBytes:     ev.CodeBytes,
		Preset:        ev.Preset,
		Outcome:       ev.Outcome,
		ViolationType: ev.ViolationType,
		DurationMs:    ev.DurationMs,
		Error:         ev.Error,
		CreatedAt:     ev.Timestamp,
	}
}

func toAuditDomain(m *AuditEventModel) security.AuditEvent {
	return security.AuditEvent{
		Timestamp:     m.CreatedAt,
		ExecutionID:   m.ExecutionID,
		Client:        m.Client,
		Gateway:       m.Gateway,
		Task:          m.Task,
		CodeSHA256:    m.CodeSHA256,
		CodeBytes:     m.CodeBytes,
		Preset:        m.Preset,
		Outcome:       m.Outcome,
		ViolationType: m.ViolationType,
		DurationMs:    m.DurationMs,
		Error:         m.Error,
	}
}

var _ security.AuditStore = (*AuditRepository)(nil)
