package postgres

import (
	"time"

	"github.com/google/uuid"
)

// AuditEventModel maps to the "execution_audit" table.
// No UpdatedAt or DeletedAt: the audit log is append-only and immutable.
type AuditEventModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExecutionID   string    `gorm:"not null;index"`
	Client        string    `gorm:"not null;index"`
	Gateway       string    `gorm:"not null"`
	Task          string
	CodeSHA256    string `gorm:"column:code_sha256;size:64;not null;index"`
	CodeBytes     int    `gorm:"not null"`
	Preset        string
	Outcome       string `gorm:"not null;index"`
	ViolationType string
	DurationMs    int64  `gorm:"not null"`
	Error         string `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "execution_audit" }

// EpisodeModel maps to the "episodes" table. Tags hold a JSON array.
type EpisodeModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Task      string    `gorm:"not null;index"`
	Content   string    `gorm:"type:text;not null"`
	Outcome   string
	Tags      string    `gorm:"type:text;not null;default:'[]'"`
	CreatedAt time.Time `gorm:"index"`
}

func (EpisodeModel) TableName() string { return "episodes" }

// Models lists every table in migration order.
func Models() []any {
	return []any{&AuditEventModel{}, &EpisodeModel{}}
}
