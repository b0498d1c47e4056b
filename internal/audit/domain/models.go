package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gymledger/pkg/db/pagination"
	"gorm.io/datatypes"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

type Action string

const (
	ActionMembershipOpened    Action = "membership.opened"
	ActionMembershipActivated Action = "membership.activated"
	ActionMembershipCancelled Action = "membership.cancelled"
	ActionMembershipExpired   Action = "membership.expired"

	ActionPaymentInitiated Action = "payment.initiated"
	ActionPaymentConfirmed Action = "payment.confirmed"
	ActionPaymentRejected  Action = "payment.rejected"

	ActionWalkInRecorded Action = "walkin.recorded"

	ActionReferenceExhausted Action = "reference.exhausted"

	ActionCatalogCreated  Action = "catalog.created"
	ActionCatalogArchived Action = "catalog.archived"
)

// AuditLog is one append-only row of audit_logs.
type AuditLog struct {
	ID           snowflake.ID      `json:"id" gorm:"primaryKey"`
	ActorID      *snowflake.ID     `json:"actor_id,omitempty"`
	ActorRole    *string           `json:"actor_role,omitempty"`
	Action       string            `json:"action" gorm:"type:text;not null"`
	Severity     Severity          `json:"severity" gorm:"type:text;not null"`
	Description  string            `json:"description" gorm:"type:text;not null"`
	SubjectModel *string           `json:"subject_model,omitempty" gorm:"type:text"`
	SubjectID    *snowflake.ID     `json:"subject_id,omitempty"`
	Data         datatypes.JSONMap `json:"data,omitempty" gorm:"type:jsonb"`
	CreatedAt    time.Time         `json:"created_at" gorm:"not null"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type ListFilter struct {
	Action       string
	ActorID      *snowflake.ID
	SubjectModel string
	SubjectID    *snowflake.ID
	StartAt      *time.Time
	EndAt        *time.Time
	Cursor       *pagination.Cursor
	Limit        int
}
