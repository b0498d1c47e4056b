package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

type Method string

const (
	MethodCash  Method = "cash"
	MethodGCash Method = "gcash"
)

func ParseMethod(raw string) (Method, bool) {
	switch Method(strings.ToLower(strings.TrimSpace(raw))) {
	case MethodCash:
		return MethodCash, true
	case MethodGCash:
		return MethodGCash, true
	default:
		return "", false
	}
}

// Payment settles one membership purchase. It is decided exactly once.
type Payment struct {
	ID              snowflake.ID  `json:"id" gorm:"primaryKey"`
	MemberID        snowflake.ID  `json:"member_id" gorm:"not null"`
	MembershipID    snowflake.ID  `json:"membership_id" gorm:"not null"`
	Amount          int64         `json:"amount" gorm:"not null"`
	Method          Method        `json:"method" gorm:"type:text;not null"`
	ReferenceNo     string        `json:"reference_no" gorm:"type:text;not null"`
	Status          Status        `json:"status" gorm:"type:text;not null"`
	ApprovedBy      *snowflake.ID `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time    `json:"approved_at,omitempty"`
	RejectionReason *string       `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time     `json:"updated_at" gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

func (p *Payment) Confirm(by *snowflake.ID, now time.Time) error {
	if p.Status != StatusPending {
		return ErrAlreadyProcessed
	}
	now = now.UTC()
	p.Status = StatusConfirmed
	p.ApprovedBy = by
	p.ApprovedAt = &now
	p.UpdatedAt = now
	return nil
}

func (p *Payment) Reject(by *snowflake.ID, reason string, now time.Time) error {
	if p.Status != StatusPending {
		return ErrAlreadyProcessed
	}
	now = now.UTC()
	p.Status = StatusRejected
	p.ApprovedBy = by
	p.ApprovedAt = &now
	if reason != "" {
		p.RejectionReason = &reason
	}
	p.UpdatedAt = now
	return nil
}

// WalkInPayment is a final, one-off sale of a flexible access pass.
type WalkInPayment struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	PassID       snowflake.ID `json:"pass_id" gorm:"not null"`
	CustomerName string       `json:"customer_name" gorm:"type:text;not null"`
	MobileNo     *string      `json:"mobile_no,omitempty" gorm:"type:text"`
	Amount       int64        `json:"amount" gorm:"not null"`
	Method       Method       `json:"method" gorm:"type:text;not null"`
	ReferenceNo  string       `json:"reference_no" gorm:"type:text;not null"`
	ProcessedBy  snowflake.ID `json:"processed_by" gorm:"not null"`
	CreatedAt    time.Time    `json:"created_at" gorm:"not null"`
}

func (WalkInPayment) TableName() string { return "walk_in_payments" }

// PendingPayment is a payment awaiting a staff decision.
type PendingPayment struct {
	Payment
	DaysPending int `json:"days_pending"`
}
