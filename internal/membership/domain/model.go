package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Open reports whether the status counts toward the one-open-membership
// rule.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusActive
}

func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusCancelled
}

// CanTransitionTo encodes the lifecycle:
//
//	pending -> active | cancelled
//	active  -> expired | cancelled
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusCancelled
	case StatusActive:
		return next == StatusExpired || next == StatusCancelled
	default:
		return false
	}
}

type UserMembership struct {
	ID                 snowflake.ID  `json:"id" gorm:"primaryKey"`
	MemberID           snowflake.ID  `json:"member_id" gorm:"not null"`
	PlanID             snowflake.ID  `json:"plan_id" gorm:"not null"`
	DurationDays       int           `json:"duration_days" gorm:"not null"`
	StartDate          time.Time     `json:"start_date" gorm:"not null"`
	EndDate            time.Time     `json:"end_date" gorm:"not null"`
	Status             Status        `json:"status" gorm:"type:text;not null"`
	ActivatedAt        *time.Time    `json:"activated_at,omitempty"`
	ExpiredAt          *time.Time    `json:"expired_at,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
	CancelledBy        *snowflake.ID `json:"cancelled_by,omitempty"`
	CancellationReason *string       `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time     `json:"updated_at" gorm:"not null"`
}

func (UserMembership) TableName() string { return "user_memberships" }

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NewPending builds a pending membership whose term starts on the day of
// start and runs for durationDays.
func NewPending(id, memberID, planID snowflake.ID, durationDays int, start, now time.Time) *UserMembership {
	startDay := Day(start)
	return &UserMembership{
		ID:           id,
		MemberID:     memberID,
		PlanID:       planID,
		DurationDays: durationDays,
		StartDate:    startDay,
		EndDate:      startDay.AddDate(0, 0, durationDays),
		Status:       StatusPending,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
}

// Activate moves a pending membership to active. A start date that passed
// while the payment awaited approval moves to the activation day, and the
// end date is derived from it once.
func (m *UserMembership) Activate(now time.Time) error {
	if !m.Status.CanTransitionTo(StatusActive) {
		return ErrInvalidTransition
	}
	now = now.UTC()
	if today := Day(now); m.StartDate.Before(today) {
		m.StartDate = today
	}
	m.EndDate = m.StartDate.AddDate(0, 0, m.DurationDays)
	m.Status = StatusActive
	m.ActivatedAt = &now
	m.UpdatedAt = now
	return nil
}

func (m *UserMembership) Cancel(by *snowflake.ID, reason string, now time.Time) error {
	if !m.Status.CanTransitionTo(StatusCancelled) {
		return ErrInvalidTransition
	}
	now = now.UTC()
	m.Status = StatusCancelled
	m.CancelledAt = &now
	m.CancelledBy = by
	if reason != "" {
		m.CancellationReason = &reason
	}
	m.UpdatedAt = now
	return nil
}

// Expire retires an active membership whose end date has passed.
func (m *UserMembership) Expire(now time.Time) error {
	now = now.UTC()
	if !m.Status.CanTransitionTo(StatusExpired) || !m.EndDate.Before(now) {
		return ErrInvalidTransition
	}
	m.Status = StatusExpired
	m.ExpiredAt = &now
	m.UpdatedAt = now
	return nil
}

// DaysRemaining counts calendar days until the end date, never negative.
func (m *UserMembership) DaysRemaining(now time.Time) int {
	days := int(Day(m.EndDate).Sub(Day(now)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
