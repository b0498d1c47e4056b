package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/gymledger/internal/identity"
)

var ErrInvalidRange = errors.New("invalid_range")

// DailyAnalyticsRow is the recomputed summary of one UTC calendar day.
// active_memberships and pending_payments are end-of-day snapshots.
type DailyAnalyticsRow struct {
	Date                 time.Time `json:"date" gorm:"column:rollup_date;primaryKey;type:date"`
	NewMemberships       int64     `json:"new_memberships"`
	ActivatedMemberships int64     `json:"activated_memberships"`
	ExpiredMemberships   int64     `json:"expired_memberships"`
	CancelledMemberships int64     `json:"cancelled_memberships"`
	ActiveMemberships    int64     `json:"active_memberships"`
	ConfirmedPayments    int64     `json:"confirmed_payments"`
	RejectedPayments     int64     `json:"rejected_payments"`
	PendingPayments      int64     `json:"pending_payments"`
	MembershipRevenue    int64     `json:"membership_revenue"`
	WalkInSales          int64     `json:"walk_in_sales"`
	WalkInRevenue        int64     `json:"walk_in_revenue"`
	TotalRevenue         int64     `json:"total_revenue"`
	CashRevenue          int64     `json:"cash_revenue"`
	GCashRevenue         int64     `json:"gcash_revenue" gorm:"column:gcash_revenue"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (DailyAnalyticsRow) TableName() string { return "daily_analytics" }

// Summary is the live view read by dashboards and the assistant.
type Summary struct {
	AsOf              time.Time `json:"as_of"`
	ActiveMemberships int64     `json:"active_memberships"`
	PendingPayments   int64     `json:"pending_payments"`
	ExpiringSoon      int64     `json:"expiring_soon"`
	ExpiringWithin    int       `json:"expiring_within_days"`
}

type Service interface {
	// Rollup recomputes and overwrites the row for the UTC day of date.
	Rollup(ctx context.Context, actor identity.Actor, date time.Time) (*DailyAnalyticsRow, error)
	History(ctx context.Context, actor identity.Actor, from, to time.Time) ([]DailyAnalyticsRow, error)
	Summary(ctx context.Context, actor identity.Actor) (*Summary, error)
}
