package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gymledger/internal/membership/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const membershipColumns = `id, member_id, plan_id, duration_days, start_date, end_date, status,
	activated_at, expired_at, cancelled_at, cancelled_by, cancellation_reason, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, m *domain.UserMembership) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO user_memberships (id, member_id, plan_id, duration_days, start_date, end_date, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.MemberID,
		m.PlanID,
		m.DurationDays,
		m.StartDate,
		m.EndDate,
		m.Status,
		m.CreatedAt,
		m.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.UserMembership, error) {
	return r.find(ctx, db, id, false)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.UserMembership, error) {
	return r.find(ctx, db, id, true)
}

func (r *repo) find(ctx context.Context, db *gorm.DB, id snowflake.ID, lock bool) (*domain.UserMembership, error) {
	var m domain.UserMembership
	stmt := db.WithContext(ctx).Model(&domain.UserMembership{}).Where("id = ?", id)
	if lock {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := stmt.Limit(1).Find(&m).Error; err != nil {
		return nil, err
	}
	if m.ID == 0 {
		return nil, nil
	}
	return &m, nil
}

func (r *repo) UpdateTransition(ctx context.Context, db *gorm.DB, m *domain.UserMembership, from domain.Status) (int64, error) {
	if m == nil {
		return 0, gorm.ErrInvalidData
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE user_memberships
		 SET status = ?, start_date = ?, end_date = ?, activated_at = ?, expired_at = ?,
		     cancelled_at = ?, cancelled_by = ?, cancellation_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		m.Status,
		m.StartDate,
		m.EndDate,
		m.ActivatedAt,
		m.ExpiredAt,
		m.CancelledAt,
		m.CancelledBy,
		m.CancellationReason,
		m.UpdatedAt,
		m.ID,
		from,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) HasOpen(ctx context.Context, db *gorm.DB, memberID snowflake.ID, excludeID snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM user_memberships
		 WHERE member_id = ? AND status IN ('pending', 'active') AND id <> ?`,
		memberID,
		excludeID,
	).Scan(&count).Error
	return count > 0, err
}

func (r *repo) HasActive(ctx context.Context, db *gorm.DB, memberID snowflake.ID, now time.Time) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM user_memberships
		 WHERE member_id = ? AND status = 'active' AND end_date >= ?`,
		memberID,
		now.UTC(),
	).Scan(&count).Error
	return count > 0, err
}

func (r *repo) ListByMember(ctx context.Context, db *gorm.DB, memberID snowflake.ID) ([]domain.UserMembership, error) {
	var items []domain.UserMembership
	err := db.WithContext(ctx).
		Model(&domain.UserMembership{}).
		Select(membershipColumns).
		Where("member_id = ?", memberID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&items).Error
	return items, err
}

func (r *repo) ListActiveEndingBetween(ctx context.Context, db *gorm.DB, from, to time.Time) ([]domain.UserMembership, error) {
	var items []domain.UserMembership
	err := db.WithContext(ctx).
		Model(&domain.UserMembership{}).
		Select(membershipColumns).
		Where("status = ?", domain.StatusActive).
		Where("end_date >= ? AND end_date <= ?", from.UTC(), to.UTC()).
		Order("end_date ASC").
		Order("id ASC").
		Find(&items).Error
	return items, err
}

func (r *repo) CountActiveEndingBetween(ctx context.Context, db *gorm.DB, from, to time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.UserMembership{}).
		Where("status = ?", domain.StatusActive).
		Where("end_date >= ? AND end_date <= ?", from.UTC(), to.UTC()).
		Count(&count).Error
	return count, err
}

func (r *repo) CountActive(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.UserMembership{}).
		Where("status = ? AND end_date >= ?", domain.StatusActive, now.UTC()).
		Count(&count).Error
	return count, err
}

// ClaimExpired pages ids of overdue active memberships, skipping rows that
// another transaction holds.
func (r *repo) ClaimExpired(ctx context.Context, db *gorm.DB, now time.Time, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).
		Model(&domain.UserMembership{}).
		Where("status = ? AND end_date < ? AND id > ?", domain.StatusActive, now.UTC(), afterID).
		Order("id ASC").
		Limit(limit).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Pluck("id", &ids).Error
	return ids, err
}
