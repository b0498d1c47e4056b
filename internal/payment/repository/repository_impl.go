package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gymledger/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, p *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payments (id, member_id, membership_id, amount, method, reference_no, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.MemberID,
		p.MembershipID,
		p.Amount,
		p.Method,
		p.ReferenceNo,
		p.Status,
		p.CreatedAt,
		p.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	return r.findOne(db.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	return r.findOne(db.WithContext(ctx).Where("id = ?", id).Clauses(clause.Locking{Strength: "UPDATE"}))
}

func (r *repo) FindByReference(ctx context.Context, db *gorm.DB, referenceNo string) (*domain.Payment, error) {
	return r.findOne(db.WithContext(ctx).Where("reference_no = ?", referenceNo))
}

func (r *repo) findOne(stmt *gorm.DB) (*domain.Payment, error) {
	var p domain.Payment
	if err := stmt.Model(&domain.Payment{}).Limit(1).Find(&p).Error; err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) Decide(ctx context.Context, db *gorm.DB, p *domain.Payment) (int64, error) {
	if p == nil {
		return 0, gorm.ErrInvalidData
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, approved_by = ?, approved_at = ?, rejection_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		p.Status,
		p.ApprovedBy,
		p.ApprovedAt,
		p.RejectionReason,
		p.UpdatedAt,
		p.ID,
		domain.StatusPending,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ListPending(ctx context.Context, db *gorm.DB) ([]domain.Payment, error) {
	var items []domain.Payment
	err := db.WithContext(ctx).
		Model(&domain.Payment{}).
		Where("status = ?", domain.StatusPending).
		Order("created_at DESC").
		Order("id DESC").
		Find(&items).Error
	return items, err
}

func (r *repo) InsertWalkIn(ctx context.Context, db *gorm.DB, w *domain.WalkInPayment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO walk_in_payments (id, pass_id, customer_name, mobile_no, amount, method, reference_no, processed_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID,
		w.PassID,
		w.CustomerName,
		w.MobileNo,
		w.Amount,
		w.Method,
		w.ReferenceNo,
		w.ProcessedBy,
		w.CreatedAt,
	).Error
}

func (r *repo) FindWalkIn(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.WalkInPayment, error) {
	var w domain.WalkInPayment
	if err := db.WithContext(ctx).Model(&domain.WalkInPayment{}).Where("id = ?", id).Limit(1).Find(&w).Error; err != nil {
		return nil, err
	}
	if w.ID == 0 {
		return nil, nil
	}
	return &w, nil
}
