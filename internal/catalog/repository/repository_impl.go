package repository

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gymledger/internal/catalog/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, item *domain.Offering) error {
	return db.WithContext(ctx).Exec(
		fmt.Sprintf(`INSERT INTO %s (id, code, name, duration_days, price, is_active, is_archived, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, item.Kind.Table()),
		item.ID,
		item.Code,
		item.Name,
		item.DurationDays,
		item.Price,
		item.IsActive,
		item.IsArchived,
		item.CreatedAt,
		item.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, kind domain.Kind, id snowflake.ID) (*domain.Offering, error) {
	var item domain.Offering
	err := db.WithContext(ctx).Raw(
		fmt.Sprintf(`SELECT id, code, name, duration_days, price, is_active, is_archived, created_at, updated_at
		 FROM %s WHERE id = ?`, kind.Table()),
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	item.Kind = kind
	return &item, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, kind domain.Kind, includeArchived bool) ([]domain.Offering, error) {
	stmt := db.WithContext(ctx).Table(kind.Table())
	if !includeArchived {
		stmt = stmt.Where("is_archived = ?", false)
	}

	var items []domain.Offering
	if err := stmt.Order("price ASC").Order("id ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Kind = kind
	}
	return items, nil
}

func (r *repo) MarkArchived(ctx context.Context, db *gorm.DB, item *domain.Offering) error {
	if item == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE %s SET is_archived = ?, updated_at = ? WHERE id = ?`, item.Kind.Table()),
		true,
		item.UpdatedAt,
		item.ID,
	).Error
}
