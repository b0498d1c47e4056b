package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, m *UserMembership) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*UserMembership, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*UserMembership, error)
	// UpdateTransition persists m only if the stored status still equals
	// from, returning the number of rows written.
	UpdateTransition(ctx context.Context, db *gorm.DB, m *UserMembership, from Status) (int64, error)
	HasOpen(ctx context.Context, db *gorm.DB, memberID snowflake.ID, excludeID snowflake.ID) (bool, error)
	HasActive(ctx context.Context, db *gorm.DB, memberID snowflake.ID, now time.Time) (bool, error)
	ListByMember(ctx context.Context, db *gorm.DB, memberID snowflake.ID) ([]UserMembership, error)
	ListActiveEndingBetween(ctx context.Context, db *gorm.DB, from, to time.Time) ([]UserMembership, error)
	CountActiveEndingBetween(ctx context.Context, db *gorm.DB, from, to time.Time) (int64, error)
	CountActive(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
	ClaimExpired(ctx context.Context, db *gorm.DB, now time.Time, afterID snowflake.ID, limit int) ([]snowflake.ID, error)
}
