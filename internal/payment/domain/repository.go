package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, p *Payment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindByReference(ctx context.Context, db *gorm.DB, referenceNo string) (*Payment, error)
	// Decide writes a confirmation or rejection only while the stored row is
	// still pending and returns the number of rows written.
	Decide(ctx context.Context, db *gorm.DB, p *Payment) (int64, error)
	ListPending(ctx context.Context, db *gorm.DB) ([]Payment, error)

	InsertWalkIn(ctx context.Context, db *gorm.DB, w *WalkInPayment) error
	FindWalkIn(ctx context.Context, db *gorm.DB, id snowflake.ID) (*WalkInPayment, error)
}
