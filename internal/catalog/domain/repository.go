package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, item *Offering) error
	FindByID(ctx context.Context, db *gorm.DB, kind Kind, id snowflake.ID) (*Offering, error)
	List(ctx context.Context, db *gorm.DB, kind Kind, includeArchived bool) ([]Offering, error)
	MarkArchived(ctx context.Context, db *gorm.DB, item *Offering) error
}
