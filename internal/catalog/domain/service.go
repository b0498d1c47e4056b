package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gymledger/internal/identity"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Offering, error)
	Archive(ctx context.Context, req ArchiveRequest) (*Offering, error)
	Get(ctx context.Context, kind Kind, id snowflake.ID) (*Offering, error)
	List(ctx context.Context, req ListRequest) ([]Offering, error)
}

type CreateRequest struct {
	Actor        identity.Actor `json:"-"`
	Kind         Kind           `json:"-" validate:"oneof=plan pass"`
	Code         string         `json:"code" validate:"omitempty,max=64"`
	Name         string         `json:"name" validate:"required,max=120"`
	DurationDays int            `json:"duration_days" validate:"gt=0,lte=3660"`
	Price        int64          `json:"price" validate:"gte=0"`
}

type ArchiveRequest struct {
	Actor identity.Actor
	Kind  Kind
	ID    snowflake.ID
}

type ListRequest struct {
	Kind            Kind
	IncludeArchived bool
}

var (
	ErrInvalidKind     = errors.New("invalid_kind")
	ErrInvalidCode     = errors.New("invalid_code")
	ErrInvalidName     = errors.New("invalid_name")
	ErrInvalidDuration = errors.New("invalid_duration")
	ErrInvalidPrice    = errors.New("invalid_price")
	ErrDuplicateCode   = errors.New("duplicate_code")
	ErrNotFound        = errors.New("not_found")
)
