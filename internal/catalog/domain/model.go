package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Kind distinguishes recurring membership plans from one-off walk-in passes.
type Kind string

const (
	KindPlan Kind = "plan"
	KindPass Kind = "pass"
)

func (k Kind) Valid() bool {
	return k == KindPlan || k == KindPass
}

func (k Kind) Table() string {
	if k == KindPass {
		return "flexible_access_passes"
	}
	return "membership_plans"
}

// SubjectModel is the audit subject name for the kind.
func (k Kind) SubjectModel() string {
	if k == KindPass {
		return "flexible_access_pass"
	}
	return "membership_plan"
}

// Offering is a sellable catalog item. Plans back UserMembership records,
// passes back WalkInPayment records.
type Offering struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	Kind         Kind         `json:"kind" gorm:"-"`
	Code         string       `json:"code" gorm:"type:text;not null"`
	Name         string       `json:"name" gorm:"type:text;not null"`
	DurationDays int          `json:"duration_days" gorm:"not null"`
	Price        int64        `json:"price" gorm:"not null"`
	IsActive     bool         `json:"is_active" gorm:"not null;default:true"`
	IsArchived   bool         `json:"is_archived" gorm:"not null;default:false"`
	CreatedAt    time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt    time.Time    `json:"updated_at" gorm:"not null"`
}

// Available reports whether new purchases may reference the offering.
func (o *Offering) Available() bool {
	return o != nil && o.IsActive && !o.IsArchived
}
