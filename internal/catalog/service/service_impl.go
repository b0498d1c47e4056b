package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"
	auditdomain "github.com/smallbiznis/gymledger/internal/audit/domain"
	"github.com/smallbiznis/gymledger/internal/authorization"
	"github.com/smallbiznis/gymledger/internal/catalog/domain"
	"github.com/smallbiznis/gymledger/internal/clock"
	"github.com/smallbiznis/gymledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Tx    *db.Transactor
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
	Audit auditdomain.Service
	Authz authorization.Service
}

type Service struct {
	tx       *db.Transactor
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	audit    auditdomain.Service
	authz    authorization.Service
	validate *validator.Validate
}

func New(p Params) domain.Service {
	return &Service{
		tx:       p.Tx,
		log:      p.Log.Named("catalog.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		audit:    p.Audit,
		authz:    p.Authz,
		validate: validator.New(),
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Offering, error) {
	if !req.Kind.Valid() {
		return nil, domain.ErrInvalidKind
	}
	if err := s.authz.Authorize(ctx, req.Actor, authorization.ObjectCatalog, authorization.ActionCatalogManage); err != nil {
		return nil, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Code = strings.TrimSpace(req.Code)
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	code := slug.Make(req.Code)
	if code == "" {
		code = slug.Make(req.Name)
	}
	if code == "" {
		return nil, domain.ErrInvalidCode
	}

	now := s.clock.Now()
	item := &domain.Offering{
		ID:           s.genID.Generate(),
		Kind:         req.Kind,
		Code:         code,
		Name:         req.Name,
		DurationDays: req.DurationDays,
		Price:        req.Price,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var degraded auditdomain.Degraded
	err := s.tx.Run(ctx, "catalog.create", func(tx *gorm.DB) error {
		degraded.Reset()
		if err := s.repo.Create(ctx, tx, item); err != nil {
			if db.IsUniqueViolation(err, "ux_"+req.Kind.Table()+"_code", req.Kind.Table()+".code") {
				return domain.ErrDuplicateCode
			}
			return err
		}
		return degraded.Capture(s.audit.Record(ctx, tx, auditdomain.Entry{
			Actor:        req.Actor,
			SubjectModel: req.Kind.SubjectModel(),
			SubjectID:    item.ID,
			Payload: auditdomain.CatalogChange{
				Kind: string(item.Kind),
				ID:   item.ID.String(),
				Code: item.Code,
			},
		}))
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("catalog.created",
		zap.String("kind", string(item.Kind)),
		zap.String("id", item.ID.String()),
		zap.String("code", item.Code),
	)
	return item, s.audit.Settle(ctx, &degraded)
}

// Archive retires an offering from sale. Memberships already opened against
// it are left untouched; archiving twice is a no-op.
func (s *Service) Archive(ctx context.Context, req domain.ArchiveRequest) (*domain.Offering, error) {
	if !req.Kind.Valid() {
		return nil, domain.ErrInvalidKind
	}
	if err := s.authz.Authorize(ctx, req.Actor, authorization.ObjectCatalog, authorization.ActionCatalogManage); err != nil {
		return nil, err
	}

	var (
		item     *domain.Offering
		changed  bool
		degraded auditdomain.Degraded
	)
	err := s.tx.Run(ctx, "catalog.archive", func(tx *gorm.DB) error {
		degraded.Reset()
		changed = false

		var err error
		item, err = s.repo.FindByID(ctx, tx, req.Kind, req.ID)
		if err != nil {
			return err
		}
		if item == nil {
			return domain.ErrNotFound
		}
		if item.IsArchived {
			return nil
		}

		item.IsArchived = true
		item.UpdatedAt = s.clock.Now()
		if err := s.repo.MarkArchived(ctx, tx, item); err != nil {
			return err
		}
		changed = true
		return degraded.Capture(s.audit.Record(ctx, tx, auditdomain.Entry{
			Actor:        req.Actor,
			SubjectModel: req.Kind.SubjectModel(),
			SubjectID:    item.ID,
			Payload: auditdomain.CatalogChange{
				Kind:     string(item.Kind),
				ID:       item.ID.String(),
				Code:     item.Code,
				Archived: true,
			},
		}))
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.log.Info("catalog.archived",
			zap.String("kind", string(item.Kind)),
			zap.String("id", item.ID.String()),
		)
	}
	return item, s.audit.Settle(ctx, &degraded)
}

func (s *Service) Get(ctx context.Context, kind domain.Kind, id snowflake.ID) (*domain.Offering, error) {
	if !kind.Valid() {
		return nil, domain.ErrInvalidKind
	}
	item, err := s.repo.FindByID(ctx, s.tx.DB(), kind, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}
	return item, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) ([]domain.Offering, error) {
	if !req.Kind.Valid() {
		return nil, domain.ErrInvalidKind
	}
	return s.repo.List(ctx, s.tx.DB(), req.Kind, req.IncludeArchived)
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	switch fieldErrs[0].Field() {
	case "Kind":
		return domain.ErrInvalidKind
	case "Code":
		return domain.ErrInvalidCode
	case "Name":
		return domain.ErrInvalidName
	case "DurationDays":
		return domain.ErrInvalidDuration
	case "Price":
		return domain.ErrInvalidPrice
	default:
		return err
	}
}
