package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/gymledger/internal/audit/domain"
	"github.com/smallbiznis/gymledger/internal/clock"
	obscontext "github.com/smallbiznis/gymledger/internal/observability/context"
	obsmetrics "github.com/smallbiznis/gymledger/internal/observability/metrics"
	"github.com/smallbiznis/gymledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       auditdomain.Repository
	Reconciler *Reconciler
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       auditdomain.Repository
	reconciler *Reconciler
	metrics    *obsmetrics.EngineMetrics
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("audit.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		reconciler: p.Reconciler,
		metrics:    obsmetrics.Engine(),
	}
}

func (s *Service) Record(ctx context.Context, tx *gorm.DB, entry auditdomain.Entry) error {
	if entry.Payload == nil {
		return &auditdomain.WriteFailure{Err: auditdomain.ErrInvalidAction}
	}
	row := s.build(ctx, entry)

	// Savepoint keeps a failed insert from aborting the caller's transaction.
	err := tx.Transaction(func(sp *gorm.DB) error {
		return s.repo.Insert(ctx, sp, &row)
	})
	if err != nil {
		s.log.Warn("audit.write.failed",
			zap.String("action", row.Action),
			zap.String("audit_id", row.ID.String()),
			zap.Error(err),
		)
		s.metrics.IncAuditWriteFailure(row.Action)
		return &auditdomain.WriteFailure{Log: row, Err: err}
	}
	return nil
}

func (s *Service) RecordDetached(ctx context.Context, entry auditdomain.Entry) error {
	if entry.Payload == nil {
		return auditdomain.ErrInvalidAction
	}
	row := s.build(ctx, entry)
	if err := s.repo.Insert(ctx, s.db, &row); err != nil {
		s.log.Warn("audit.write.failed",
			zap.String("action", row.Action),
			zap.Bool("detached", true),
			zap.Error(err),
		)
		s.metrics.IncAuditWriteFailure(row.Action)
		s.enqueue(ctx, row)
		return &auditdomain.WriteFailure{Log: row, Err: err}
	}
	return nil
}

func (s *Service) Settle(ctx context.Context, degraded *auditdomain.Degraded) error {
	failures := degraded.Failures()
	if len(failures) == 0 {
		return nil
	}

	errs := make([]error, 0, len(failures))
	for _, failure := range failures {
		s.enqueue(ctx, failure.Log)
		errs = append(errs, failure)
	}
	s.log.Warn("audit.degraded",
		zap.Int("queued", len(failures)),
		zap.String("request_id", obscontext.RequestIDFromContext(ctx)),
	)
	return errors.Join(errs...)
}

// enqueue hands a failed entry to the reconciler. When even the queue is
// unreachable the full entry goes to the error log.
func (s *Service) enqueue(ctx context.Context, row auditdomain.AuditLog) {
	if err := s.reconciler.Enqueue(ctx, row); err != nil {
		s.log.Error("audit.enqueue.failed",
			zap.String("audit_id", row.ID.String()),
			zap.String("action", row.Action),
			zap.String("severity", string(row.Severity)),
			zap.Any("data", row.Data),
			zap.Time("created_at", row.CreatedAt),
			zap.Error(err),
		)
	}
}

func (s *Service) build(ctx context.Context, entry auditdomain.Entry) auditdomain.AuditLog {
	payload := entry.Payload
	data := map[string]any{}
	for key, value := range payload.Fields() {
		if strings.TrimSpace(key) == "" {
			continue
		}
		data[key] = value
	}
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		data["request_id"] = requestID
	}

	row := auditdomain.AuditLog{
		ID:          s.genID.Generate(),
		ActorID:     entry.Actor.IDPtr(),
		Action:      string(payload.Action()),
		Severity:    payload.Severity(),
		Description: payload.Describe(),
		Data:        datatypes.JSONMap(data),
		CreatedAt:   s.clock.Now().UTC(),
	}
	if role := strings.TrimSpace(string(entry.Actor.Role)); role != "" {
		row.ActorRole = &role
	}
	if model := strings.TrimSpace(entry.SubjectModel); model != "" {
		row.SubjectModel = &model
	}
	if entry.SubjectID != 0 {
		id := entry.SubjectID
		row.SubjectID = &id
	}
	return row
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}

	cursor, err := pagination.Decode(strings.TrimSpace(req.PageToken))
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
	}
	pageSize := req.Size()

	rows, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		Action:       req.Action,
		ActorID:      req.ActorID,
		SubjectModel: req.SubjectModel,
		SubjectID:    req.SubjectID,
		StartAt:      req.StartAt,
		EndAt:        req.EndAt,
		Cursor:       cursor,
		Limit:        pageSize,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	rows, pageInfo := pagination.Trim(rows, pageSize, func(row *auditdomain.AuditLog) pagination.Cursor {
		return pagination.Cursor{CreatedAt: row.CreatedAt, ID: row.ID}
	})
	logs := make([]auditdomain.AuditLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, *row)
	}
	return auditdomain.ListAuditLogResponse{PageInfo: pageInfo, AuditLogs: logs}, nil
}
