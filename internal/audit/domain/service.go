package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gymledger/internal/identity"
	"github.com/smallbiznis/gymledger/pkg/db/pagination"
	"gorm.io/gorm"
)

var (
	ErrAuditWriteFailure = errors.New("audit_write_failure")
	ErrInvalidPageToken  = pagination.ErrInvalidToken
	ErrInvalidTimeRange  = errors.New("invalid_time_range")
	ErrInvalidAction     = errors.New("invalid_action")
)

// Entry is an audit event before it is persisted.
type Entry struct {
	Actor        identity.Actor
	SubjectModel string
	SubjectID    snowflake.ID
	Payload      Payload
}

type ListAuditLogRequest struct {
	pagination.Pagination
	Action       string
	ActorID      *snowflake.ID
	SubjectModel string
	SubjectID    *snowflake.ID
	StartAt      *time.Time
	EndAt        *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Service interface {
	// Record appends entry inside tx. The only error it returns is a
	// *WriteFailure, which never aborts tx.
	Record(ctx context.Context, tx *gorm.DB, entry Entry) error
	// RecordDetached writes entry in its own transaction.
	RecordDetached(ctx context.Context, entry Entry) error
	// Settle hands captured failures to the reconciler once the business
	// transaction committed.
	Settle(ctx context.Context, degraded *Degraded) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}

// WriteFailure reports an audit entry that could not be persisted with its
// business transaction.
type WriteFailure struct {
	Log AuditLog
	Err error
}

func (f *WriteFailure) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrAuditWriteFailure, f.Log.Action, f.Err)
}

func (f *WriteFailure) Unwrap() []error {
	return []error{ErrAuditWriteFailure, f.Err}
}

// Degraded collects audit write failures across one transaction attempt.
// Reset at the start of every attempt so retried work does not double count.
type Degraded struct {
	mu       sync.Mutex
	failures []*WriteFailure
}

func (d *Degraded) Reset() {
	d.mu.Lock()
	d.failures = nil
	d.mu.Unlock()
}

// Capture keeps err when it is a write failure and returns any other error.
func (d *Degraded) Capture(err error) error {
	if err == nil {
		return nil
	}
	var failure *WriteFailure
	if !errors.As(err, &failure) {
		return err
	}
	d.mu.Lock()
	d.failures = append(d.failures, failure)
	d.mu.Unlock()
	return nil
}

func (d *Degraded) Failures() []*WriteFailure {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*WriteFailure, len(d.failures))
	copy(out, d.failures)
	return out
}
