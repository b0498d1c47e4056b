package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsUniqueViolation(t *testing.T) {
	t.Run("pgx constraint name", func(t *testing.T) {
		err := fmt.Errorf("insert payment: %w", &pgconn.PgError{Code: "23505", ConstraintName: "ux_payments_reference_no"})
		assert.True(t, IsUniqueViolation(err, "ux_payments_reference_no", "payments.reference_no"))
		assert.False(t, IsUniqueViolation(err, "ux_user_memberships_member_open"))
	})

	t.Run("lib/pq constraint name", func(t *testing.T) {
		err := &pq.Error{Code: "23505", Constraint: "ux_user_memberships_member_open"}
		assert.True(t, IsUniqueViolation(err, "ux_user_memberships_member_open"))
	})

	t.Run("sqlite message", func(t *testing.T) {
		err := errors.New("constraint failed: UNIQUE constraint failed: walk_in_payments.reference_no (2067)")
		assert.True(t, IsUniqueViolation(err, "walk_in_payments.reference_no"))
		assert.False(t, IsUniqueViolation(err, "payments.membership_id"))
	})

	t.Run("gorm translated", func(t *testing.T) {
		assert.True(t, IsUniqueViolation(gorm.ErrDuplicatedKey))
	})

	t.Run("other errors", func(t *testing.T) {
		assert.False(t, IsUniqueViolation(errors.New("boom")))
		assert.False(t, IsUniqueViolation(nil))
	})
}

func TestIsContention(t *testing.T) {
	assert.True(t, IsContention(&pgconn.PgError{Code: SQLStateLockNotAvailable}))
	assert.True(t, IsContention(&pgconn.PgError{Code: SQLStateSerializationFailure}))
	assert.True(t, IsContention(&pq.Error{Code: SQLStateDeadlockDetected}))
	assert.True(t, IsContention(fmt.Errorf("open: %w", ErrContention)))
	assert.False(t, IsContention(&pgconn.PgError{Code: SQLStateUniqueViolation}))
	assert.False(t, IsContention(errors.New("boom")))
}
