package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// ErrContention is returned when a transaction kept losing lock or
// serialization races after all retries. Callers may retry later.
var ErrContention = errors.New("contention")

const (
	SQLStateUniqueViolation      = "23505"
	SQLStateSerializationFailure = "40001"
	SQLStateDeadlockDetected     = "40P01"
	SQLStateLockNotAvailable     = "55P03"
)

// SQLState extracts the PostgreSQL error code from pgx or lib/pq errors.
func SQLState(err error) string {
	if err == nil {
		return ""
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Constraint
	}
	return ""
}

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	if SQLState(err) == SQLStateUniqueViolation {
		return true
	}

	msg := err.Error()
	// PostgreSQL (error code 23505)
	if strings.Contains(msg, "duplicate key value violates unique constraint") {
		return true
	}
	// MySQL (error code 1062)
	if strings.Contains(msg, "Error 1062") {
		return true
	}
	// SQLite (error code 2067)
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsUniqueViolation reports whether err is a duplicate key error on one of
// the given targets. A target is either a constraint/index name (PostgreSQL,
// MySQL) or a "table.column" pair as reported by SQLite. No targets matches
// any duplicate key error.
func IsUniqueViolation(err error, targets ...string) bool {
	if !IsDuplicateKeyErr(err) {
		return false
	}
	if len(targets) == 0 {
		return true
	}
	name := constraintName(err)
	msg := err.Error()
	for _, target := range targets {
		if target == "" {
			continue
		}
		if name != "" && name == target {
			return true
		}
		if strings.Contains(msg, target) {
			return true
		}
	}
	return false
}

// IsContention reports lock timeouts, serialization failures and deadlocks.
func IsContention(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrContention) {
		return true
	}
	switch SQLState(err) {
	case SQLStateLockNotAvailable, SQLStateSerializationFailure, SQLStateDeadlockDetected:
		return true
	}
	msg := err.Error()
	// SQLite busy / locked
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
