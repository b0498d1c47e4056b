package db

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/smallbiznis/gymledger/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// ErrUnsupportedDialect covers engines without partial unique indexes, which
// the one-open-membership rule depends on.
var ErrUnsupportedDialect = errors.New("unsupported_database_type")

// Dialect opens PostgreSQL for multi-instance deployments or a single SQLite
// file for a one-desk gym.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch cfg.DBType {
	case DialectPostgres:
		return postgres.Open(postgresDSN(cfg)), nil
	case DialectSQLite:
		return sqlite.Open(sqliteDSN(cfg.DBPath)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, cfg.DBType)
	}
}

func postgresDSN(cfg config.Config) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.DBUser, cfg.DBPassword),
		Host:   cfg.DBHost + ":" + cfg.DBPort,
		Path:   "/" + cfg.DBName,
	}
	q := url.Values{}
	q.Set("sslmode", cfg.DBSSLMode)
	q.Set("TimeZone", "UTC")
	q.Set("application_name", cfg.AppName)
	u.RawQuery = q.Encode()
	return u.String()
}

// sqliteDSN waits on the write lock instead of failing immediately; a
// timeout still surfaces as "database is locked" and is treated as
// contention.
func sqliteDSN(path string) string {
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	q.Set("_journal_mode", "WAL")
	return "file:" + path + "?" + q.Encode()
}

// IsPostgres reports whether the handle talks to PostgreSQL.
func IsPostgres(db *gorm.DB) bool {
	return db != nil && db.Dialector != nil && db.Dialector.Name() == DialectPostgres
}
