package db

import (
	"testing"

	"github.com/smallbiznis/gymledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialect(t *testing.T) {
	cfg := config.Config{
		AppName:    "gymledger",
		DBType:     DialectPostgres,
		DBHost:     "db",
		DBPort:     "5432",
		DBName:     "gym",
		DBUser:     "desk",
		DBPassword: "p@ss word",
		DBSSLMode:  "disable",
	}
	d, err := Dialect(cfg)
	require.NoError(t, err)
	assert.Equal(t, DialectPostgres, d.Name())

	dsn := postgresDSN(cfg)
	assert.Contains(t, dsn, "desk:p%40ss%20word@db:5432/gym")
	assert.Contains(t, dsn, "TimeZone=UTC")

	assert.Equal(t, "file:gym.db?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL", sqliteDSN("gym.db"))

	_, err = Dialect(config.Config{DBType: "mysql"})
	assert.ErrorIs(t, err, ErrUnsupportedDialect)
}
