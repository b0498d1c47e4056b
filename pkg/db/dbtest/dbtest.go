// Package dbtest opens isolated in-memory SQLite databases carrying the
// production schema.
package dbtest

import (
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/gymledger/internal/migration"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// New returns a gorm handle backed by a private shared-cache in-memory
// database with all migrations applied. The pool is pinned to one
// connection so concurrent callers serialize the way row locks would.
func New(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	conn, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared&_pragma=foreign_keys(1)"), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	StripRowLocks(conn)

	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.ApplySQL(conn); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return conn
}

// StripRowLocks removes FOR UPDATE clauses, which SQLite does not support.
func StripRowLocks(conn *gorm.DB) {
	strip := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	_ = conn.Callback().Query().Before("gorm:query").Register("sqlite_strip_row_locks", strip)
	_ = conn.Callback().Row().Before("gorm:row").Register("sqlite_strip_row_locks_row", strip)
}
