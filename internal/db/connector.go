// Package db opens the GORM connection backing the queue, project and
// audit stores. SQLite is the default: the engine is a single-process
// writer and a single WAL file keeps operation trivial. Postgres and
// MySQL are supported for deployments that already run one.
package db

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
)

// Connect opens a database connection for the given backend type.
// An empty dbType defaults to sqlite; an empty sqlite DSN defaults to a
// local file.
func Connect(dbType, dsn string, log *slog.Logger) (*gorm.DB, error) {
	if log == nil {
		log = slog.Default()
	}
	if dbType == "" {
		dbType = TypeSQLite
	}

	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	var (
		db  *gorm.DB
		err error
	)
	switch dbType {
	case TypeSQLite:
		if dsn == "" {
			dsn = "doce.db"
		}
		db, err = gorm.Open(sqlite.Open(sqliteDSN(dsn)), gormCfg)
	case TypePostgres:
		if dsn == "" {
			return nil, fmt.Errorf("postgres requires a DSN")
		}
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case TypeMySQL:
		if dsn == "" {
			return nil, fmt.Errorf("mysql requires a DSN")
		}
		db, err = gorm.Open(mysql.Open(dsn), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported database type %q (sqlite, postgres, mysql)", dbType)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dbType, err)
	}

	if dbType == TypeSQLite {
		// One writer connection: sqlite serializes writes anyway and a
		// single connection avoids SQLITE_BUSY under concurrent claims.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("access sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	log.Info("database connected", "type", dbType)
	return db, nil
}

// sqliteDSN appends the WAL and busy-timeout pragmas unless the caller
// already set pragmas (or uses :memory:).
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "_pragma") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}
