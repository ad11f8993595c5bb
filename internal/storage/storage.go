// Package storage opens the SQL database shared by the policy and history
// stores and classifies driver errors.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
)

// Supported driver names
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Open connects to the configured database and applies pool settings.
func Open(cfg config.DatabaseConfig, log *logger.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Every connection to an in-memory sqlite database is a separate database
	if cfg.Driver == DriverSQLite && strings.Contains(cfg.DSN, ":memory:") {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	log.Info("Database connected",
		zap.String("driver", cfg.Driver),
		zap.String("dsn", MaskDSN(cfg.DSN)),
		zap.Int("max_open_conns", cfg.MaxOpenConns))

	return db, nil
}

// EnsureSchema runs the DDL registered for the connection's driver.
func EnsureSchema(ctx context.Context, db *sqlx.DB, ddl map[string][]string) error {
	statements, ok := ddl[db.DriverName()]
	if !ok {
		return fmt.Errorf("no schema for driver %q", db.DriverName())
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// IsUniqueViolation reports whether err is a unique constraint failure on
// either supported driver.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// MaskDSN masks the password of a URL-style DSN for logging
func MaskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	userPart := dsn[:at]
	colon := strings.LastIndex(userPart, ":")
	// "postgres://user" has its only colon in the scheme
	if colon < 0 || !strings.Contains(userPart[:colon], "//") {
		return dsn
	}
	return userPart[:colon+1] + "***" + dsn[at:]
}
