package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
)

func TestMaskDSN(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"postgres://gateway:hunter2@db:5432/pii?sslmode=disable", "postgres://gateway:***@db:5432/pii?sslmode=disable"},
		{"postgres://gateway@db/pii", "postgres://gateway@db/pii"},
		{"file:gateway.db?cache=shared", "file:gateway.db?cache=shared"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskDSN(tt.in))
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
	assert.False(t, IsUniqueViolation(nil))
}

func TestSQLiteUniqueViolation(t *testing.T) {
	db, err := Open(config.DatabaseConfig{Driver: DriverSQLite, DSN: "file::memory:?cache=shared"}, logger.NewNop())
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, EnsureSchema(ctx, db, map[string][]string{
		DriverSQLite: {`CREATE TABLE IF NOT EXISTS t (k TEXT PRIMARY KEY)`, `DELETE FROM t`},
	}))

	_, err = db.ExecContext(ctx, `INSERT INTO t (k) VALUES ('a')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO t (k) VALUES ('a')`)
	assert.True(t, IsUniqueViolation(err))

	assert.Error(t, EnsureSchema(ctx, db, map[string][]string{DriverPostgres: {"SELECT 1"}}))
}
