package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/storage"
)

var schema = map[string][]string{
	storage.DriverPostgres: {`
		CREATE TABLE IF NOT EXISTS anonymization_policies (
			id UUID PRIMARY KEY,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			preserve_metadata BOOLEAN NOT NULL DEFAULT FALSE,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (provider, model)
		)`},
	storage.DriverSQLite: {`
		CREATE TABLE IF NOT EXISTS anonymization_policies (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT 0,
			preserve_metadata BOOLEAN NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (provider, model)
		)`},
}

const columns = `id, provider, model, enabled, preserve_metadata, created_by, created_at, updated_at`

// SQLStore persists policies in Postgres or SQLite through sqlx
type SQLStore struct {
	db     *sqlx.DB
	logger *logger.Logger
	now    func() time.Time
}

// NewSQLStore wraps db, creating the policy table when migrate is set.
func NewSQLStore(ctx context.Context, db *sqlx.DB, log *logger.Logger, migrate bool) (*SQLStore, error) {
	if migrate {
		if err := storage.EnsureSchema(ctx, db, schema); err != nil {
			return nil, fmt.Errorf("failed to initialize policy store: %w", err)
		}
	}
	return &SQLStore{
		db:     db,
		logger: log.WithComponent("policy_store"),
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}, nil
}

// Resolve reads the model record or the provider fallback in one query
func (s *SQLStore) Resolve(ctx context.Context, provider, model string) (*Policy, error) {
	query := s.db.Rebind(`
		SELECT ` + columns + `
		FROM anonymization_policies
		WHERE provider = ? AND (model = ? OR model = '*')
		ORDER BY CASE WHEN model = '*' THEN 1 ELSE 0 END
		LIMIT 1`)

	var p Policy
	if err := s.db.GetContext(ctx, &p, query, provider, model); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve policy: %w", err)
	}
	return &p, nil
}

func (s *SQLStore) Get(ctx context.Context, provider, model string) (*Policy, error) {
	query := s.db.Rebind(`SELECT ` + columns + ` FROM anonymization_policies WHERE provider = ? AND model = ?`)

	var p Policy
	if err := s.db.GetContext(ctx, &p, query, provider, model); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return &p, nil
}

func (s *SQLStore) List(ctx context.Context, provider string) ([]*Policy, error) {
	query := `SELECT ` + columns + ` FROM anonymization_policies`
	var args []interface{}
	if provider != "" {
		query += ` WHERE provider = ?`
		args = append(args, provider)
	}
	query += ` ORDER BY provider, model`

	policies := []*Policy{}
	if err := s.db.SelectContext(ctx, &policies, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	return policies, nil
}

func (s *SQLStore) Create(ctx context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	prepare(p, s.now())

	query := `
		INSERT INTO anonymization_policies (` + columns + `)
		VALUES (:id, :provider, :model, :enabled, :preserve_metadata, :created_by, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, query, p); err != nil {
		if storage.IsUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create policy: %w", err)
	}

	s.logger.Info("Policy created",
		zap.String("provider", p.Provider),
		zap.String("model", p.Model),
		zap.Bool("enabled", p.Enabled))
	return nil
}

func (s *SQLStore) Update(ctx context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	query := s.db.Rebind(`
		UPDATE anonymization_policies
		SET enabled = ?, preserve_metadata = ?, updated_at = ?
		WHERE provider = ? AND model = ?`)

	res, err := s.db.ExecContext(ctx, query, p.Enabled, p.PreserveMetadata, s.now(), p.Provider, p.Model)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	updated, err := s.Get(ctx, p.Provider, p.Model)
	if err != nil {
		return err
	}
	*p = *updated

	s.logger.Info("Policy updated",
		zap.String("provider", p.Provider),
		zap.String("model", p.Model),
		zap.Bool("enabled", p.Enabled))
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, provider, model string) error {
	query := s.db.Rebind(`DELETE FROM anonymization_policies WHERE provider = ? AND model = ?`)

	res, err := s.db.ExecContext(ctx, query, provider, model)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	s.logger.Info("Policy deleted", zap.String("provider", provider), zap.String("model", model))
	return nil
}
