package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/storage"
)

var schema = map[string][]string{
	storage.DriverPostgres: {`
		CREATE TABLE IF NOT EXISTS request_history (
			id UUID PRIMARY KEY,
			request_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			status TEXT NOT NULL,
			anonymized BOOLEAN NOT NULL DEFAULT FALSE,
			pii_entities INTEGER NOT NULL DEFAULT 0,
			request TEXT NOT NULL,
			response TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_history_created_at ON request_history (created_at)`,
	},
	storage.DriverSQLite: {`
		CREATE TABLE IF NOT EXISTS request_history (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			status TEXT NOT NULL,
			anonymized BOOLEAN NOT NULL DEFAULT 0,
			pii_entities INTEGER NOT NULL DEFAULT 0,
			request TEXT NOT NULL,
			response TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_history_created_at ON request_history (created_at)`,
	},
}

const columns = `id, request_id, provider, model, status, anonymized, pii_entities, request, response, error,
	prompt_tokens, completion_tokens, total_tokens, duration_ms, created_at, updated_at`

// SQLStore persists history in Postgres or SQLite through sqlx
type SQLStore struct {
	db     *sqlx.DB
	logger *logger.Logger
	now    func() time.Time
}

// NewSQLStore wraps db, creating the history table when migrate is set.
func NewSQLStore(ctx context.Context, db *sqlx.DB, log *logger.Logger, migrate bool) (*SQLStore, error) {
	if migrate {
		if err := storage.EnsureSchema(ctx, db, schema); err != nil {
			return nil, fmt.Errorf("failed to initialize history store: %w", err)
		}
	}
	return &SQLStore{
		db:     db,
		logger: log.WithComponent("history_store"),
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}, nil
}

func (s *SQLStore) Create(ctx context.Context, params CreateParams) (uuid.UUID, error) {
	r, err := newRecord(params, s.now())
	if err != nil {
		return uuid.Nil, err
	}

	query := `
		INSERT INTO request_history (` + columns + `)
		VALUES (:id, :request_id, :provider, :model, :status, :anonymized, :pii_entities, :request, :response, :error,
			:prompt_tokens, :completion_tokens, :total_tokens, :duration_ms, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, query, r); err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert history record: %w", err)
	}

	s.logger.Debug("History record created",
		zap.String("id", r.ID.String()),
		zap.String("provider", r.Provider),
		zap.Bool("anonymized", r.Anonymized))
	return r.ID, nil
}

func (s *SQLStore) Update(ctx context.Context, id uuid.UUID, outcome Outcome) error {
	r := &Record{ID: id}
	if err := r.apply(outcome, s.now()); err != nil {
		return err
	}

	query := `
		UPDATE request_history
		SET status = :status, response = :response, error = :error,
			prompt_tokens = :prompt_tokens, completion_tokens = :completion_tokens, total_tokens = :total_tokens,
			duration_ms = :duration_ms, updated_at = :updated_at
		WHERE id = :id`

	res, err := s.db.NamedExecContext(ctx, query, r)
	if err != nil {
		return fmt.Errorf("failed to update history record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	query := s.db.Rebind(`SELECT ` + columns + ` FROM request_history WHERE id = ?`)

	var r Record
	if err := s.db.GetContext(ctx, &r, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get history record: %w", err)
	}
	return &r, nil
}

// List returns matching records oldest first
func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, filter.Until.UTC())
	}

	query := `SELECT ` + columns + ` FROM request_history`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	records := []*Record{}
	if err := s.db.SelectContext(ctx, &records, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list history records: %w", err)
	}
	return records, nil
}
