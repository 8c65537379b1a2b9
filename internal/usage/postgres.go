package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists usage records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			response_id TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_records_session ON usage_records (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_records (id, session_id, response_id, input_tokens, output_tokens, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID,
		rec.SessionID,
		rec.ResponseID,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) SessionTotals(ctx context.Context, sessionID string) (Totals, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records WHERE session_id=$1`,
		sessionID,
	)
	totals := Totals{SessionID: sessionID}
	if err := row.Scan(&totals.Responses, &totals.InputTokens, &totals.OutputTokens); err != nil {
		return Totals{}, fmt.Errorf("session totals: %w", err)
	}
	return totals, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
