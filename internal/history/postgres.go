package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/vaultsandbox/resetcheck/resetflow"
)

const schema = `
CREATE TABLE IF NOT EXISTS reset_runs (
    run_id      UUID PRIMARY KEY,
    flow        TEXT        NOT NULL,
    inbox       TEXT        NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    duration_ms BIGINT      NOT NULL,
    passed      BOOLEAN     NOT NULL,
    error       TEXT        NOT NULL DEFAULT '',
    report      JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS reset_runs_flow_started_idx ON reset_runs (flow, started_at DESC);
`

// db is the part of *pgxpool.Pool the store uses.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore keeps reports in the reset_runs table.
type PostgresStore struct {
	db     db
	logger *zap.Logger
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = 4
	poolCfg.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("postgres history store connected",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.String("database", poolCfg.ConnConfig.Database))
	return pool, nil
}

// NewPostgresStore creates the schema if needed and returns the store.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*PostgresStore, error) {
	return newPostgresStore(ctx, pool, logger)
}

func newPostgresStore(ctx context.Context, conn db, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := conn.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("create reset_runs schema: %w", err)
	}
	return &PostgresStore{db: conn, logger: logger}, nil
}

// Record inserts report as a JSONB row.
func (s *PostgresStore) Record(ctx context.Context, report *resetflow.Report) error {
	doc, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	_, err = s.db.Exec(ctx, `
        INSERT INTO reset_runs (run_id, flow, inbox, started_at, duration_ms, passed, error, report)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (run_id) DO NOTHING`,
		report.RunID, report.Flow, report.Inbox, report.Started,
		report.Duration.Milliseconds(), report.Passed, report.Error, doc,
	)
	if err != nil {
		s.logger.Error("insert reset run", zap.String("run_id", report.RunID), zap.Error(err))
		return fmt.Errorf("insert reset run: %w", err)
	}
	return nil
}

// Recent returns up to limit reports for flow, newest first. limit
// defaults to 20.
func (s *PostgresStore) Recent(ctx context.Context, flow string, limit int) ([]*resetflow.Report, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
        SELECT report FROM reset_runs
        WHERE flow = $1
        ORDER BY started_at DESC
        LIMIT $2`, flow, limit)
	if err != nil {
		return nil, fmt.Errorf("query reset runs: %w", err)
	}
	defer rows.Close()

	var out []*resetflow.Report
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan reset run: %w", err)
		}
		var r resetflow.Report
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, fmt.Errorf("decode reset run: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
