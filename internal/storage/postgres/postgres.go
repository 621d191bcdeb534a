package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/FranksOps/rotor/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ensure postgresBackend implements storage.Backend
var _ storage.Backend = (*postgresBackend)(nil)

type postgresBackend struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS fetch_results (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	method TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	headers JSONB NOT NULL,
	body BYTEA,
	duration_ms BIGINT NOT NULL,
	detected_bot BOOLEAN NOT NULL,
	detection_src TEXT NOT NULL DEFAULT '',
	proxy TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS fetch_results_url ON fetch_results (url);
`

const columns = `id, url, method, status_code, headers, body, duration_ms, detected_bot, detection_src, proxy, attempts, outcome, created_at, error`

// New creates a new Postgres-backed storage.Backend.
func New(ctx context.Context, dsn string) (storage.Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &postgresBackend{pool: pool}, nil
}

func (b *postgresBackend) Save(ctx context.Context, result *storage.ScrapeResult) error {
	headersJSON, err := json.Marshal(result.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	query := `INSERT INTO fetch_results (` + columns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = b.pool.Exec(ctx, query,
		result.ID,
		result.URL,
		result.Method,
		result.StatusCode,
		headersJSON,
		result.Body,
		result.Duration.Milliseconds(),
		result.DetectedBot,
		result.DetectionSrc,
		result.Proxy,
		result.Attempts,
		result.Outcome,
		result.CreatedAt,
		result.Error,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}

	return nil
}

func (b *postgresBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.ScrapeResult, error) {
	query := `SELECT ` + columns + ` FROM fetch_results WHERE 1=1`
	args := pgx.NamedArgs{}

	if filter.URL != "" {
		query += ` AND url = @url`
		args["url"] = filter.URL
	}
	if filter.Proxy != "" {
		query += ` AND proxy = @proxy`
		args["proxy"] = filter.Proxy
	}
	if filter.Outcome != "" {
		query += ` AND outcome = @outcome`
		args["outcome"] = filter.Outcome
	}
	if filter.DetectedBot != nil {
		query += ` AND detected_bot = @detected_bot`
		args["detected_bot"] = *filter.DetectedBot
	}
	if filter.Since != nil {
		query += ` AND created_at >= @since`
		args["since"] = *filter.Since
	}

	query += ` ORDER BY created_at DESC`

	if filter.Limit > 0 {
		query += ` LIMIT @limit`
		args["limit"] = filter.Limit
	}
	if filter.Offset > 0 {
		query += ` OFFSET @offset`
		args["offset"] = filter.Offset
	}

	rows, err := b.pool.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*storage.ScrapeResult, error) {
		var (
			r           storage.ScrapeResult
			headersJSON []byte
			durationMs  int64
		)
		err := row.Scan(
			&r.ID, &r.URL, &r.Method, &r.StatusCode, &headersJSON, &r.Body,
			&durationMs, &r.DetectedBot, &r.DetectionSrc, &r.Proxy, &r.Attempts,
			&r.Outcome, &r.CreatedAt, &r.Error,
		)
		if err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		if err := json.Unmarshal(headersJSON, &r.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
		return &r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect results: %w", err)
	}

	return results, nil
}

func (b *postgresBackend) Close() error {
	b.pool.Close()
	return nil
}
