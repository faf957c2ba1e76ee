package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veiloq/market-ingest/pkg/config"
)

// Postgres implements Store on a single jsonb documents table. The layout
// mirrors a document store: (collection, doc_id) addresses a jsonb fields
// blob, and updated_at is assigned by the server on every write.
type Postgres struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS documents (
	collection text NOT NULL,
	doc_id     text NOT NULL,
	fields     jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, doc_id)
)`

const upsertSQL = `
INSERT INTO documents (collection, doc_id, fields, updated_at)
VALUES ($1, $2, $3::jsonb, now())
ON CONFLICT (collection, doc_id) DO UPDATE SET
	fields = CASE WHEN $4 THEN documents.fields || EXCLUDED.fields
	              ELSE EXCLUDED.fields END,
	updated_at = now()`

const getSQL = `
SELECT fields FROM documents WHERE collection = $1 AND doc_id = $2`

// NewPostgres connects a pool, verifies the connection, and ensures the
// documents table exists.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Password, cfg.SSLMode,
	)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure documents table: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Upsert(ctx context.Context, collection, docID string, fields map[string]interface{}, merge bool) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	if _, err := p.pool.Exec(ctx, upsertSQL, collection, docID, payload, merge); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, docID, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, collection, docID string) (map[string]interface{}, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx, getSQL, collection, docID).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, docID, err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, docID, err)
	}
	return fields, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
