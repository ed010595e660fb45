package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN. maxConns bounds
// the pool; values below 1 keep pgx's default.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// schema is applied by EnsureSchema. The CHECK constraints mirror the status
// invariants so a buggy writer fails loudly instead of persisting them.
const schema = `
CREATE TABLE IF NOT EXISTS media_items (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	kind TEXT NOT NULL CHECK (kind IN ('post','thread-message','comment')),
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	temp_path TEXT NOT NULL DEFAULT '',
	durable_uri TEXT,
	cdn_asset_id TEXT,
	content_type TEXT NOT NULL DEFAULT '',
	size_bytes BIGINT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL CHECK (status IN ('received','uploading_durable','analyzing','approved','rejected','failed')),
	rejection_reason TEXT,
	failure_reason TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT FALSE,
	activated_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT media_items_cdn_asset_only_when_approved
		CHECK (cdn_asset_id IS NULL OR status = 'approved'),
	CONSTRAINT media_items_active_only_when_approved
		CHECK (NOT active OR status = 'approved'),
	CONSTRAINT media_items_durable_uri_after_upload
		CHECK (durable_uri IS NOT NULL OR status IN ('received','uploading_durable','failed'))
);
CREATE INDEX IF NOT EXISTS idx_media_items_status_updated ON media_items(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_media_items_owner ON media_items(owner_id);

CREATE TABLE IF NOT EXISTS moderation_decisions (
	id TEXT PRIMARY KEY,
	media_item_id TEXT NOT NULL REFERENCES media_items(id),
	outcome TEXT NOT NULL CHECK (outcome IN ('approved','rejected')),
	confidence DOUBLE PRECISION NOT NULL,
	reasoning TEXT NOT NULL,
	categories TEXT[] NOT NULL DEFAULT '{}',
	moderator_id TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_moderation_decisions_item ON moderation_decisions(media_item_id, created_at);

CREATE TABLE IF NOT EXISTS strikes (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	subject_kind TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	decision_id TEXT NOT NULL UNIQUE REFERENCES moderation_decisions(id),
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_strikes_owner ON strikes(owner_id, created_at);`

// EnsureSchema creates the pipeline tables if needed.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
