// Package storage provides the Postgres metadata store for the knowledge platform.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PoolConfig bounds the shared connection pool.
type PoolConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to Postgres and applies pool bounds.
func Open(ctx context.Context, cfg PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		document_id          UUID PRIMARY KEY,
		tenant_id            TEXT NOT NULL,
		source_uri           TEXT NOT NULL,
		content_type         TEXT NOT NULL DEFAULT 'application/pdf',
		status               TEXT NOT NULL DEFAULT 'pending',
		status_reason        TEXT NOT NULL DEFAULT '',
		submitted_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
		chunk_count          INTEGER NOT NULL DEFAULT 0,
		last_indexed_at      TIMESTAMPTZ,
		last_schema_version  TEXT NOT NULL DEFAULT '',
		last_embedding_model TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS documents_tenant_idx ON documents (tenant_id)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		chunk_id        UUID PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		document_id     UUID NOT NULL REFERENCES documents (document_id),
		content         TEXT NOT NULL,
		content_hash    TEXT NOT NULL,
		source_uri      TEXT,
		page_number     INTEGER,
		metadata        JSONB NOT NULL DEFAULT '{}'::jsonb,
		schema_version  TEXT NOT NULL DEFAULT '',
		embedding_model TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		tsv             TSVECTOR
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS chunks_tenant_hash_idx ON chunks (tenant_id, content_hash)`,
	`CREATE INDEX IF NOT EXISTS chunks_tsv_idx ON chunks USING GIN (tsv)`,
	`CREATE INDEX IF NOT EXISTS chunks_document_idx ON chunks (tenant_id, document_id)`,
	`CREATE TABLE IF NOT EXISTS reindex_queue (
		id          BIGSERIAL PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		document_id UUID NOT NULL,
		reason      TEXT NOT NULL,
		priority    INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL DEFAULT 'pending',
		attempts    INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (tenant_id, document_id, reason)
	)`,
	`CREATE INDEX IF NOT EXISTS reindex_queue_pending_idx
		ON reindex_queue (status, priority DESC, created_at ASC)`,
}

// EnsureSchema creates the tables and indexes once per process. Subsequent
// calls are no-ops.
func (r *MetadataRepo) EnsureSchema(ctx context.Context) error {
	r.schemaOnce.Do(func() {
		for _, stmt := range schemaStatements {
			if _, err := r.db.ExecContext(ctx, stmt); err != nil {
				r.schemaErr = fmt.Errorf("apply schema: %w", err)
				return
			}
		}
	})
	return r.schemaErr
}
