package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Common errors.
var (
	ErrNotFound      = errors.New("record not found")
	ErrInvalidTenant = errors.New("invalid tenant")
)

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// MetadataRepo is the tenant-scoped repository for documents, chunks, the
// full-text index, and the reindex queue.
type MetadataRepo struct {
	db        DB
	ftsConfig string

	schemaOnce sync.Once
	schemaErr  error
}

// NewMetadataRepo creates a metadata repository. ftsConfig names the Postgres
// text search configuration used for both indexing and queries.
func NewMetadataRepo(db DB, ftsConfig string) *MetadataRepo {
	if ftsConfig == "" {
		ftsConfig = "english"
	}
	return &MetadataRepo{db: db, ftsConfig: ftsConfig}
}

// UpsertDocument inserts a document or refreshes the existing row. Status is
// only overwritten when the caller provides one; COALESCE-style partial
// updates keep previously recorded fields intact.
func (r *MetadataRepo) UpsertDocument(ctx context.Context, doc *Document) error {
	if doc.TenantID == "" {
		return ErrInvalidTenant
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.SubmittedAt.IsZero() {
		doc.SubmittedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO documents (document_id, tenant_id, source_uri, content_type, status, submitted_at, updated_at)
		VALUES ($1, $2, $3, $4, COALESCE(NULLIF($5, ''), 'pending'), $6, now())
		ON CONFLICT (document_id) DO UPDATE SET
			source_uri   = COALESCE(NULLIF(EXCLUDED.source_uri, ''), documents.source_uri),
			content_type = COALESCE(NULLIF(EXCLUDED.content_type, ''), documents.content_type),
			status       = COALESCE(NULLIF($5, ''), documents.status),
			updated_at   = now()
		WHERE documents.tenant_id = EXCLUDED.tenant_id
	`
	res, err := r.db.ExecContext(ctx, query,
		doc.ID, doc.TenantID, doc.SourceURI, doc.ContentType, doc.Status, doc.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrInvalidTenant
	}
	return nil
}

// GetDocument retrieves a document by ID with tenant scoping.
func (r *MetadataRepo) GetDocument(ctx context.Context, tenantID string, documentID uuid.UUID) (*Document, error) {
	query := `
		SELECT document_id, tenant_id, source_uri, content_type, status, status_reason,
			submitted_at, updated_at, chunk_count, last_indexed_at,
			last_schema_version, last_embedding_model
		FROM documents
		WHERE document_id = $1 AND tenant_id = $2
	`
	doc := &Document{}
	err := r.db.QueryRowContext(ctx, query, documentID, tenantID).Scan(
		&doc.ID, &doc.TenantID, &doc.SourceURI, &doc.ContentType, &doc.Status,
		&doc.StatusReason, &doc.SubmittedAt, &doc.UpdatedAt, &doc.ChunkCount,
		&doc.LastIndexedAt, &doc.LastSchemaVersion, &doc.LastEmbeddingModel,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

// MarkDocumentProcessing transitions a document to processing while keeping
// its original submitted_at.
func (r *MetadataRepo) MarkDocumentProcessing(ctx context.Context, tenantID string, documentID uuid.UUID) error {
	query := `
		UPDATE documents
		SET status = 'processing', status_reason = '', updated_at = now()
		WHERE document_id = $1 AND tenant_id = $2
	`
	return r.execDocumentUpdate(ctx, query, documentID, tenantID)
}

// MarkDocumentCompleted records a successful ingestion run and the index
// state it produced.
func (r *MetadataRepo) MarkDocumentCompleted(ctx context.Context, tenantID string, documentID uuid.UUID, state DocumentIndexState) error {
	query := `
		UPDATE documents
		SET status = 'completed', status_reason = '', updated_at = now(),
			chunk_count = $3, last_indexed_at = $4,
			last_schema_version = $5, last_embedding_model = $6
		WHERE document_id = $1 AND tenant_id = $2
	`
	res, err := r.db.ExecContext(ctx, query, documentID, tenantID,
		state.ChunkCount, state.IndexedAt, state.SchemaVersion, state.EmbeddingModel)
	if err != nil {
		return fmt.Errorf("mark document completed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDocumentFailed records a permanent ingestion failure.
func (r *MetadataRepo) MarkDocumentFailed(ctx context.Context, tenantID string, documentID uuid.UUID, reason string) error {
	query := `
		UPDATE documents
		SET status = 'failed', status_reason = $3, updated_at = now()
		WHERE document_id = $1 AND tenant_id = $2
	`
	res, err := r.db.ExecContext(ctx, query, documentID, tenantID, reason)
	if err != nil {
		return fmt.Errorf("mark document failed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MetadataRepo) execDocumentUpdate(ctx context.Context, query string, documentID uuid.UUID, tenantID string) error {
	res, err := r.db.ExecContext(ctx, query, documentID, tenantID)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertChunks writes chunks idempotently on (tenant_id, content_hash).
// Re-ingesting identical text updates the existing row in place, filling
// source_uri and page_number only when previously absent. The tsv column is
// recomputed from the content on every write. Each chunk's ID is overwritten
// with the canonical chunk_id of the stored row, so on conflict callers see
// the surviving ID rather than the freshly generated one and can index
// vectors under it.
func (r *MetadataRepo) UpsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO chunks (chunk_id, tenant_id, document_id, content, content_hash,
			source_uri, page_number, metadata, schema_version, embedding_model,
			created_at, updated_at, tsv)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now(),
			to_tsvector('%s', $4))
		ON CONFLICT (tenant_id, content_hash) DO UPDATE SET
			document_id     = EXCLUDED.document_id,
			content         = EXCLUDED.content,
			source_uri      = COALESCE(EXCLUDED.source_uri, chunks.source_uri),
			page_number     = COALESCE(EXCLUDED.page_number, chunks.page_number),
			metadata        = EXCLUDED.metadata,
			schema_version  = EXCLUDED.schema_version,
			embedding_model = EXCLUDED.embedding_model,
			updated_at      = now(),
			tsv             = EXCLUDED.tsv
		RETURNING chunk_id
	`, r.ftsConfig)

	for i := range chunks {
		c := &chunks[i]
		if c.TenantID == "" {
			return ErrInvalidTenant
		}
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		var sourceURI any
		if c.SourceURI != "" {
			sourceURI = c.SourceURI
		}
		if err := r.db.QueryRowContext(ctx, query,
			c.ID, c.TenantID, c.DocumentID, c.Text, c.ContentHash,
			sourceURI, c.PageNumber, c.Metadata, c.SchemaVersion, c.EmbeddingModel,
		).Scan(&c.ID); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.ContentHash, err)
		}
	}
	return nil
}

// SearchLexical runs ranked full-text search over a tenant's chunks.
// Results are ordered by ts_rank_cd descending with chunk_id as the
// deterministic tie-break.
func (r *MetadataRepo) SearchLexical(ctx context.Context, tenantID, queryText string, limit int) ([]LexicalHit, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if queryText == "" || limit <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		WITH q AS (SELECT plainto_tsquery('%s', $2) AS query)
		SELECT c.chunk_id, c.tenant_id, c.document_id, c.content, c.content_hash,
			COALESCE(c.source_uri, ''), c.page_number, c.metadata,
			c.schema_version, c.embedding_model, c.created_at, c.updated_at,
			ts_rank_cd(c.tsv, q.query) AS rank
		FROM chunks c, q
		WHERE c.tenant_id = $1 AND c.tsv @@ q.query
		ORDER BY rank DESC, c.chunk_id ASC
		LIMIT $3
	`, r.ftsConfig)

	rows, err := r.db.QueryContext(ctx, query, tenantID, queryText, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var h LexicalHit
		if err := rows.Scan(
			&h.ID, &h.TenantID, &h.DocumentID, &h.Text, &h.ContentHash,
			&h.SourceURI, &h.PageNumber, &h.Metadata,
			&h.SchemaVersion, &h.EmbeddingModel, &h.CreatedAt, &h.UpdatedAt,
			&h.Rank,
		); err != nil {
			return nil, fmt.Errorf("scan lexical hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// FetchChunksByIDs hydrates chunks by ID within a tenant. IDs with no
// surviving row are silently absent from the result.
func (r *MetadataRepo) FetchChunksByIDs(ctx context.Context, tenantID string, chunkIDs []uuid.UUID) (map[uuid.UUID]Chunk, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if len(chunkIDs) == 0 {
		return map[uuid.UUID]Chunk{}, nil
	}

	ids := make([]string, len(chunkIDs))
	for i, id := range chunkIDs {
		ids[i] = id.String()
	}

	query := `
		SELECT chunk_id, tenant_id, document_id, content, content_hash,
			COALESCE(source_uri, ''), page_number, metadata,
			schema_version, embedding_model, created_at, updated_at
		FROM chunks
		WHERE tenant_id = $1 AND chunk_id = ANY($2::uuid[])
	`
	rows, err := r.db.QueryContext(ctx, query, tenantID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("fetch chunks by ids: %w", err)
	}
	defer rows.Close()

	result := make(map[uuid.UUID]Chunk, len(chunkIDs))
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(
			&c.ID, &c.TenantID, &c.DocumentID, &c.Text, &c.ContentHash,
			&c.SourceURI, &c.PageNumber, &c.Metadata,
			&c.SchemaVersion, &c.EmbeddingModel, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		result[c.ID] = c
	}
	return result, rows.Err()
}

// DeleteChunksForDocument removes all chunks of one document, returning the
// IDs removed so callers can drop the matching vectors.
func (r *MetadataRepo) DeleteChunksForDocument(ctx context.Context, tenantID string, documentID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		DELETE FROM chunks
		WHERE tenant_id = $1 AND document_id = $2
		RETURNING chunk_id
	`
	rows, err := r.db.QueryContext(ctx, query, tenantID, documentID)
	if err != nil {
		return nil, fmt.Errorf("delete chunks: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EnqueueReindex adds a reindex request. A request with the same
// (tenant_id, document_id, reason) is coalesced: the higher priority wins,
// terminal statuses return to pending, and any recorded error is cleared.
func (r *MetadataRepo) EnqueueReindex(ctx context.Context, tenantID string, documentID uuid.UUID, reason string, priority int) error {
	if tenantID == "" {
		return ErrInvalidTenant
	}
	query := `
		INSERT INTO reindex_queue (tenant_id, document_id, reason, priority, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', now(), now())
		ON CONFLICT (tenant_id, document_id, reason) DO UPDATE SET
			priority   = GREATEST(reindex_queue.priority, EXCLUDED.priority),
			status     = CASE WHEN reindex_queue.status IN ('completed', 'failed')
							THEN 'pending' ELSE reindex_queue.status END,
			last_error = '',
			updated_at = now()
	`
	if _, err := r.db.ExecContext(ctx, query, tenantID, documentID, reason, priority); err != nil {
		return fmt.Errorf("enqueue reindex: %w", err)
	}
	return nil
}

// FetchReindexQueue returns pending jobs under the attempt cap, highest
// priority first, oldest first within a priority. An empty tenantID fetches
// across all tenants.
func (r *MetadataRepo) FetchReindexQueue(ctx context.Context, tenantID string, limit, maxAttempts int) ([]ReindexJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT id, tenant_id, document_id, reason, priority, status, attempts,
			last_error, created_at, updated_at
		FROM reindex_queue
		WHERE status = 'pending' AND attempts < $2
			AND ($3 = '' OR tenant_id = $3)
		ORDER BY priority DESC, created_at ASC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit, maxAttempts, tenantID)
	if err != nil {
		return nil, fmt.Errorf("fetch reindex queue: %w", err)
	}
	defer rows.Close()

	var jobs []ReindexJob
	for rows.Next() {
		var j ReindexJob
		if err := rows.Scan(
			&j.ID, &j.TenantID, &j.DocumentID, &j.Reason, &j.Priority, &j.Status,
			&j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan reindex job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkReindexStarted transitions a pending job to processing and increments
// its attempt counter atomically. Returns ErrNotFound when the job was claimed
// by another runner.
func (r *MetadataRepo) MarkReindexStarted(ctx context.Context, jobID int64) error {
	query := `
		UPDATE reindex_queue
		SET status = 'processing', attempts = attempts + 1, updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`
	res, err := r.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("mark reindex started: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkReindexSuccess finalizes a job.
func (r *MetadataRepo) MarkReindexSuccess(ctx context.Context, jobID int64) error {
	query := `
		UPDATE reindex_queue
		SET status = 'completed', last_error = '', updated_at = now()
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("mark reindex success: %w", err)
	}
	return nil
}

// MarkReindexFailure records a failed attempt. Jobs under the attempt cap
// return to pending; exhausted jobs stay failed.
func (r *MetadataRepo) MarkReindexFailure(ctx context.Context, jobID int64, lastError string, maxAttempts int) error {
	query := `
		UPDATE reindex_queue
		SET status = CASE WHEN attempts < $3 THEN 'pending' ELSE 'failed' END,
			last_error = $2, updated_at = now()
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, jobID, lastError, maxAttempts)
	if err != nil {
		return fmt.Errorf("mark reindex failure: %w", err)
	}
	return nil
}

// FindDriftCandidates scans completed documents whose recorded schema version
// or embedding model differs from the active ones, whose chunks disagree with
// the document record, or whose last index predates the staleness horizon.
// Most recently touched documents come first.
func (r *MetadataRepo) FindDriftCandidates(ctx context.Context, tenantID, schemaVersion, embeddingModel string, staleBefore time.Time, limit int) ([]DriftCandidate, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT d.tenant_id, d.document_id,
			CASE
				WHEN d.last_schema_version <> $2 OR d.last_embedding_model <> $3 THEN 'index_state_mismatch'
				WHEN d.last_indexed_at IS NULL OR d.last_indexed_at < $4 THEN 'stale_index'
				ELSE 'chunk_state_mismatch'
			END AS reason
		FROM documents d
		WHERE d.status = 'completed'
			AND ($1 = '' OR d.tenant_id = $1)
			AND (
				d.last_schema_version <> $2
				OR d.last_embedding_model <> $3
				OR d.last_indexed_at IS NULL
				OR d.last_indexed_at < $4
				OR EXISTS (
					SELECT 1 FROM chunks c
					WHERE c.tenant_id = d.tenant_id AND c.document_id = d.document_id
						AND (c.schema_version <> $2 OR c.embedding_model <> $3)
				)
			)
		ORDER BY d.updated_at DESC
		LIMIT $5
	`
	rows, err := r.db.QueryContext(ctx, query, tenantID, schemaVersion, embeddingModel, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("find drift candidates: %w", err)
	}
	defer rows.Close()

	var out []DriftCandidate
	for rows.Next() {
		var c DriftCandidate
		if err := rows.Scan(&c.TenantID, &c.DocumentID, &c.Reason); err != nil {
			return nil, fmt.Errorf("scan drift candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Ping checks database connectivity for readiness probes.
func (r *MetadataRepo) Ping(ctx context.Context) error {
	var one int
	return r.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}
