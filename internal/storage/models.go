package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Document lifecycle statuses.
const (
	DocumentStatusPending    = "pending"
	DocumentStatusProcessing = "processing"
	DocumentStatusCompleted  = "completed"
	DocumentStatusFailed     = "failed"
)

// Reindex job statuses.
const (
	ReindexStatusPending    = "pending"
	ReindexStatusProcessing = "processing"
	ReindexStatusCompleted  = "completed"
	ReindexStatusFailed     = "failed"
)

// JSONMap stores arbitrary metadata as JSONB.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONMap source type %T", src)
	}
	return json.Unmarshal(data, m)
}

// Document is the per-tenant ingestion record for one source file.
type Document struct {
	ID                 uuid.UUID
	TenantID           string
	SourceURI          string
	ContentType        string
	Status             string
	StatusReason       string
	SubmittedAt        time.Time
	UpdatedAt          time.Time
	ChunkCount         int
	LastIndexedAt      *time.Time
	LastSchemaVersion  string
	LastEmbeddingModel string
}

// Chunk is one retrievable span of document text. ContentHash is the SHA-256
// of the chunk text and, together with TenantID, makes ingestion idempotent.
type Chunk struct {
	ID             uuid.UUID
	TenantID       string
	DocumentID     uuid.UUID
	Text           string
	ContentHash    string
	SourceURI      string
	PageNumber     *int
	Metadata       JSONMap
	SchemaVersion  string
	EmbeddingModel string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LexicalHit is one ranked full-text search result.
type LexicalHit struct {
	Chunk
	Rank float64
}

// ReindexJob is one queued reprocessing request. The natural key
// (tenant_id, document_id, reason) coalesces duplicate enqueues.
type ReindexJob struct {
	ID         int64
	TenantID   string
	DocumentID uuid.UUID
	Reason     string
	Priority   int
	Status     string
	Attempts   int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DriftCandidate identifies a document whose index state no longer matches
// the active chunk schema or embedding model, or whose index is stale.
type DriftCandidate struct {
	TenantID   string
	DocumentID uuid.UUID
	Reason     string
}

// DocumentIndexState carries the fields written when an ingestion run
// completes.
type DocumentIndexState struct {
	ChunkCount     int
	IndexedAt      time.Time
	SchemaVersion  string
	EmbeddingModel string
}
