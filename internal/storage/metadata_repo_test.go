package storage

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*MetadataRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewMetadataRepo(db, "english"), mock
}

func TestUpsertDocument_InsertsWithGeneratedID(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`INSERT INTO documents`).
		WithArgs(sqlmock.AnyArg(), "acme", "s3://bucket/doc.pdf", "application/pdf", "pending", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	doc := &Document{
		TenantID:    "acme",
		SourceURI:   "s3://bucket/doc.pdf",
		ContentType: "application/pdf",
		Status:      DocumentStatusPending,
	}
	require.NoError(t, repo.UpsertDocument(context.Background(), doc))
	assert.NotEqual(t, uuid.Nil, doc.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDocument_RejectsMissingTenant(t *testing.T) {
	repo, _ := newMockRepo(t)
	err := repo.UpsertDocument(context.Background(), &Document{SourceURI: "s3://b/k"})
	assert.ErrorIs(t, err, ErrInvalidTenant)
}

func TestGetDocument_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	docID := uuid.New()

	mock.ExpectQuery(`SELECT document_id, tenant_id`).
		WithArgs(docID, "acme").
		WillReturnRows(sqlmock.NewRows([]string{"document_id"}))

	_, err := repo.GetDocument(context.Background(), "acme", docID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkDocumentCompleted_WritesIndexState(t *testing.T) {
	repo, mock := newMockRepo(t)
	docID := uuid.New()
	indexedAt := time.Now().UTC()

	mock.ExpectExec(`UPDATE documents`).
		WithArgs(docID, "acme", 12, indexedAt, "2024-09-24", "text-embedding-3-small").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkDocumentCompleted(context.Background(), "acme", docID, DocumentIndexState{
		ChunkCount:     12,
		IndexedAt:      indexedAt,
		SchemaVersion:  "2024-09-24",
		EmbeddingModel: "text-embedding-3-small",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertChunks_AssignsFreshIDs(t *testing.T) {
	repo, mock := newMockRepo(t)
	docID := uuid.New()
	storedID := uuid.New()

	mock.ExpectQuery(`INSERT INTO chunks`).
		WillReturnRows(sqlmock.NewRows([]string{"chunk_id"}).AddRow(storedID))

	chunks := []Chunk{{
		TenantID:    "acme",
		DocumentID:  docID,
		Text:        "hello world",
		ContentHash: "abc123",
		Metadata:    JSONMap{"page": 1},
	}}
	require.NoError(t, repo.UpsertChunks(context.Background(), chunks))
	assert.Equal(t, storedID, chunks[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertChunks_ConflictReturnsCanonicalID(t *testing.T) {
	repo, mock := newMockRepo(t)
	docID := uuid.New()
	canonical := uuid.New()
	fresh := uuid.New()

	// On a content-hash conflict the RETURNING clause yields the surviving
	// row's chunk_id, not the one the caller generated.
	mock.ExpectQuery(`INSERT INTO chunks`).
		WithArgs(fresh, "acme", docID, "hello world", "abc123",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"chunk_id"}).AddRow(canonical))

	chunks := []Chunk{{
		ID:          fresh,
		TenantID:    "acme",
		DocumentID:  docID,
		Text:        "hello world",
		ContentHash: "abc123",
	}}
	require.NoError(t, repo.UpsertChunks(context.Background(), chunks))
	assert.Equal(t, canonical, chunks[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertChunks_EmptyIsNoop(t *testing.T) {
	repo, mock := newMockRepo(t)
	require.NoError(t, repo.UpsertChunks(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchLexical_RanksAndScopes(t *testing.T) {
	repo, mock := newMockRepo(t)
	chunkID := uuid.New()
	docID := uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"chunk_id", "tenant_id", "document_id", "content", "content_hash",
		"source_uri", "page_number", "metadata", "schema_version",
		"embedding_model", "created_at", "updated_at", "rank",
	}).AddRow(chunkID, "acme", docID, "warranty terms", "h1", "s3://b/k", 3,
		[]byte(`{}`), "2024-09-24", "text-embedding-3-small", now, now, 0.42)

	mock.ExpectQuery(`ts_rank_cd`).
		WithArgs("acme", "warranty", 20).
		WillReturnRows(rows)

	hits, err := repo.SearchLexical(context.Background(), "acme", "warranty", 20)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, chunkID, hits[0].ID)
	assert.InDelta(t, 0.42, hits[0].Rank, 1e-9)
	require.NotNil(t, hits[0].PageNumber)
	assert.Equal(t, 3, *hits[0].PageNumber)
}

func TestSearchLexical_EmptyQueryShortCircuits(t *testing.T) {
	repo, mock := newMockRepo(t)
	hits, err := repo.SearchLexical(context.Background(), "acme", "", 20)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchChunksByIDs_DropsMissing(t *testing.T) {
	repo, mock := newMockRepo(t)
	present := uuid.New()
	missing := uuid.New()
	docID := uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"chunk_id", "tenant_id", "document_id", "content", "content_hash",
		"source_uri", "page_number", "metadata", "schema_version",
		"embedding_model", "created_at", "updated_at",
	}).AddRow(present, "acme", docID, "text", "h1", "", nil,
		[]byte(`{}`), "v", "m", now, now)

	mock.ExpectQuery(`chunk_id = ANY`).
		WithArgs("acme", sqlmock.AnyArg()).
		WillReturnRows(rows)

	got, err := repo.FetchChunksByIDs(context.Background(), "acme", []uuid.UUID{present, missing})
	require.NoError(t, err)
	assert.Contains(t, got, present)
	assert.NotContains(t, got, missing)
}

func TestFetchChunksByIDs_EmptyInput(t *testing.T) {
	repo, mock := newMockRepo(t)
	got, err := repo.FetchChunksByIDs(context.Background(), "acme", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueReindex_Coalesces(t *testing.T) {
	repo, mock := newMockRepo(t)
	docID := uuid.New()

	mock.ExpectExec(`INSERT INTO reindex_queue`).
		WithArgs("acme", docID, "drift", 5).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.EnqueueReindex(context.Background(), "acme", docID, "drift", 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchReindexQueue_OrdersByPriorityThenAge(t *testing.T) {
	repo, mock := newMockRepo(t)
	docA := uuid.New()
	docB := uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "document_id", "reason", "priority", "status",
		"attempts", "last_error", "created_at", "updated_at",
	}).
		AddRow(int64(2), "acme", docA, "drift", 5, "pending", 0, "", now.Add(-time.Hour), now).
		AddRow(int64(1), "acme", docB, "manual", 1, "pending", 1, "", now.Add(-2*time.Hour), now)

	mock.ExpectQuery(`FROM reindex_queue`).
		WithArgs(10, 3, "").
		WillReturnRows(rows)

	jobs, err := repo.FetchReindexQueue(context.Background(), "", 10, 3)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, int64(2), jobs[0].ID)
	assert.Equal(t, 5, jobs[0].Priority)
}

func TestFetchReindexQueue_TenantScoped(t *testing.T) {
	repo, mock := newMockRepo(t)
	docID := uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "document_id", "reason", "priority", "status",
		"attempts", "last_error", "created_at", "updated_at",
	}).AddRow(int64(9), "acme", docID, "drift", 5, "pending", 0, "", now, now)

	mock.ExpectQuery(`FROM reindex_queue`).
		WithArgs(10, 3, "acme").
		WillReturnRows(rows)

	jobs, err := repo.FetchReindexQueue(context.Background(), "acme", 10, 3)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "acme", jobs[0].TenantID)
}

func TestMarkReindexStarted_ClaimedElsewhere(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE reindex_queue`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkReindexStarted(context.Background(), 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkReindexFailure_ReturnsToPendingUnderCap(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE reindex_queue`).
		WithArgs(int64(7), "parse failure", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkReindexFailure(context.Background(), 7, "parse failure", 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindDriftCandidates(t *testing.T) {
	repo, mock := newMockRepo(t)
	docID := uuid.New()
	horizon := time.Now().Add(-30 * 24 * time.Hour)

	rows := sqlmock.NewRows([]string{"tenant_id", "document_id", "reason"}).
		AddRow("acme", docID, "index_state_mismatch")

	mock.ExpectQuery(`FROM documents d`).
		WithArgs("acme", "2024-09-24", "text-embedding-3-small", driver.Value(horizon), 100).
		WillReturnRows(rows)

	got, err := repo.FindDriftCandidates(context.Background(), "acme", "2024-09-24", "text-embedding-3-small", horizon, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "index_state_mismatch", got[0].Reason)
}
