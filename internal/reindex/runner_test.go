package reindex

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/knowledge-platform/internal/ingest"
	"github.com/spherical-ai/knowledge-platform/internal/observability"
	"github.com/spherical-ai/knowledge-platform/internal/storage"
)

type fakeQueue struct {
	candidates []storage.DriftCandidate
	jobs       []storage.ReindexJob
	documents  map[uuid.UUID]*storage.Document

	enqueued    []string
	started     []int64
	succeeded   []int64
	failed      []int64
	fetchTenant []string

	startErr map[int64]error
}

func (q *fakeQueue) FindDriftCandidates(ctx context.Context, tenantID, schemaVersion, embeddingModel string, staleBefore time.Time, limit int) ([]storage.DriftCandidate, error) {
	return q.candidates, nil
}

func (q *fakeQueue) EnqueueReindex(ctx context.Context, tenantID string, documentID uuid.UUID, reason string, priority int) error {
	q.enqueued = append(q.enqueued, fmt.Sprintf("%s/%s/%s/%d", tenantID, documentID, reason, priority))
	return nil
}

func (q *fakeQueue) FetchReindexQueue(ctx context.Context, tenantID string, limit, maxAttempts int) ([]storage.ReindexJob, error) {
	q.fetchTenant = append(q.fetchTenant, tenantID)
	var out []storage.ReindexJob
	for _, j := range q.jobs {
		if tenantID != "" && j.TenantID != tenantID {
			continue
		}
		out = append(out, j)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *fakeQueue) MarkReindexStarted(ctx context.Context, jobID int64) error {
	if err, ok := q.startErr[jobID]; ok {
		return err
	}
	q.started = append(q.started, jobID)
	return nil
}

func (q *fakeQueue) MarkReindexSuccess(ctx context.Context, jobID int64) error {
	q.succeeded = append(q.succeeded, jobID)
	return nil
}

func (q *fakeQueue) MarkReindexFailure(ctx context.Context, jobID int64, lastError string, maxAttempts int) error {
	q.failed = append(q.failed, jobID)
	return nil
}

func (q *fakeQueue) GetDocument(ctx context.Context, tenantID string, documentID uuid.UUID) (*storage.Document, error) {
	if doc, ok := q.documents[documentID]; ok {
		return doc, nil
	}
	return nil, storage.ErrNotFound
}

type fakeProcessor struct {
	messages []*ingest.Message
	err      error
}

func (p *fakeProcessor) Process(ctx context.Context, msg *ingest.Message) error {
	p.messages = append(p.messages, msg)
	return p.err
}

func newRunner(queue *fakeQueue, proc *fakeProcessor) *Runner {
	return NewRunner(observability.DefaultLogger(), queue, proc, Config{
		SchemaVersion:  "2024-09-24",
		EmbeddingModel: "text-embedding-3-small",
	})
}

func TestDetectDrift_EnqueuesCandidates(t *testing.T) {
	docA := uuid.New()
	docB := uuid.New()
	queue := &fakeQueue{
		candidates: []storage.DriftCandidate{
			{TenantID: "acme", DocumentID: docA, Reason: "schema_version_mismatch"},
			{TenantID: "acme", DocumentID: docB, Reason: "stale_index"},
		},
	}

	runner := newRunner(queue, &fakeProcessor{})
	enqueued, err := runner.DetectDrift(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, enqueued)
	assert.Contains(t, queue.enqueued, fmt.Sprintf("acme/%s/schema_version_mismatch/%d", docA, DriftPriority))
	assert.Contains(t, queue.enqueued, fmt.Sprintf("acme/%s/stale_index/%d", docB, DriftPriority))
}

func TestRun_ProcessesJobs(t *testing.T) {
	docID := uuid.New()
	queue := &fakeQueue{
		jobs: []storage.ReindexJob{
			{ID: 7, TenantID: "acme", DocumentID: docID, Reason: "embedding_model_mismatch"},
		},
		documents: map[uuid.UUID]*storage.Document{
			docID: {ID: docID, TenantID: "acme", SourceURI: "s3://bucket/doc.pdf", ContentType: "application/pdf"},
		},
	}
	proc := &fakeProcessor{}

	summary, err := newRunner(queue, proc).Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, []int64{7}, queue.started)
	assert.Equal(t, []int64{7}, queue.succeeded)

	require.Len(t, proc.messages, 1)
	msg := proc.messages[0]
	assert.Equal(t, docID, msg.DocumentID)
	assert.Equal(t, "s3://bucket/doc.pdf", msg.BlobURI)
	assert.Equal(t, "embedding_model_mismatch", msg.Attributes["reindex_reason"])
}

func TestRun_DryRunLeavesJobsPending(t *testing.T) {
	queue := &fakeQueue{
		jobs: []storage.ReindexJob{
			{ID: 1, TenantID: "acme", DocumentID: uuid.New()},
			{ID: 2, TenantID: "acme", DocumentID: uuid.New()},
		},
	}
	proc := &fakeProcessor{}

	summary, err := newRunner(queue, proc).Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Skipped)
	assert.Empty(t, queue.started)
	assert.Empty(t, proc.messages)
}

func TestRun_FailureRecordsAndCounts(t *testing.T) {
	docID := uuid.New()
	queue := &fakeQueue{
		jobs: []storage.ReindexJob{{ID: 3, TenantID: "acme", DocumentID: docID}},
		documents: map[uuid.UUID]*storage.Document{
			docID: {ID: docID, TenantID: "acme", SourceURI: "s3://bucket/doc.pdf"},
		},
	}
	proc := &fakeProcessor{err: fmt.Errorf("embedding service down")}

	summary, err := newRunner(queue, proc).Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []int64{3}, queue.failed)
	assert.Empty(t, queue.succeeded)
}

func TestRun_ClaimedJobSkipped(t *testing.T) {
	queue := &fakeQueue{
		jobs:     []storage.ReindexJob{{ID: 4, TenantID: "acme", DocumentID: uuid.New()}},
		startErr: map[int64]error{4: storage.ErrNotFound},
	}
	proc := &fakeProcessor{}

	summary, err := newRunner(queue, proc).Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, proc.messages)
}

func TestRun_OrphanedDocumentFinalized(t *testing.T) {
	queue := &fakeQueue{
		jobs: []storage.ReindexJob{{ID: 5, TenantID: "acme", DocumentID: uuid.New()}},
	}
	proc := &fakeProcessor{}

	summary, err := newRunner(queue, proc).Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []int64{5}, queue.succeeded)
	assert.Empty(t, proc.messages)
}

func TestRun_TenantFilter(t *testing.T) {
	otherDoc := uuid.New()
	queue := &fakeQueue{
		jobs: []storage.ReindexJob{
			{ID: 6, TenantID: "globex", DocumentID: otherDoc},
		},
		documents: map[uuid.UUID]*storage.Document{
			otherDoc: {ID: otherDoc, TenantID: "globex", SourceURI: "s3://bucket/other.pdf"},
		},
	}
	proc := &fakeProcessor{}

	summary, err := newRunner(queue, proc).Run(context.Background(), Options{TenantID: "acme"})
	require.NoError(t, err)

	assert.Zero(t, summary.Processed)
	assert.Empty(t, proc.messages)
	// The tenant scope is pushed down into the queue fetch, not applied
	// after the fact.
	assert.Equal(t, []string{"acme"}, queue.fetchTenant)
}
