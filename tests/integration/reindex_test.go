package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/knowledge-platform/internal/ingest"
	"github.com/spherical-ai/knowledge-platform/internal/observability"
	"github.com/spherical-ai/knowledge-platform/internal/reindex"
	"github.com/spherical-ai/knowledge-platform/internal/storage"
)

// recordingProcessor captures reprocessed messages without touching blobs.
type recordingProcessor struct {
	messages []*ingest.Message
}

func (p *recordingProcessor) Process(ctx context.Context, msg *ingest.Message) error {
	p.messages = append(p.messages, msg)
	return nil
}

func TestReindexRunDetectsAndDrainsDrift(t *testing.T) {
	setup := setupContainers(t)
	repo, _ := openRepo(t, setup)
	ctx := context.Background()
	logger := observability.DefaultLogger()

	// A completed document indexed under an old embedding model.
	doc := seedDocument(t, repo, "acme")
	require.NoError(t, repo.MarkDocumentProcessing(ctx, "acme", doc.ID))
	require.NoError(t, repo.MarkDocumentCompleted(ctx, "acme", doc.ID, storage.DocumentIndexState{
		ChunkCount:     2,
		IndexedAt:      time.Now().UTC(),
		SchemaVersion:  "2024-09-24",
		EmbeddingModel: "text-embedding-ada-002",
	}))

	processor := &recordingProcessor{}
	runner := reindex.NewRunner(logger, repo, processor, reindex.Config{
		SchemaVersion:  "2024-09-24",
		EmbeddingModel: "text-embedding-3-small",
	})

	summary, err := runner.Run(ctx, reindex.Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Enqueued)
	assert.Equal(t, 1, summary.Processed)
	assert.Zero(t, summary.Failed)

	require.Len(t, processor.messages, 1)
	assert.Equal(t, doc.ID, processor.messages[0].DocumentID)
	assert.Equal(t, doc.SourceURI, processor.messages[0].BlobURI)

	// The queue is drained.
	jobs, err := repo.FetchReindexQueue(ctx, "", 10, 3)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// A second run finds the same drift again (the processor here does not
	// update index metadata) but the queue entry coalesces, never duplicates.
	summary, err = runner.Run(ctx, reindex.Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Enqueued)
	assert.Equal(t, 1, summary.Skipped)
}
