// Package reindex drives drift detection and the re-embedding queue.
package reindex

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/knowledge-platform/internal/ingest"
	"github.com/spherical-ai/knowledge-platform/internal/observability"
	"github.com/spherical-ai/knowledge-platform/internal/storage"
)

// DriftPriority is the queue priority assigned to detector-enqueued jobs.
// Operator-requested jobs may use any priority.
const DriftPriority = 5

// Queue is the slice of the metadata repo the runner needs.
type Queue interface {
	FindDriftCandidates(ctx context.Context, tenantID, schemaVersion, embeddingModel string, staleBefore time.Time, limit int) ([]storage.DriftCandidate, error)
	EnqueueReindex(ctx context.Context, tenantID string, documentID uuid.UUID, reason string, priority int) error
	FetchReindexQueue(ctx context.Context, tenantID string, limit, maxAttempts int) ([]storage.ReindexJob, error)
	MarkReindexStarted(ctx context.Context, jobID int64) error
	MarkReindexSuccess(ctx context.Context, jobID int64) error
	MarkReindexFailure(ctx context.Context, jobID int64, lastError string, maxAttempts int) error
	GetDocument(ctx context.Context, tenantID string, documentID uuid.UUID) (*storage.Document, error)
}

// JobProcessor re-runs the ingestion flow for one document.
type JobProcessor interface {
	Process(ctx context.Context, msg *ingest.Message) error
}

// Config holds runner settings.
type Config struct {
	StaleAfter     time.Duration // documents indexed before now-StaleAfter count as drifted
	MaxAttempts    int
	PollLimit      int
	SchemaVersion  string
	EmbeddingModel string
}

// Runner detects drifted documents, enqueues them, and works the queue.
type Runner struct {
	logger    *observability.Logger
	queue     Queue
	processor JobProcessor
	cfg       Config
}

// NewRunner wires a reindex runner.
func NewRunner(logger *observability.Logger, queue Queue, processor JobProcessor, cfg Config) *Runner {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * 24 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = 50
	}
	return &Runner{logger: logger, queue: queue, processor: processor, cfg: cfg}
}

// Options scope one run.
type Options struct {
	TenantID string // empty means all tenants
	Limit    int    // max jobs to process; 0 uses the poll limit
	DryRun   bool   // report what would run without processing
}

// Summary reports the outcome of one run.
type Summary struct {
	Enqueued        int           `json:"enqueued"`
	Processed       int           `json:"processed"`
	Failed          int           `json:"failed"`
	Skipped         int           `json:"skipped"`
	Duration        time.Duration `json:"-"`
	DurationSeconds float64       `json:"duration_seconds"`
}

// DetectDrift finds completed documents whose index no longer matches the
// current chunking schema or embedding model, or whose index is stale, and
// enqueues a reindex job for each.
func (r *Runner) DetectDrift(ctx context.Context, tenantID string) (int, error) {
	staleBefore := time.Now().UTC().Add(-r.cfg.StaleAfter)
	candidates, err := r.queue.FindDriftCandidates(ctx, tenantID, r.cfg.SchemaVersion, r.cfg.EmbeddingModel, staleBefore, r.cfg.PollLimit)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, c := range candidates {
		if err := r.queue.EnqueueReindex(ctx, c.TenantID, c.DocumentID, c.Reason, DriftPriority); err != nil {
			r.logger.Warn().Err(err).
				Str("tenant_id", c.TenantID).
				Str("document_id", c.DocumentID.String()).
				Msg("failed to enqueue drift candidate")
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		r.logger.Info().Int("enqueued", enqueued).Str("tenant_id", tenantID).Msg("drift candidates enqueued")
	}
	return enqueued, nil
}

// Run executes one detect-then-drain cycle and returns a summary. Jobs whose
// document row has vanished, or that another worker claimed first, count as
// skipped.
func (r *Runner) Run(ctx context.Context, opts Options) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}

	enqueued, err := r.DetectDrift(ctx, opts.TenantID)
	if err != nil {
		return nil, err
	}
	summary.Enqueued = enqueued

	limit := opts.Limit
	if limit <= 0 || limit > r.cfg.PollLimit {
		limit = r.cfg.PollLimit
	}

	// Tenant scoping happens in the fetch so a scoped run gets a full batch
	// rather than whatever survives filtering.
	jobs, err := r.queue.FetchReindexQueue(ctx, opts.TenantID, limit, r.cfg.MaxAttempts)
	if err != nil {
		return nil, err
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}

		if opts.DryRun {
			r.logger.Info().
				Int64("job_id", job.ID).
				Str("tenant_id", job.TenantID).
				Str("document_id", job.DocumentID.String()).
				Str("reason", job.Reason).
				Msg("dry run, job left pending")
			summary.Skipped++
			continue
		}

		switch err := r.runJob(ctx, job); {
		case err == nil:
			summary.Processed++
		case errors.Is(err, errSkipped):
			summary.Skipped++
		default:
			summary.Failed++
		}
	}

	summary.Duration = time.Since(start)
	summary.DurationSeconds = summary.Duration.Seconds()
	return summary, nil
}

var errSkipped = errors.New("reindex job skipped")

func (r *Runner) runJob(ctx context.Context, job storage.ReindexJob) error {
	logger := r.logger.WithTenant(job.TenantID).WithDocument(job.DocumentID.String())

	if err := r.queue.MarkReindexStarted(ctx, job.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Another worker claimed the job between fetch and start.
			return errSkipped
		}
		return err
	}

	doc, err := r.queue.GetDocument(ctx, job.TenantID, job.DocumentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warn().Int64("job_id", job.ID).Msg("document gone, dropping reindex job")
			if markErr := r.queue.MarkReindexSuccess(ctx, job.ID); markErr != nil {
				logger.Warn().Err(markErr).Msg("failed to finalize orphaned job")
			}
			return errSkipped
		}
		r.recordFailure(ctx, logger, job.ID, err)
		return err
	}

	msg := &ingest.Message{
		TenantID:      job.TenantID,
		DocumentID:    job.DocumentID,
		BlobURI:       doc.SourceURI,
		SourceURI:     doc.SourceURI,
		ContentType:   doc.ContentType,
		SchemaVersion: ingest.SchemaVersion,
		SubmittedAt:   doc.SubmittedAt,
		Attributes:    map[string]string{"reindex_reason": job.Reason},
	}

	if err := r.processor.Process(ctx, msg); err != nil {
		r.recordFailure(ctx, logger, job.ID, err)
		return err
	}

	if err := r.queue.MarkReindexSuccess(ctx, job.ID); err != nil {
		logger.Warn().Err(err).Int64("job_id", job.ID).Msg("failed to record job success")
	}
	logger.Info().Int64("job_id", job.ID).Str("reason", job.Reason).Msg("document reindexed")
	return nil
}

func (r *Runner) recordFailure(ctx context.Context, logger *observability.Logger, jobID int64, cause error) {
	logger.Warn().Err(cause).Int64("job_id", jobID).Msg("reindex job failed")
	if err := r.queue.MarkReindexFailure(ctx, jobID, cause.Error(), r.cfg.MaxAttempts); err != nil {
		logger.Warn().Err(err).Int64("job_id", jobID).Msg("failed to record job failure")
	}
}
