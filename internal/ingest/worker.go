package ingest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spherical-ai/knowledge-platform/internal/apperr"
	"github.com/spherical-ai/knowledge-platform/internal/observability"
)

// WorkerConfig holds consumer group settings. ClaimMinIdle is how long an
// unacked entry may sit in the pending list before any consumer may claim and
// reprocess it; ClaimInterval is how often the worker sweeps for such entries.
type WorkerConfig struct {
	Stream        string
	Group         string
	Consumer      string
	MaxConcurrent int
	MaxBytes      int64
	BlockInterval time.Duration
	ClaimMinIdle  time.Duration
	ClaimInterval time.Duration
}

// Worker consumes ingestion messages from a Redis stream with a consumer
// group. Delivery is at least once: processed messages are acked, permanent
// failures are acked after the document is marked failed, and transient
// failures stay pending for redelivery.
type Worker struct {
	logger    *observability.Logger
	client    *redis.Client
	processor *Processor
	cfg       WorkerConfig

	inflightBytes atomic.Int64
}

// NewWorker creates a worker.
func NewWorker(logger *observability.Logger, client *redis.Client, processor *Processor, cfg WorkerConfig) *Worker {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 20_000_000
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = 5 * time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 30 * time.Second
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 10 * time.Second
	}
	return &Worker{logger: logger, client: client, processor: processor, cfg: cfg}
}

// Run consumes until ctx is cancelled, then drains in-flight messages.
func (w *Worker) Run(ctx context.Context) error {
	if err := EnsureGroup(ctx, w.client, w.cfg.Stream, w.cfg.Group); err != nil {
		return err
	}

	slots := make(chan struct{}, w.cfg.MaxConcurrent)
	var wg sync.WaitGroup

	w.logger.Info().
		Str("stream", w.cfg.Stream).
		Str("group", w.cfg.Group).
		Str("consumer", w.cfg.Consumer).
		Int("max_concurrent", w.cfg.MaxConcurrent).
		Msg("ingestion worker started")

	nextClaim := time.Now().Add(w.cfg.ClaimInterval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("ingestion worker draining")
			wg.Wait()
			return nil
		default:
		}

		// Flow control: hold off claiming new work while the in-flight
		// payload bytes exceed the cap.
		if w.inflightBytes.Load() >= w.cfg.MaxBytes {
			select {
			case <-ctx.Done():
				continue
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		// XREADGROUP with ">" only sees entries never delivered to this
		// group. Entries whose consumer died or hit a transient failure sit
		// in the pending list, so sweep it periodically and reprocess
		// anything idle past the threshold.
		if time.Now().After(nextClaim) {
			if !w.claimStale(ctx, slots, &wg) {
				wg.Wait()
				return nil
			}
			nextClaim = time.Now().Add(w.cfg.ClaimInterval)
		}

		streams, err := w.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			Streams:  []string{w.cfg.Stream, ">"},
			Count:    int64(w.cfg.MaxConcurrent),
			Block:    w.cfg.BlockInterval,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			w.logger.Warn().Err(err).Msg("stream read failed")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				if !w.dispatch(ctx, slots, &wg, entry) {
					wg.Wait()
					return nil
				}
			}
		}
	}
}

// claimStale takes over pending entries idle past ClaimMinIdle and feeds them
// back through the normal handling path. Returns false when ctx was cancelled
// mid-dispatch.
func (w *Worker) claimStale(ctx context.Context, slots chan struct{}, wg *sync.WaitGroup) bool {
	entries, _, err := w.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   w.cfg.Stream,
		Group:    w.cfg.Group,
		Consumer: w.cfg.Consumer,
		MinIdle:  w.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    int64(w.cfg.MaxConcurrent),
	}).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("pending entry claim failed")
		}
		return true
	}
	if len(entries) > 0 {
		w.logger.Info().Int("claimed", len(entries)).Msg("reprocessing stale pending entries")
	}
	for _, entry := range entries {
		if !w.dispatch(ctx, slots, wg, entry) {
			return false
		}
	}
	return true
}

// dispatch hands one entry to a handler goroutine, blocking for a concurrency
// slot. Returns false when ctx was cancelled before a slot opened.
func (w *Worker) dispatch(ctx context.Context, slots chan struct{}, wg *sync.WaitGroup, entry redis.XMessage) bool {
	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		return false
	}

	wg.Add(1)
	go func(entry redis.XMessage) {
		defer wg.Done()
		defer func() { <-slots }()
		w.handle(ctx, entry)
	}(entry)
	return true
}

// handle processes one stream entry and decides ack semantics.
func (w *Worker) handle(ctx context.Context, entry redis.XMessage) {
	body, attrs := decodeEntry(entry)
	w.inflightBytes.Add(int64(len(body)))
	defer w.inflightBytes.Add(-int64(len(body)))

	msg, err := ParseMessage(body, attrs)
	if err != nil {
		// Undecodable messages can never succeed; ack to drop them.
		w.logger.Error().Err(err).Str("stream_id", entry.ID).Msg("dropping malformed message")
		w.ack(entry.ID)
		return
	}

	err = w.processor.Process(ctx, msg)
	switch {
	case err == nil:
		w.ack(entry.ID)
	case apperr.IsPermanent(err):
		// Document already marked failed; redelivery cannot help.
		w.ack(entry.ID)
	default:
		// Leave pending for redelivery.
		w.logger.Warn().
			Err(err).
			Str("stream_id", entry.ID).
			Str("document_id", msg.DocumentID.String()).
			Msg("message left pending for retry")
	}
}

func (w *Worker) ack(entryID string) {
	// Use a detached context so draining still acks finished work.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.client.XAck(ctx, w.cfg.Stream, w.cfg.Group, entryID).Err(); err != nil {
		w.logger.Error().Err(err).Str("stream_id", entryID).Msg("ack failed")
	}
}

// decodeEntry splits a stream entry into the message body and broker
// attributes.
func decodeEntry(entry redis.XMessage) ([]byte, map[string]string) {
	var body []byte
	attrs := make(map[string]string)
	for k, v := range entry.Values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch {
		case k == "data":
			body = []byte(s)
		case strings.HasPrefix(k, "attr_"):
			attrs[strings.TrimPrefix(k, "attr_")] = s
		case k == "tenant_id" || k == "request_id" || k == "schema_version" || k == "priority":
			attrs[k] = s
		}
	}
	return body, attrs
}
