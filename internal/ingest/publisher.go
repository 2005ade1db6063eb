package ingest

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/spherical-ai/knowledge-platform/internal/apperr"
	"github.com/spherical-ai/knowledge-platform/internal/observability"
)

// Publisher appends ingestion messages to the Redis stream consumed by the
// worker group.
type Publisher struct {
	logger *observability.Logger
	client *redis.Client
	stream string
}

// NewPublisher creates a stream publisher.
func NewPublisher(logger *observability.Logger, client *redis.Client, stream string) *Publisher {
	return &Publisher{logger: logger, client: client, stream: stream}
}

// Publish appends a message to the stream. The payload travels in the "data"
// field; broker attributes are flattened into their own fields so they
// survive independently of the body.
func (p *Publisher) Publish(ctx context.Context, msg *Message) (string, error) {
	data, err := msg.Encode()
	if err != nil {
		return "", err
	}

	values := map[string]any{
		"data":           string(data),
		"tenant_id":      msg.TenantID,
		"schema_version": msg.SchemaVersion,
		"priority":       strconv.Itoa(msg.Priority),
	}
	if msg.RequestID != "" {
		values["request_id"] = msg.RequestID
	}
	for k, v := range msg.Attributes {
		values["attr_"+k] = v
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", apperr.TransientIO("publish ingestion message", err)
	}

	p.logger.Info().
		Str("tenant_id", msg.TenantID).
		Str("document_id", msg.DocumentID.String()).
		Str("stream_id", id).
		Msg("ingestion message published")

	return id, nil
}

// EnsureGroup creates the consumer group if it does not exist, starting from
// the beginning of the stream.
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}
