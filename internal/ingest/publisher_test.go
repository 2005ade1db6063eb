package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/knowledge-platform/internal/observability"
)

func newStreamClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPublisher_AppendsToStream(t *testing.T) {
	client := newStreamClient(t)
	pub := NewPublisher(observability.DefaultLogger(), client, "ingestion.jobs")
	ctx := context.Background()

	docID := uuid.New()
	id, err := pub.Publish(ctx, &Message{
		RequestID:     "req-1",
		TenantID:      "acme",
		DocumentID:    docID,
		Filename:      "doc.pdf",
		BlobURI:       "s3://bucket/doc.pdf",
		ContentType:   "application/pdf",
		SchemaVersion: SchemaVersion,
		Priority:      3,
		SubmittedAt:   time.Now().UTC(),
		Attributes:    map[string]string{"auth_subject": "user-1"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := client.XRange(ctx, "ingestion.jobs", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, "acme", entry.Values["tenant_id"])
	assert.Equal(t, "3", entry.Values["priority"])
	assert.Equal(t, "req-1", entry.Values["request_id"])
	assert.Equal(t, "user-1", entry.Values["attr_auth_subject"])

	// The data field round-trips through ParseMessage.
	body, attrs := decodeEntry(entry)
	msg, err := ParseMessage(body, attrs)
	require.NoError(t, err)
	assert.Equal(t, docID, msg.DocumentID)
	assert.Equal(t, "user-1", msg.Attributes["auth_subject"])
}

func TestEnsureGroup_Idempotent(t *testing.T) {
	client := newStreamClient(t)
	ctx := context.Background()

	require.NoError(t, EnsureGroup(ctx, client, "ingestion.jobs", "workers"))
	require.NoError(t, EnsureGroup(ctx, client, "ingestion.jobs", "workers"))
}

func TestWorkerAckSemantics(t *testing.T) {
	client := newStreamClient(t)
	ctx := context.Background()

	pub := NewPublisher(observability.DefaultLogger(), client, "ingestion.jobs")
	require.NoError(t, EnsureGroup(ctx, client, "ingestion.jobs", "workers"))

	_, err := pub.Publish(ctx, &Message{
		TenantID:      "acme",
		DocumentID:    uuid.New(),
		BlobURI:       "s3://bucket/doc.pdf",
		SchemaVersion: SchemaVersion,
	})
	require.NoError(t, err)

	// Claim the entry like the worker does.
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "workers",
		Consumer: "w1",
		Streams:  []string{"ingestion.jobs", ">"},
		Count:    5,
	}).Result()
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.Len(t, streams[0].Messages, 1)

	// Unacked entries stay pending for redelivery.
	pending, err := client.XPending(ctx, "ingestion.jobs", "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)

	// Ack clears the pending entry.
	require.NoError(t, client.XAck(ctx, "ingestion.jobs", "workers", streams[0].Messages[0].ID).Err())
	pending, err = client.XPending(ctx, "ingestion.jobs", "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestDecodeEntry_MalformedValuesIgnored(t *testing.T) {
	body, attrs := decodeEntry(redis.XMessage{
		ID: "1-1",
		Values: map[string]any{
			"data":      `{"tenant_id":"acme"}`,
			"attr_kind": "pdf",
			"ignored":   42,
		},
	})
	assert.Equal(t, `{"tenant_id":"acme"}`, string(body))
	assert.Equal(t, "pdf", attrs["kind"])
}
