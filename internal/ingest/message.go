// Package ingest provides the message-driven document ingestion worker.
package ingest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/knowledge-platform/internal/apperr"
)

// SchemaVersion is the current ingestion message schema.
const SchemaVersion = "2024-09-15"

// minChunkSize is the smallest chunk size a message may request.
const minChunkSize = 200

// ChunkConfig lets a message override the worker's chunking geometry.
type ChunkConfig struct {
	Size    int `json:"size"`
	Overlap int `json:"overlap"`
}

// Message is one ingestion job. Attributes carried by the broker override
// body attributes of the same name.
type Message struct {
	RequestID     string            `json:"request_id"`
	TenantID      string            `json:"tenant_id"`
	DocumentID    uuid.UUID         `json:"document_id"`
	Filename      string            `json:"filename"`
	BlobURI       string            `json:"blob_uri"`
	SourceURI     string            `json:"source_uri,omitempty"`
	ContentType   string            `json:"content_type"`
	Priority      int               `json:"priority,omitempty"`
	SchemaVersion string            `json:"schema_version"`
	SubmittedAt   time.Time         `json:"submitted_at"`
	ChunkConfig   *ChunkConfig      `json:"chunk_config,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// requiredFields lists the body fields a message must carry.
var requiredFields = []string{
	"request_id", "tenant_id", "document_id", "filename",
	"blob_uri", "content_type", "submitted_at",
}

// ParseMessage decodes and validates a message body, then merges broker
// attributes over body attributes. A malformed or incomplete message is a
// permanent failure.
func ParseMessage(body []byte, brokerAttrs map[string]string) (*Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apperr.Validation("message body is not valid JSON").WithCause(err)
	}
	for _, field := range requiredFields {
		if _, ok := raw[field]; !ok {
			return nil, apperr.Validation("message missing required field").
				WithContext("field", field)
		}
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, apperr.Validation("message body does not match schema").WithCause(err)
	}
	if msg.TenantID == "" {
		return nil, apperr.Validation("tenant_id must not be empty")
	}
	if msg.DocumentID == uuid.Nil {
		return nil, apperr.Validation("document_id must be a valid UUID")
	}
	if cc := msg.ChunkConfig; cc != nil {
		if cc.Size < minChunkSize {
			return nil, apperr.Validation("chunk_config.size is below the minimum").
				WithContext("size", strconv.Itoa(cc.Size))
		}
		if cc.Overlap < 0 || cc.Overlap >= cc.Size {
			return nil, apperr.Validation("chunk_config.overlap must be in [0, size)").
				WithContext("overlap", strconv.Itoa(cc.Overlap))
		}
	}

	if msg.Attributes == nil {
		msg.Attributes = make(map[string]string, len(brokerAttrs))
	}
	for k, v := range brokerAttrs {
		msg.Attributes[k] = v
	}
	if v, ok := msg.Attributes["priority"]; ok {
		if p, err := strconv.Atoi(v); err == nil {
			msg.Priority = p
		}
	}
	if v, ok := msg.Attributes["request_id"]; ok && v != "" {
		msg.RequestID = v
	}

	return &msg, nil
}

// PushEnvelope is the JSON body of a push delivery: the broker wraps the
// message payload in base64 alongside its attributes.
type PushEnvelope struct {
	Message struct {
		Data       string            `json:"data"`
		Attributes map[string]string `json:"attributes"`
		MessageID  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DecodePushEnvelope unwraps a push delivery into a validated Message.
func DecodePushEnvelope(body []byte) (*Message, error) {
	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperr.Validation("push envelope is not valid JSON").WithCause(err)
	}
	if env.Message.Data == "" {
		return nil, apperr.Validation("push envelope has no message data")
	}
	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return nil, apperr.Validation("push envelope data is not valid base64").WithCause(err)
	}
	return ParseMessage(data, env.Message.Attributes)
}

// Encode serializes the message body for publishing.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal ingestion message: %w", err)
	}
	return data, nil
}
