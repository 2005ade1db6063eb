package blob

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/knowledge-platform/internal/apperr"
)

// Scheme is the blob URI scheme accepted by the platform.
const Scheme = "s3"

// URI builds a blob URI from bucket and key.
func URI(bucket, key string) string {
	return fmt.Sprintf("%s://%s/%s", Scheme, bucket, key)
}

// ParseURI splits a blob URI into bucket and key, rejecting foreign schemes
// and malformed paths.
func ParseURI(uri string) (bucket, key string, err error) {
	prefix := Scheme + "://"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", apperr.Validation(fmt.Sprintf("blob URI must use %s scheme", Scheme)).
			WithContext("blob_uri", uri)
	}
	rest := strings.TrimPrefix(uri, prefix)
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", apperr.Validation("blob URI must be " + Scheme + "://bucket/key").
			WithContext("blob_uri", uri)
	}
	return bucket, key, nil
}

// ObjectKey builds the canonical storage key for an uploaded document:
// tenant/yyyy/mm/dd/document_id-filename.
func ObjectKey(tenantID string, documentID uuid.UUID, filename string, now time.Time) string {
	return path.Join(
		tenantID,
		now.UTC().Format("2006/01/02"),
		fmt.Sprintf("%s-%s", documentID, SanitizeFilename(filename)),
	)
}

// SanitizeFilename strips path separators and whitespace from an uploaded
// filename so it is safe to embed in an object key.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimSpace(name)
	// path.Base maps empty and all-separator inputs to "." or "/".
	if name == "" || name == "." || name == ".." || name == "/" {
		return "document.pdf"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "document.pdf"
	}
	return b.String()
}
