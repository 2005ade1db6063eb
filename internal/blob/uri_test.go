package blob

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/knowledge-platform/internal/apperr"
)

func TestParseURI(t *testing.T) {
	bucket, key, err := ParseURI("s3://docs-bucket/acme/2026/08/25/abc-file.pdf")
	require.NoError(t, err)
	assert.Equal(t, "docs-bucket", bucket)
	assert.Equal(t, "acme/2026/08/25/abc-file.pdf", key)
}

func TestParseURI_RejectsForeignScheme(t *testing.T) {
	_, _, err := ParseURI("gs://bucket/key")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	assert.True(t, apperr.IsPermanent(err))
}

func TestParseURI_RejectsMissingKey(t *testing.T) {
	for _, uri := range []string{"s3://bucket", "s3://bucket/", "s3:///key", "not-a-uri"} {
		_, _, err := ParseURI(uri)
		assert.Error(t, err, uri)
	}
}

func TestObjectKey_Layout(t *testing.T) {
	docID := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	now := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)

	key := ObjectKey("acme", docID, "Q3 Report.pdf", now)
	assert.Equal(t, "acme/2026/08/25/11111111-2222-3333-4444-555555555555-Q3_Report.pdf", key)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{"weird name!.pdf", "weird_name_.pdf"},
		{"", "document.pdf"},
		{".", "document.pdf"},
		{"..", "document.pdf"},
		{"///", "document.pdf"},
		{"windows\\path\\file.pdf", "file.pdf"},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			assert.Equal(t, tc.expected, SanitizeFilename(tc.input))
		})
	}
}

func TestURIRoundTrip(t *testing.T) {
	uri := URI("bucket", "a/b/c.pdf")
	bucket, key, err := ParseURI(uri)
	require.NoError(t, err)
	assert.Equal(t, "bucket", bucket)
	assert.Equal(t, "a/b/c.pdf", key)
}
