// Package apperr defines the typed error taxonomy shared across the platform.
//
// Every error carries a stable machine-readable code and an HTTP status. The
// Permanent flag decides broker semantics: permanent failures are acked and
// recorded, transient failures are left pending for redelivery.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes.
const (
	CodeValidation         = "validation_error"
	CodeUnsupportedDocType = "unsupported_document_type"
	CodeBlobNotFound       = "blob_not_found"
	CodeTransientIO        = "transient_io"
	CodeEmbeddingConfig    = "embedding_configuration_error"
	CodeEmptyDocument      = "empty_document"
	CodeMissingTempFile    = "missing_temp_file"
	CodeParseError         = "pdf_parse_error"
	CodeLLMFailed          = "llm_failed"
	CodeNotFound           = "not_found"
	CodeInternal           = "internal_error"
)

// Error is the platform error type.
type Error struct {
	Code       string
	Message    string
	StatusCode int
	Permanent  bool
	Context    map[string]any
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithContext attaches a key/value pair for logging and API detail payloads.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// New creates an error with an explicit code and status.
func New(code, message string, status int, permanent bool) *Error {
	return &Error{Code: code, Message: message, StatusCode: status, Permanent: permanent}
}

// Validation creates a permanent client error.
func Validation(message string) *Error {
	return New(CodeValidation, message, http.StatusBadRequest, true)
}

// UnsupportedDocumentType rejects non-PDF uploads.
func UnsupportedDocumentType(contentType string) *Error {
	return New(CodeUnsupportedDocType, "only application/pdf documents are supported",
		http.StatusUnsupportedMediaType, true).WithContext("content_type", contentType)
}

// BlobNotFound marks a missing blob as a permanent ingestion failure.
func BlobNotFound(uri string) *Error {
	return New(CodeBlobNotFound, "blob does not exist", http.StatusNotFound, true).
		WithContext("blob_uri", uri)
}

// TransientIO marks a retryable infrastructure failure.
func TransientIO(message string, cause error) *Error {
	return New(CodeTransientIO, message, http.StatusServiceUnavailable, false).WithCause(cause)
}

// EmbeddingConfig marks a provider/model configuration problem. Retrying the
// same message cannot succeed, so it is permanent.
func EmbeddingConfig(message string, cause error) *Error {
	return New(CodeEmbeddingConfig, message, http.StatusInternalServerError, true).WithCause(cause)
}

// EmptyDocument marks a parsed document that produced no text.
func EmptyDocument(documentID string) *Error {
	return New(CodeEmptyDocument, "document produced no extractable text",
		http.StatusUnprocessableEntity, true).WithContext("document_id", documentID)
}

// MissingTempFile marks a pipeline input path that does not exist.
func MissingTempFile(path string) *Error {
	return New(CodeMissingTempFile, "pipeline input file does not exist",
		http.StatusInternalServerError, true).WithContext("path", path)
}

// ParseError marks an unreadable or corrupt PDF.
func ParseError(cause error) *Error {
	return New(CodeParseError, "failed to parse PDF", http.StatusUnprocessableEntity, true).
		WithCause(cause)
}

// LLMFailed marks exhaustion of the model fallback chain.
func LLMFailed(cause error) *Error {
	return New(CodeLLMFailed, "all configured models failed", http.StatusBadGateway, false).
		WithCause(cause)
}

// NotFound creates a generic missing-resource error.
func NotFound(resource string) *Error {
	return New(CodeNotFound, resource+" not found", http.StatusNotFound, true)
}

// Internal wraps an unexpected failure.
func Internal(cause error) *Error {
	return New(CodeInternal, "internal error", http.StatusInternalServerError, false).
		WithCause(cause)
}

// IsPermanent reports whether err (or any wrapped cause) is a permanent
// platform error. Unknown errors are treated as transient so the broker
// redelivers them.
func IsPermanent(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Permanent
	}
	return false
}

// CodeOf returns the platform code for err, or CodeInternal for foreign errors.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// StatusOf returns the HTTP status for err, defaulting to 500.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return http.StatusInternalServerError
}
