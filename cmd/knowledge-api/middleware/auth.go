// Package middleware provides HTTP middleware for the knowledge platform API.
package middleware

import (
	"context"
	"net/http"
	"strings"
)

// Context keys for request-scoped values.
type contextKey string

const (
	// TenantIDKey is the context key for tenant ID.
	TenantIDKey contextKey = "tenant_id"
	// SubjectKey is the context key for the authenticated subject.
	SubjectKey contextKey = "subject"
)

// AuthConfig holds authentication configuration. Token validation is handled
// upstream by the gateway; this layer extracts identity and enforces tenant
// scoping.
type AuthConfig struct {
	Enabled       bool
	DefaultTenant string
}

// Auth returns middleware that resolves the tenant and subject for each
// request. The tenant comes from the X-Tenant-ID header; requests without one
// are rejected when auth is enabled.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := r.Header.Get("X-Tenant-ID")
			if tenantID == "" {
				tenantID = r.URL.Query().Get("tenant_id")
			}
			if tenantID == "" {
				if cfg.Enabled {
					http.Error(w, `{"error": "missing tenant id"}`, http.StatusUnauthorized)
					return
				}
				tenantID = cfg.DefaultTenant
			}

			ctx := context.WithValue(r.Context(), TenantIDKey, tenantID)
			if subject := bearerSubject(r); subject != "" {
				ctx = context.WithValue(ctx, SubjectKey, subject)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerSubject extracts the opaque bearer token as the request subject.
// Signature validation happened at the gateway.
func bearerSubject(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// TenantFromContext extracts the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	if v := ctx.Value(TenantIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// SubjectFromContext extracts the authenticated subject from context.
func SubjectFromContext(ctx context.Context) string {
	if v := ctx.Value(SubjectKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// CORS returns CORS middleware for browser clients.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Tenant-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
