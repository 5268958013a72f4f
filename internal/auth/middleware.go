package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// PublicKeyHeader may carry the signing JWK for tokens without a jwk header
const PublicKeyHeader = "X-Public-Key-Jwk"

type contextKey struct{}

// WithSubject returns a copy of ctx carrying the verified subject
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, contextKey{}, subject)
}

// SubjectFromContext returns the subject set by Middleware
func SubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(contextKey{}).(string)
	return subject, ok && subject != ""
}

// BearerToken extracts the token from an Authorization header
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Authenticate verifies the request's bearer token
func (v *Verifier) Authenticate(r *http.Request) (string, error) {
	var fallback *JWK
	if raw := r.Header.Get(PublicKeyHeader); raw != "" {
		var k JWK
		if err := json.Unmarshal([]byte(raw), &k); err == nil {
			fallback = &k
		}
	}
	subject, _, err := v.Verify(BearerToken(r), fallback)
	return subject, err
}

// Middleware rejects unauthenticated requests with 401 and passes the
// subject down on the request context.
func Middleware(v *Verifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := v.Authenticate(r)
			if err != nil {
				logger.Debug("Rejected request",
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}
