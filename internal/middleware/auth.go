package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"custodyd/internal/infrastructure"
)

// BearerAuth authenticates requests against the configured operator tokens.
// The session layer in front of the service issues the tokens; the core only
// cares whether the caller presented one of them. Unauthenticated callers are
// limited to the public validation endpoint and the liveness probe, which are
// mounted outside this middleware.
type BearerAuth struct {
	tokens [][]byte
	logger *slog.Logger
}

// NewBearerAuth creates the auth middleware from the configured token list.
func NewBearerAuth(tokens []string, logger *slog.Logger) *BearerAuth {
	b := &BearerAuth{logger: logger}
	for _, t := range tokens {
		if t != "" {
			b.tokens = append(b.tokens, []byte(t))
		}
	}
	return b
}

// Handler rejects requests lacking a valid bearer token.
func (b *BearerAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !b.match(token) {
			b.logger.WarnContext(ctx, "unauthenticated request rejected",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)

			w.Header().Set("Content-Type", "application/problem+json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="custody"`)
			w.WriteHeader(http.StatusUnauthorized)
			traceID := infrastructure.GetTraceID(ctx)
			response := `{"type":"/errors/unauthorized","title":"Unauthorized","status":401,"detail":"A valid bearer token is required","trace_id":"` + traceID + `"}`
			_, _ = w.Write([]byte(response))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (b *BearerAuth) match(token string) bool {
	presented := []byte(token)
	for _, want := range b.tokens {
		if len(want) == len(presented) && subtle.ConstantTimeCompare(want, presented) == 1 {
			return true
		}
	}
	return false
}
