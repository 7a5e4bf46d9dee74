package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RequireAuth returns middleware enforcing HS256 bearer-token authentication
// on every request it wraps.
//
// The Authorization header must carry a compact JWT signed with secret. Only
// HS256 is accepted; tokens signed with any other algorithm are rejected
// before signature verification, which also blocks alg-substitution tricks.
// Expiry and not-before claims are checked by the parser when present.
//
// On failure the response is HTTP 401 with a JSON error body and the wrapped
// handler is never called.
func RequireAuth(secret string, logger *slog.Logger) func(http.Handler) http.Handler {
	key := []byte(secret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("Authorization")
			if !strings.HasPrefix(raw, "Bearer ") {
				writeJSONError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}
			token := strings.TrimPrefix(raw, "Bearer ")

			_, err := jwt.Parse(token,
				func(*jwt.Token) (any, error) { return key, nil },
				jwt.WithValidMethods([]string{"HS256"}),
			)
			if err != nil {
				logger.Warn("rejected api request",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.Any("error", err),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
