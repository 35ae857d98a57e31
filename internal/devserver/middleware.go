package devserver

import (
	"context"
	"net/http"
	"strings"

	"betapp/internal/postgrest"
)

type contextKey string

const identityContextKey contextKey = "identity"

// WithIdentity returns a new context carrying the caller's user id.
func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// Identity extracts the caller's user id; "" means anonymous.
func Identity(r *http.Request) string {
	id, _ := r.Context().Value(identityContextKey).(string)
	return id
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.anonKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("apikey")
		if key == "" {
			key = r.URL.Query().Get("apikey")
		}
		if key != s.anonKey {
			writeJSON(w, http.StatusUnauthorized, postgrest.ErrorBody{Message: "Invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate validates the Bearer token, if it is not the anon key, and
// attaches the token's subject to the context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			writeJSON(w, http.StatusUnauthorized, postgrest.ErrorBody{Code: "PGRST301", Message: "invalid Authorization header"})
			return
		}
		tokenStr := strings.TrimSpace(authHeader[len("Bearer "):])
		if tokenStr == "" || tokenStr == s.anonKey {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := s.tokens.ParseAccess(tokenStr)
		if err != nil {
			s.log.Debug("rejected token", "error", err)
			writeJSON(w, http.StatusUnauthorized, postgrest.ErrorBody{Code: "PGRST301", Message: "JWT invalid or expired"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), claims.Subject)))
	})
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if Identity(r) == "" {
			writeJSON(w, http.StatusUnauthorized, postgrest.ErrorBody{Message: "a user session is required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
