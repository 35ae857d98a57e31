// Package devserver is a local stand-in for the managed backend: identity
// endpoints, the row REST endpoint with per-user row visibility, and the
// realtime change feed.
package devserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"betapp/internal/domain"
	"betapp/internal/postgrest"
	"betapp/internal/security"
	"betapp/internal/store"
)

type Options struct {
	Store       *store.Store
	Tokens      *security.TokenService
	Hasher      *security.PasswordHasher
	AnonKey     string
	CORSOrigins []string
	RequestLog  bool
	Logger      *slog.Logger
}

type Server struct {
	store   *store.Store
	tokens  *security.TokenService
	hasher  *security.PasswordHasher
	hub     *Hub
	anonKey string
	log     *slog.Logger
	handler http.Handler
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:   opts.Store,
		tokens:  opts.Tokens,
		hasher:  opts.Hasher,
		anonKey: opts.AnonKey,
		log:     logger.With("component", "devserver"),
	}
	s.hub = NewHub(opts.Tokens, opts.Store, opts.AnonKey, opts.CORSOrigins, logger)
	s.handler = s.routes(opts)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Hub exposes the realtime hub, mainly so callers can close it on shutdown.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes(opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if opts.RequestLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "apikey", "Prefer", "X-Client-Info"},
		ExposedHeaders:   []string{"Content-Range"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Route("/auth/v1", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/signup", s.handleSignUp)
		r.Post("/token", s.handleToken)
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate, requireUser)
			r.Post("/logout", s.handleLogout)
			r.Get("/user", s.handleUser)
		})
	})

	r.Route("/rest/v1", func(r chi.Router) {
		r.Use(s.requireAPIKey, s.authenticate)
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/rpc/{name}", s.handleRPC)
		r.Get("/{table}", s.handleSelect)
		r.Post("/{table}", s.handleInsert)
		r.Patch("/{table}", s.handleUpdate)
	})

	r.With(s.requireAPIKey).Get("/realtime/v1/websocket", s.hub.ServeHTTP)

	return r
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeJSON(w, status, body)
}

func errorResponse(err error) (int, postgrest.ErrorBody) {
	body := postgrest.ErrorBody{Message: err.Error()}
	var derr *domain.Error
	if errors.As(err, &derr) {
		body.Code = derr.Code
		body.Message = derr.Message
	}
	switch {
	case errors.Is(err, postgrest.ErrSyntax):
		body.Code = "PGRST100"
		return http.StatusBadRequest, body
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, body
	case errors.Is(err, domain.ErrNotAuthenticated):
		if body.Code == "42501" {
			return http.StatusForbidden, body
		}
		return http.StatusUnauthorized, body
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, body
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, body
	default:
		return http.StatusInternalServerError, postgrest.ErrorBody{Message: "internal error"}
	}
}
