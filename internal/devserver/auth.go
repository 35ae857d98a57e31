package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"betapp/internal/domain"
	"betapp/internal/postgrest"
	"betapp/internal/security"
	"betapp/internal/store"
)

type authRequest struct {
	Email        string            `json:"email"`
	Password     string            `json:"password"`
	Data         map[string]string `json:"data"`
	RefreshToken string            `json:"refresh_token"`
}

type authUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type sessionResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int      `json:"expires_in"`
	ExpiresAt    int64    `json:"expires_at"`
	User         authUser `json:"user"`
}

func authError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, postgrest.ErrorBody{Code: code, Message: msg})
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		authError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if !strings.Contains(req.Email, "@") {
		authError(w, http.StatusUnprocessableEntity, "validation_failed", "unable to validate email address")
		return
	}

	hash, err := s.hasher.Hash(req.Password)
	if errors.Is(err, security.ErrWeakPassword) {
		authError(w, http.StatusUnprocessableEntity, "weak_password", err.Error())
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Email, hash, req.Data)
	if errors.Is(err, domain.ErrConflict) {
		authError(w, http.StatusUnprocessableEntity, "user_already_exists", "User already registered")
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("user signed up", "user_id", user.ID)
	s.issueSession(w, user)
}

// handleToken serves the password and refresh_token grants.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		authError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}

	var (
		user store.User
		err  error
	)
	switch grant := r.URL.Query().Get("grant_type"); grant {
	case "password":
		user, err = s.store.UserByEmail(r.Context(), req.Email)
		if err == nil {
			err = s.hasher.Verify(req.Password, user.PasswordHash)
		}
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, security.ErrWrongPassword) {
			authError(w, http.StatusBadRequest, "invalid_credentials", "Invalid login credentials")
			return
		}
	case "refresh_token":
		claims, perr := s.tokens.ParseRefresh(req.RefreshToken)
		if perr != nil {
			authError(w, http.StatusBadRequest, "refresh_token_not_found", "Invalid Refresh Token")
			return
		}
		user, err = s.store.UserByID(r.Context(), claims.Subject)
		if errors.Is(err, domain.ErrNotFound) {
			authError(w, http.StatusBadRequest, "user_not_found", "User from refresh token not found")
			return
		}
	default:
		authError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant_type "+grant)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.issueSession(w, user)
}

func (s *Server) issueSession(w http.ResponseWriter, user store.User) {
	access, err := s.tokens.IssueAccess(user.ID, user.Email)
	if err != nil {
		s.writeError(w, err)
		return
	}
	refresh, err := s.tokens.IssueRefresh(user.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ttl := s.tokens.AccessTTL()
	writeJSON(w, http.StatusOK, sessionResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(ttl.Seconds()),
		ExpiresAt:    time.Now().Add(ttl).Unix(),
		User:         authUser{ID: user.ID, Email: user.Email, Role: security.RoleAuthenticated},
	})
}

// handleLogout acknowledges the sign-out. Tokens are stateless and simply
// expire.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.log.Info("user signed out", "user_id", Identity(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.UserByID(r.Context(), Identity(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authUser{ID: user.ID, Email: user.Email, Role: security.RoleAuthenticated})
}
