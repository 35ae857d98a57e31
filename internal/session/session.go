// Package session tracks the signed-in identity and its tokens.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"betapp/internal/domain"
)

// Authenticator performs credential exchanges with the identity provider.
type Authenticator interface {
	SignInWithPassword(ctx context.Context, email, password string) (domain.Tokens, error)
	SignUp(ctx context.Context, email, password string, meta map[string]string) (domain.Tokens, error)
	RefreshSession(ctx context.Context, refreshToken string) (domain.Tokens, error)
	SignOut(ctx context.Context, accessToken string) error
}

// Store persists tokens between runs. Load returns ErrNoSession when
// nothing is stored.
type Store interface {
	Load() (domain.Tokens, error)
	Save(domain.Tokens) error
	Clear() error
}

var ErrNoSession = errors.New("no stored session")

// refreshMargin is how close to expiry a restored token is refreshed.
const refreshMargin = time.Minute

// Provider implements domain.Session.
type Provider struct {
	auth  Authenticator
	store Store
	log   *slog.Logger

	mu        sync.RWMutex
	tokens    domain.Tokens
	identity  domain.Identity
	expiresAt time.Time
	listeners map[int]func(domain.Identity)
	nextID    int
}

var _ domain.Session = (*Provider)(nil)

// New creates a Provider. store may be nil to keep the session in memory.
func New(auth Authenticator, store Store, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		auth:      auth,
		store:     store,
		log:       logger.With("component", "session"),
		listeners: make(map[int]func(domain.Identity)),
	}
}

func (p *Provider) CurrentIdentity() domain.Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.identity
}

// AccessToken returns the current access token or "".
func (p *Provider) AccessToken() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tokens.AccessToken
}

func (p *Provider) OnChange(fn func(domain.Identity)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// ExpiresAt is when the current access token expires, or zero.
func (p *Provider) ExpiresAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.expiresAt
}

// Restore loads a persisted session, refreshing it if it has expired.
// It returns ErrNoSession when there is nothing usable to restore.
func (p *Provider) Restore(ctx context.Context) error {
	if p.store == nil {
		return ErrNoSession
	}
	tokens, err := p.store.Load()
	if err != nil {
		return err
	}
	_, exp, err := IdentityFromToken(tokens.AccessToken)
	if err != nil {
		_ = p.store.Clear()
		return fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	if !exp.IsZero() && time.Until(exp) < refreshMargin {
		if tokens.RefreshToken == "" {
			_ = p.store.Clear()
			return ErrNoSession
		}
		tokens, err = p.auth.RefreshSession(ctx, tokens.RefreshToken)
		if err != nil {
			return fmt.Errorf("refresh stored session: %w", err)
		}
	}
	return p.establish(tokens)
}

// SignIn authenticates with email and password.
func (p *Provider) SignIn(ctx context.Context, email, password string) error {
	tokens, err := p.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		return err
	}
	return p.establish(tokens)
}

// SignUp registers a new account. The gateway's confirmation error passes
// through unchanged when the provider does not issue a session yet.
func (p *Provider) SignUp(ctx context.Context, email, password, username, name string) error {
	meta := map[string]string{"username": username, "name": name}
	tokens, err := p.auth.SignUp(ctx, email, password, meta)
	if err != nil {
		return err
	}
	return p.establish(tokens)
}

// SignOut revokes the session remotely (best effort) and clears it locally.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.RLock()
	access := p.tokens.AccessToken
	p.mu.RUnlock()
	if access == "" {
		return nil
	}
	if err := p.auth.SignOut(ctx, access); err != nil {
		p.log.Warn("remote sign out failed", "error", err)
	}
	if p.store != nil {
		if err := p.store.Clear(); err != nil {
			p.log.Warn("clear stored session", "error", err)
		}
	}
	p.set(domain.Tokens{}, "", time.Time{})
	return nil
}

func (p *Provider) establish(tokens domain.Tokens) error {
	id, exp, err := IdentityFromToken(tokens.AccessToken)
	if err != nil {
		return err
	}
	if p.store != nil {
		if err := p.store.Save(tokens); err != nil {
			p.log.Warn("persist session", "error", err)
		}
	}
	p.set(tokens, id, exp)
	return nil
}

func (p *Provider) set(tokens domain.Tokens, id domain.Identity, exp time.Time) {
	p.mu.Lock()
	changed := p.identity != id
	p.tokens = tokens
	p.identity = id
	p.expiresAt = exp
	var fns []func(domain.Identity)
	if changed {
		for _, fn := range p.listeners {
			fns = append(fns, fn)
		}
	}
	p.mu.Unlock()

	if changed {
		p.log.Info("identity changed", "identity", string(id))
	}
	for _, fn := range fns {
		fn(id)
	}
}

// IdentityFromToken reads the subject and expiry from an access token
// without verifying its signature; the backend verifies it on every call.
func IdentityFromToken(token string) (domain.Identity, time.Time, error) {
	if token == "" {
		return "", time.Time{}, domain.ErrNotAuthenticated
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: parse access token: %v", domain.ErrNotAuthenticated, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", time.Time{}, fmt.Errorf("%w: access token has no subject", domain.ErrNotAuthenticated)
	}
	var exp time.Time
	if e, err := claims.GetExpirationTime(); err == nil && e != nil {
		exp = e.Time
	}
	return domain.Identity(sub), exp, nil
}
