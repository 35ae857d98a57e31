package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"betapp/internal/domain"
)

// ErrConfirmationRequired is returned by SignUp when the account exists but
// has no session until the user confirms their email.
var ErrConfirmationRequired = errors.New("sign-up requires confirmation")

// AuthUser is the identity provider's view of a user.
type AuthUser struct {
	ID    domain.Identity `json:"id"`
	Email string          `json:"email"`
}

type authResponse struct {
	domain.Tokens
	User *AuthUser `json:"user,omitempty"`
}

type credentials struct {
	Email    string            `json:"email"`
	Password string            `json:"password"`
	Data     map[string]string `json:"data,omitempty"`
}

// SignInWithPassword exchanges email and password for a session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (domain.Tokens, error) {
	var resp authResponse
	params := url.Values{"grant_type": {"password"}}
	body := credentials{Email: email, Password: password}
	if err := c.doWithToken(ctx, c.anonKey, http.MethodPost, "/auth/v1/token", params, nil, body, &resp); err != nil {
		return domain.Tokens{}, fmt.Errorf("sign in: %w", err)
	}
	if resp.AccessToken == "" {
		return domain.Tokens{}, fmt.Errorf("sign in: %w: no access token", domain.ErrInternal)
	}
	return resp.Tokens, nil
}

// SignUp registers a user. Profile metadata such as username and name is
// passed through to the identity provider.
func (c *Client) SignUp(ctx context.Context, email, password string, meta map[string]string) (domain.Tokens, error) {
	var resp authResponse
	body := credentials{Email: email, Password: password, Data: meta}
	if err := c.doWithToken(ctx, c.anonKey, http.MethodPost, "/auth/v1/signup", nil, nil, body, &resp); err != nil {
		return domain.Tokens{}, fmt.Errorf("sign up: %w", err)
	}
	if resp.AccessToken == "" {
		return domain.Tokens{}, ErrConfirmationRequired
	}
	return resp.Tokens, nil
}

// RefreshSession trades a refresh token for a new session.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (domain.Tokens, error) {
	var resp authResponse
	params := url.Values{"grant_type": {"refresh_token"}}
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.doWithToken(ctx, c.anonKey, http.MethodPost, "/auth/v1/token", params, nil, body, &resp); err != nil {
		return domain.Tokens{}, fmt.Errorf("refresh session: %w", err)
	}
	return resp.Tokens, nil
}

// SignOut revokes the session behind accessToken.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	if err := c.doWithToken(ctx, accessToken, http.MethodPost, "/auth/v1/logout", nil, nil, nil, nil); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}
