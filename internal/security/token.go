// Package security issues and verifies the dev backend's credentials.
package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAuthenticated = "authenticated"

	tokenAccess  = "access"
	tokenRefresh = "refresh"
)

var ErrWrongTokenKind = errors.New("security: wrong token kind")

// Claims are the access-token claims clients read: sub is the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	Kind  string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenService wraps JWT creation and validation.
type TokenService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewTokenService(secret string, accessTTL time.Duration) *TokenService {
	return &TokenService{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: 30 * 24 * time.Hour,
	}
}

// AccessTTL is the lifetime of tokens from IssueAccess.
func (t *TokenService) AccessTTL() time.Duration {
	return t.accessTTL
}

func (t *TokenService) IssueAccess(userID, email string) (string, error) {
	return t.issue(userID, email, tokenAccess, t.accessTTL)
}

func (t *TokenService) IssueRefresh(userID string) (string, error) {
	return t.issue(userID, "", tokenRefresh, t.refreshTTL)
}

func (t *TokenService) issue(userID, email, kind string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		Role:  RoleAuthenticated,
		Kind:  kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{RoleAuthenticated},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// ParseAccess validates an access token and returns its claims.
func (t *TokenService) ParseAccess(tokenStr string) (*Claims, error) {
	return t.parse(tokenStr, tokenAccess)
}

// ParseRefresh validates a refresh token and returns its claims.
func (t *TokenService) ParseRefresh(tokenStr string) (*Claims, error) {
	return t.parse(tokenStr, tokenRefresh)
}

func (t *TokenService) parse(tokenStr, kind string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims.Kind != kind {
		return nil, ErrWrongTokenKind
	}
	if claims.Subject == "" {
		return nil, jwt.ErrTokenMalformed
	}
	return claims, nil
}
