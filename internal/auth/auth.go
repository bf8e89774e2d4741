// Package auth validates the caller's bearer credential.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Napageneral/reframe/internal/supabase"
)

// ErrUnauthorized marks a missing, malformed, expired or rejected credential.
// Other errors from an Authenticator mean the check itself could not run.
var ErrUnauthorized = errors.New("unauthorized")

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Email  string
	Role   string
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("%w: invalid authorization header format", ErrUnauthorized)
	}
	return strings.TrimSpace(parts[1]), nil
}

// Claims are the Supabase access token claims we read.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// JWTAuthenticator verifies HS256 tokens locally with the project's JWT secret.
type JWTAuthenticator struct {
	secret   []byte
	audience string
	now      func() time.Time
}

// NewJWTAuthenticator creates a local verifier. An empty audience skips the
// audience check.
func NewJWTAuthenticator(secret, audience string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), audience: audience, now: time.Now}
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return Principal{UserID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

// UserLookup resolves an access token remotely.
type UserLookup interface {
	GetUser(ctx context.Context, accessToken string) (*supabase.User, error)
}

// SupabaseAuthenticator validates tokens against the Supabase auth API.
type SupabaseAuthenticator struct {
	users UserLookup
}

func NewSupabaseAuthenticator(users UserLookup) *SupabaseAuthenticator {
	return &SupabaseAuthenticator{users: users}
}

func (a *SupabaseAuthenticator) Authenticate(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	user, err := a.users.GetUser(ctx, token)
	if errors.Is(err, supabase.ErrUnauthorized) {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if err != nil {
		return Principal{}, fmt.Errorf("verify token: %w", err)
	}
	return Principal{UserID: user.ID, Email: user.Email, Role: user.Role}, nil
}

// Chain tries each authenticator in order. A rejection moves on to the next
// one; any other error stops the chain.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, token string) (Principal, error) {
	err := fmt.Errorf("%w: no authenticator configured", ErrUnauthorized)
	for _, a := range c {
		var p Principal
		p, err = a.Authenticate(ctx, token)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrUnauthorized) {
			return Principal{}, err
		}
	}
	return Principal{}, err
}
