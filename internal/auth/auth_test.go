package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/reframe/internal/supabase"
)

const secret = "super-secret-jwt-token-with-at-least-32-characters"

func sign(t *testing.T, key string, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return token
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{"authenticated"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email: "a@example.com",
		Role:  "authenticated",
	}
}

func TestBearerToken(t *testing.T) {
	tok, err := BearerToken("Bearer abc.def")
	require.NoError(t, err)
	assert.Equal(t, "abc.def", tok)

	tok, err = BearerToken("bearer   xyz ")
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok)

	for _, h := range []string{"", "Bearer", "Basic abc", "Bearer  "} {
		_, err := BearerToken(h)
		assert.ErrorIs(t, err, ErrUnauthorized, h)
	}
}

func TestJWTAuthenticator(t *testing.T) {
	a := NewJWTAuthenticator(secret, "authenticated")

	p, err := a.Authenticate(context.Background(), sign(t, secret, jwt.SigningMethodHS256, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "user-1", Email: "a@example.com", Role: "authenticated"}, p)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noSub := validClaims()
	noSub.Subject = ""
	wrongAud := validClaims()
	wrongAud.Audience = jwt.ClaimStrings{"anon"}
	noExp := validClaims()
	noExp.ExpiresAt = nil

	tests := map[string]string{
		"expired":         sign(t, secret, jwt.SigningMethodHS256, expired),
		"no subject":      sign(t, secret, jwt.SigningMethodHS256, noSub),
		"wrong audience":  sign(t, secret, jwt.SigningMethodHS256, wrongAud),
		"no expiry":       sign(t, secret, jwt.SigningMethodHS256, noExp),
		"wrong secret":    sign(t, "another-secret-another-secret-another", jwt.SigningMethodHS256, validClaims()),
		"wrong algorithm": sign(t, secret, jwt.SigningMethodHS512, validClaims()),
		"garbage":         "not-a-jwt",
		"empty":           "",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), token)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

type fakeUsers struct {
	user *supabase.User
	err  error
}

func (f fakeUsers) GetUser(ctx context.Context, token string) (*supabase.User, error) {
	return f.user, f.err
}

func TestSupabaseAuthenticator(t *testing.T) {
	p, err := NewSupabaseAuthenticator(fakeUsers{user: &supabase.User{ID: "u2"}}).Authenticate(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "u2", p.UserID)

	_, err = NewSupabaseAuthenticator(fakeUsers{err: supabase.ErrUnauthorized}).Authenticate(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = NewSupabaseAuthenticator(fakeUsers{err: errors.New("dial tcp: refused")}).Authenticate(context.Background(), "tok")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized, "an unreachable auth service is not the caller's fault")
}

func TestChain(t *testing.T) {
	local := NewJWTAuthenticator(secret, "")
	remote := NewSupabaseAuthenticator(fakeUsers{user: &supabase.User{ID: "remote-user"}})

	p, err := Chain{local, remote}.Authenticate(context.Background(), sign(t, secret, jwt.SigningMethodHS256, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.UserID)

	p, err = Chain{local, remote}.Authenticate(context.Background(), "opaque-token")
	require.NoError(t, err)
	assert.Equal(t, "remote-user", p.UserID)

	_, err = Chain{}.Authenticate(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
