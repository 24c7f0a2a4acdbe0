package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticVerify(t *testing.T) {
	tests := []struct {
		token string
		want  Identity
		ok    bool
	}{
		{"user:1", Identity{UserId: 1, Username: "user1"}, true},
		{"user:42:alice", Identity{UserId: 42, Username: "alice"}, true},
		{"user:", Identity{}, false},
		{"user:abc", Identity{}, false},
		{"user:-3", Identity{}, false},
		{"admin:1", Identity{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			got, err := Static{}.Verify(context.Background(), tt.token)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrInvalidToken)
				assert.True(t, IsUnauthenticated(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/chat/1?token=user:1", nil)
	token, err := TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "user:1", token)

	r = httptest.NewRequest("GET", "/ws/chat/1", nil)
	r.Header.Set("Authorization", "Bearer abc")
	token, err = TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	r = httptest.NewRequest("GET", "/ws/chat/1", nil)
	r.Header.Set("Authorization", "Basic abc")
	_, err = TokenFromRequest(r)
	assert.ErrorIs(t, err, ErrInvalidToken)

	r = httptest.NewRequest("GET", "/ws/chat/1", nil)
	_, err = TokenFromRequest(r)
	assert.ErrorIs(t, err, ErrMissingToken)
	assert.True(t, IsUnauthenticated(err))
}

func TestJWTIssueAndVerify(t *testing.T) {
	m := NewJWT(JWTConfig{SecretKey: "test-secret", Issuer: "accounts"})
	token, err := m.Issue(7, "bob")
	require.NoError(t, err)

	id, err := m.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserId: 7, Username: "bob"}, id)

	r := httptest.NewRequest("GET", "/ws/chat/1?token="+token, nil)
	id, err = Authenticate(r, m)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id.UserId)
}

func TestJWTRejects(t *testing.T) {
	m := NewJWT(JWTConfig{SecretKey: "test-secret", Issuer: "accounts"})
	ctx := context.Background()

	other := NewJWT(JWTConfig{SecretKey: "other-secret", Issuer: "accounts"})
	token, err := other.Issue(7, "bob")
	require.NoError(t, err)
	_, err = m.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer := NewJWT(JWTConfig{SecretKey: "test-secret", Issuer: "elsewhere"})
	token, err = wrongIssuer.Issue(7, "bob")
	require.NoError(t, err)
	_, err = m.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := NewJWT(JWTConfig{SecretKey: "test-secret", Issuer: "accounts", TokenDuration: time.Nanosecond})
	token, err = expired.Issue(7, "bob")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = m.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = m.Verify(ctx, "not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTRejectsNonNumericSubject(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", Issuer: "accounts"}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	m := NewJWT(JWTConfig{SecretKey: "test-secret", Issuer: "accounts"})
	_, err = m.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
