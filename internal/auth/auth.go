// Package auth resolves the identity a client claims at handshake time.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/MobasirSarkar/chatgateway/internal/chat"
)

var (
	ErrMissingToken = fmt.Errorf("missing token: %w", chat.ErrUnauthenticated)
	ErrInvalidToken = fmt.Errorf("invalid token: %w", chat.ErrUnauthenticated)
	ErrExpiredToken = fmt.Errorf("token has expired: %w", chat.ErrUnauthenticated)
)

type Identity struct {
	UserId   int64
	Username string
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// TokenFromRequest reads the token from the "token" query parameter, falling
// back to an Authorization bearer header.
func TokenFromRequest(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok && token != "" {
			return token, nil
		}
		return "", ErrInvalidToken
	}
	return "", ErrMissingToken
}

// Authenticate extracts and verifies the request token.
func Authenticate(r *http.Request, v Verifier) (Identity, error) {
	token, err := TokenFromRequest(r)
	if err != nil {
		return Identity{}, err
	}
	return v.Verify(r.Context(), token)
}

// Static accepts development tokens of the form "user:<id>" or
// "user:<id>:<name>". Never enable it in production.
type Static struct{}

func (Static) Verify(_ context.Context, token string) (Identity, error) {
	rest, ok := strings.CutPrefix(token, "user:")
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	idPart, name, _ := strings.Cut(rest, ":")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return Identity{}, ErrInvalidToken
	}
	if name == "" {
		name = "user" + idPart
	}
	return Identity{UserId: id, Username: name}, nil
}

// IsUnauthenticated reports whether err rejects the caller's identity.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, chat.ErrUnauthenticated)
}
