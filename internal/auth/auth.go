// Package auth resolves the identity behind a websocket handshake from a
// pre-issued HS256 access token.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	ErrAnonymous    = errors.New("auth: no token presented")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrNoSecret     = errors.New("auth: signing secret not configured")
)

// Identity is an authenticated user. The zero value is anonymous.
type Identity struct {
	UserID   int64
	Username string
}

// Anonymous reports whether no user is attached.
func (i Identity) Anonymous() bool {
	return i.UserID <= 0
}

// Claims mirrors the access token layout issued by the CRUD service.
type Claims struct {
	jwt.RegisteredClaims
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// Authenticator validates access tokens.
type Authenticator struct {
	secret []byte
	log    *zap.SugaredLogger
}

// NewAuthenticator returns an Authenticator for the shared signing secret.
func NewAuthenticator(secret string, log *zap.SugaredLogger) *Authenticator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Authenticator{secret: []byte(secret), log: log}
}

// Identify returns the identity carried by the request, or the anonymous
// identity when the token is missing or invalid.
func (a *Authenticator) Identify(r *http.Request) Identity {
	token := tokenFromRequest(r)
	if token == "" {
		return Identity{}
	}

	id, err := a.Parse(token)
	if err != nil {
		a.log.Debugw("rejecting access token", "remote_addr", r.RemoteAddr, "error", err)
		return Identity{}
	}
	return id
}

// Parse validates a raw token.
func (a *Authenticator) Parse(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrAnonymous
	}
	if len(a.secret) == 0 {
		return Identity{}, ErrNoSecret
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := Identity{UserID: claims.UserID, Username: claims.Username}
	if id.Anonymous() || id.Username == "" {
		return Identity{}, fmt.Errorf("%w: missing user claims", ErrInvalidToken)
	}
	return id, nil
}

// Issue signs a token for id, valid for ttl.
func (a *Authenticator) Issue(id Identity, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprint(id.UserID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:   id.UserID,
		Username: id.Username,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Browsers cannot set headers on a websocket handshake, so the query string
// is accepted as well.
func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}
