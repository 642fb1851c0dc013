// Package auth verifies client identity on WebSocket upgrade requests using
// signed JWTs. The gateway trusts the token's subject claim as the user ID;
// token issuance belongs to the account service and is out of scope here.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken means the request carried no credential at all.
	ErrMissingToken = errors.New("auth: missing token")
	// ErrInvalidToken means the credential failed signature or claim checks.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Verifier authenticates an HTTP upgrade request and returns the user ID
// that owns it.
type Verifier interface {
	VerifyRequest(r *http.Request) (string, error)
}

// JWTVerifier validates HMAC-signed tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for tokens signed with the given secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// VerifyRequest extracts the token from the Authorization header (Bearer
// scheme) or, for browser WebSocket clients that cannot set headers, from
// the "token" query parameter. It returns the token's subject as the user ID.
func (v *JWTVerifier) VerifyRequest(r *http.Request) (string, error) {
	token := tokenFromRequest(r)
	if token == "" {
		return "", ErrMissingToken
	}
	return v.Verify(token)
}

// Verify validates the raw token string and returns its subject.
func (v *JWTVerifier) Verify(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
