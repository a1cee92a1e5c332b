package session

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrNoCredential  = errors.New("no credential")
	ErrTokenExpired  = errors.New("token expired")
	errBadCredential = errors.New("bad credential")
)

const bearerPrefix = "Bearer "

// Claims are the parts of the token the client needs.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry at now. A token
// without expiry never expires.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// normalizeToken accepts a raw JWT or an Authorization header value.
func normalizeToken(raw string) (string, error) {
	token := strings.TrimSpace(raw)
	if token == "" {
		return "", ErrNoCredential
	}
	if strings.HasPrefix(token, bearerPrefix) {
		token = strings.TrimSpace(token[len(bearerPrefix):])
	}
	if token == "" || strings.Count(token, ".") != 2 {
		return "", errBadCredential
	}
	return token, nil
}

// readClaims decodes the token payload without checking the signature.
// The server remains the authority; this only drives local expiry.
func readClaims(token string) (Claims, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Claims{}, errBadCredential
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errBadCredential
	}
	return claimsFromMap(claims), nil
}

func claimsFromMap(claims jwt.MapClaims) Claims {
	var out Claims
	out.Subject, _ = claims["sub"].(string)
	switch exp := claims["exp"].(type) {
	case float64:
		out.ExpiresAt = time.Unix(int64(exp), 0)
	case int64:
		out.ExpiresAt = time.Unix(exp, 0)
	}
	return out
}
