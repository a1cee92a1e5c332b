package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const defaultJWKSCacheTTL = 15 * time.Minute

// Validator verifies a token's signature and standard claims before the
// session accepts it.
type Validator interface {
	Validate(token string) (Claims, error)
}

// HS256 validates tokens signed with a shared secret, as issued by a local
// development identity provider.
type HS256 struct {
	Secret   []byte
	Audience string
	Issuer   string

	parser *jwt.Parser
}

func NewHS256(secret []byte, audience, issuer string) *HS256 {
	return &HS256{
		Secret:   secret,
		Audience: audience,
		Issuer:   issuer,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

func (v *HS256) Validate(token string) (Claims, error) {
	parsed, err := v.parser.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return v.Secret, nil
	})
	if err != nil {
		return Claims{}, err
	}
	return verifyClaims(parsed, v.Audience, v.Issuer)
}

// JWKS validates RS256 tokens against the identity provider's key set.
type JWKS struct {
	Keys     *keyfunc.JWKS
	Audience string
	Issuer   string

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

func NewJWKS(keys *keyfunc.JWKS, audience, issuer string, cacheTTL time.Duration) *JWKS {
	if cacheTTL < 0 {
		cacheTTL = 0
	} else if cacheTTL == 0 {
		cacheTTL = defaultJWKSCacheTTL
	}
	return &JWKS{
		Keys:        keys,
		Audience:    audience,
		Issuer:      issuer,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		keyCacheTTL: cacheTTL,
	}
}

// FetchJWKS loads the key set published by an Auth0 style domain.
func FetchJWKS(domain string) (*keyfunc.JWKS, error) {
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
	keys, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return keys, nil
}

func (v *JWKS) Validate(token string) (Claims, error) {
	parsed, err := v.parser.Parse(token, v.keyForToken)
	if err != nil {
		return Claims{}, err
	}
	return verifyClaims(parsed, v.Audience, v.Issuer)
}

func (v *JWKS) keyForToken(token *jwt.Token) (any, error) {
	if v.Keys == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && v.keyCacheTTL > 0 {
		if cached, ok := v.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			v.keyCache.Delete(kid)
		}
	}

	key, err := v.Keys.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" && v.keyCacheTTL > 0 {
		v.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(v.keyCacheTTL)})
	}
	return key, nil
}

func verifyClaims(token *jwt.Token, audience, issuer string) (Claims, error) {
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errors.New("invalid claims")
	}

	now := time.Now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return Claims{}, ErrTokenExpired
	}
	leeway := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyNotBefore(leeway, false) {
		return Claims{}, errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(leeway, false) {
		return Claims{}, errors.New("token used before issued")
	}
	if audience != "" && !claims.VerifyAudience(audience, false) {
		return Claims{}, errors.New("invalid audience")
	}
	if issuer != "" && !claims.VerifyIssuer(issuer, false) {
		return Claims{}, errors.New("invalid issuer")
	}

	out := claimsFromMap(claims)
	if out.Subject == "" {
		return Claims{}, errors.New("missing sub")
	}
	return out, nil
}
