package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/scopedauth/apiserver/config"
	"github.com/scopedauth/apiserver/types"
)

// DefaultTokenTTL applies when Issue is called without a lifetime.
const DefaultTokenTTL = 15 * time.Minute

// Claims is the payload carried by access tokens.
type Claims struct {
	Scopes string `json:"scopes"`
	jwt.RegisteredClaims
}

// ScopeSet returns the parsed scopes of the token.
func (c Claims) ScopeSet() types.Scopes {
	return types.ParseScopes(c.Scopes)
}

// TokenService issues and decodes HMAC-signed access tokens.
type TokenService struct {
	secret []byte
	method *jwt.SigningMethodHMAC
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService constructs a TokenService from the auth settings.
func NewTokenService(cfg config.AuthConfig) (*TokenService, error) {
	secret := cfg.SecretKey
	if len(secret) < config.MinSecretKeyLength {
		return nil, fmt.Errorf("secret key must be at least %d characters", config.MinSecretKeyLength)
	}

	alg := cfg.Algorithm
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	method, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}

	ttl := cfg.AccessTokenTTL()
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	return &TokenService{
		secret: []byte(secret),
		method: method,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// TTL is the configured login token lifetime.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Algorithm returns the signing algorithm name.
func (s *TokenService) Algorithm() string {
	return s.method.Alg()
}

// Issue signs a token for subject. A zero ttl means DefaultTokenTTL; a
// negative ttl produces a token that is already expired.
func (s *TokenService) Issue(subject string, scopes types.Scopes, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	now := s.now()
	claims := Claims{
		Scopes: scopes.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(s.method, claims)
	return token.SignedString(s.secret)
}

// Decode verifies tokenString and returns its claims. All failures wrap
// ErrInvalidToken.
func (s *TokenService) Decode(tokenString string) (Claims, error) {
	claims := Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(s.now),
	)
	token, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
