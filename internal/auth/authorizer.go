package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/scopedauth/apiserver/types"
)

// ErrPrincipalNotFound is returned by a PrincipalFinder when no user matches.
var ErrPrincipalNotFound = errors.New("principal not found")

// PrincipalFinder loads the user a token was issued for.
type PrincipalFinder interface {
	FindPrincipal(ctx context.Context, username string) (types.User, error)
}

// Principal is an authenticated caller together with the claims it presented.
type Principal struct {
	User   types.User
	Claims Claims
}

// Authorizer resolves bearer tokens into principals and enforces scopes.
type Authorizer struct {
	tokens     *TokenService
	principals PrincipalFinder
}

func NewAuthorizer(tokens *TokenService, principals PrincipalFinder) *Authorizer {
	return &Authorizer{tokens: tokens, principals: principals}
}

// Authorize authenticates the Authorization header value and checks that the
// token carries every scope in required. Identification failures all return
// ErrUnauthenticated; a missing scope returns ErrInsufficientScope. Any other
// error comes from the principal lookup and should be treated as internal.
func (a *Authorizer) Authorize(ctx context.Context, authorization string, required types.Scopes) (Principal, error) {
	tokenString, err := BearerToken(authorization)
	if err != nil {
		return Principal{}, ErrUnauthenticated
	}

	claims, err := a.tokens.Decode(tokenString)
	if err != nil {
		return Principal{}, ErrUnauthenticated
	}

	username := strings.TrimSpace(claims.Subject)
	if username == "" {
		return Principal{}, ErrUnauthenticated
	}

	user, err := a.principals.FindPrincipal(ctx, username)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return Principal{}, ErrUnauthenticated
		}
		return Principal{}, fmt.Errorf("load principal: %w", err)
	}

	if missing := claims.ScopeSet().Missing(required); len(missing) > 0 {
		return Principal{}, ErrInsufficientScope
	}

	return Principal{User: user, Claims: claims}, nil
}

// RequireActive fails with ErrInactiveAccount for disabled users.
func RequireActive(user types.User) error {
	if user.Disabled {
		return ErrInactiveAccount
	}
	return nil
}

// Challenge builds the WWW-Authenticate value for the required scopes.
func Challenge(required types.Scopes) string {
	if len(required) == 0 {
		return "Bearer"
	}
	return fmt.Sprintf(`Bearer scope="%s"`, required.String())
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(authorization string) (string, error) {
	auth := strings.TrimSpace(authorization)
	if auth == "" {
		return "", errors.New("missing authorization")
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("invalid authorization")
	}
	return token, nil
}
