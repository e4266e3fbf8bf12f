package auth

import "errors"

var (
	// ErrInvalidToken covers malformed, badly signed, expired and
	// wrong-algorithm tokens alike.
	ErrInvalidToken = errors.New("invalid token")

	// ErrUnauthenticated is returned when the caller cannot be identified.
	ErrUnauthenticated = errors.New("could not validate credentials")

	// ErrInsufficientScope is returned when the token lacks a required scope.
	ErrInsufficientScope = errors.New("not enough permissions")

	// ErrInactiveAccount is returned for authenticated but disabled users.
	ErrInactiveAccount = errors.New("inactive user")
)
