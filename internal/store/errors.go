package store

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ConflictError reports a unique constraint violation on Field.
type ConflictError struct {
	Field      string
	Constraint string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already registered", e.Field)
}

const uniqueViolation = "23505"

var constraintFields = map[string]string{
	"users_username_key": "username",
	"users_email_key":    "email",
}

// asConflict converts a PostgreSQL unique violation on a known constraint
// into a *ConflictError.
func asConflict(err error) (*ConflictError, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return nil, false
	}
	field, ok := constraintFields[pqErr.Constraint]
	if !ok {
		return nil, false
	}
	return &ConflictError{Field: field, Constraint: pqErr.Constraint}, true
}
