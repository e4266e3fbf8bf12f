package types

import "time"

// User represents an account in the system.
// It is the principal that logs in and is checked against endpoint scopes.
type User struct {
	// ID is the unique identifier of the user, assigned by the database.
	ID int64 `json:"id" db:"id"`

	// Username is the unique, case-sensitive login name.
	Username string `json:"username" db:"username"`

	// Email is the user's optional email address. It is unique when present.
	Email *string `json:"email" db:"email"`

	// FullName is the user's optional display name.
	FullName *string `json:"full_name" db:"full_name"`

	// PasswordHash stores the bcrypt digest of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"hashed_password"`

	// Disabled blocks the account regardless of token validity.
	Disabled bool `json:"disabled" db:"disabled"`

	// Scopes is the permission set granted to the user.
	Scopes Scopes `json:"scopes" db:"scopes"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NewUser is the input for creating an account.
type NewUser struct {
	Username string
	Email    *string
	FullName *string
	Password string
	Disabled bool

	// Scopes defaults to DefaultScope when empty.
	Scopes Scopes
}

// DefaultScope is granted to accounts created without explicit scopes.
const DefaultScope = "user"

// AdminScope guards the administrative endpoints.
const AdminScope = "admin"
