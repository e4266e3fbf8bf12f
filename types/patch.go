package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Optional marks whether a field was present in a partial update payload.
// A present JSON null sets Null and leaves Value at its zero value.
type Optional[T any] struct {
	Value T
	Set   bool
	Null  bool
}

// Some returns a present Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Set: true}
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Null = true
		var zero T
		o.Value = zero
		return nil
	}
	return json.Unmarshal(data, &o.Value)
}

// ProfilePatch holds the self-service profile fields.
type ProfilePatch struct {
	Username Optional[string]  `json:"username"`
	Email    Optional[*string] `json:"email"`
	FullName Optional[*string] `json:"full_name"`
}

// Validate rejects empty usernames and blank emails.
func (p ProfilePatch) Validate() error {
	if p.Username.Set && (p.Username.Null || strings.TrimSpace(p.Username.Value) == "") {
		return errors.New("username must not be empty")
	}
	if p.Email.Set && p.Email.Value != nil && strings.TrimSpace(*p.Email.Value) == "" {
		return errors.New("email must not be blank")
	}
	return nil
}

// Apply copies the present fields onto u.
func (p ProfilePatch) Apply(u *User) {
	if p.Username.Set {
		u.Username = strings.TrimSpace(p.Username.Value)
	}
	if p.Email.Set {
		u.Email = trimOptional(p.Email.Value)
	}
	if p.FullName.Set {
		u.FullName = p.FullName.Value
	}
}

// Empty reports whether no field is present.
func (p ProfilePatch) Empty() bool {
	return !p.Username.Set && !p.Email.Set && !p.FullName.Set
}

// AdminPatch extends ProfilePatch with the privileged fields.
type AdminPatch struct {
	ProfilePatch
	Disabled Optional[bool]   `json:"disabled"`
	Scopes   Optional[Scopes] `json:"scopes"`
}

func (p AdminPatch) Validate() error {
	if err := p.ProfilePatch.Validate(); err != nil {
		return err
	}
	if p.Disabled.Set && p.Disabled.Null {
		return errors.New("disabled must be a boolean")
	}
	return nil
}

func (p AdminPatch) Apply(u *User) {
	p.ProfilePatch.Apply(u)
	if p.Disabled.Set {
		u.Disabled = p.Disabled.Value
	}
	if p.Scopes.Set {
		if p.Scopes.Null || p.Scopes.Value == nil {
			u.Scopes = Scopes{}
		} else {
			u.Scopes = p.Scopes.Value
		}
	}
}

func (p AdminPatch) Empty() bool {
	return p.ProfilePatch.Empty() && !p.Disabled.Set && !p.Scopes.Set
}

func trimOptional(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	return &s
}
