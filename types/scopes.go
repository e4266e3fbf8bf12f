package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// Scopes is a deduplicated set of permission identifiers. It travels as a
// single space-separated string in JSON, SQL and token claims.
type Scopes []string

// ParseScopes splits a space-separated scope string, dropping empty and
// duplicate entries while keeping first-seen order.
func ParseScopes(raw string) Scopes {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return Scopes{}
	}
	seen := make(map[string]struct{}, len(fields))
	out := make(Scopes, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// NewScopes builds a set from individual identifiers.
func NewScopes(scopes ...string) Scopes {
	return ParseScopes(strings.Join(scopes, " "))
}

// String returns the canonical space-joined form.
func (s Scopes) String() string {
	return strings.Join(s, " ")
}

// Has reports whether scope is an exact member of the set.
func (s Scopes) Has(scope string) bool {
	for _, v := range s {
		if v == scope {
			return true
		}
	}
	return false
}

// Missing returns the entries of required that are not in s.
func (s Scopes) Missing(required Scopes) Scopes {
	var missing Scopes
	for _, r := range required {
		if !s.Has(r) {
			missing = append(missing, r)
		}
	}
	return missing
}

func (s Scopes) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Scopes) UnmarshalJSON(data []byte) error {
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("scopes must be a space-separated string: %w", err)
	}
	if raw == nil {
		*s = Scopes{}
		return nil
	}
	*s = ParseScopes(*raw)
	return nil
}

// Value implements driver.Valuer.
func (s Scopes) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan implements sql.Scanner.
func (s *Scopes) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = Scopes{}
	case string:
		*s = ParseScopes(v)
	case []byte:
		*s = ParseScopes(string(v))
	default:
		return fmt.Errorf("cannot scan %T into Scopes", src)
	}
	return nil
}
