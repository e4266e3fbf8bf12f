package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseScopes_DedupesAndKeepsOrder(t *testing.T) {
	got := ParseScopes("  user admin  user reports ")
	require.Equal(t, Scopes{"user", "admin", "reports"}, got)
	require.Equal(t, "user admin reports", got.String())
}

func TestParseScopes_Empty(t *testing.T) {
	got := ParseScopes("   ")
	require.NotNil(t, got)
	require.Empty(t, got)
	require.Equal(t, "", got.String())
}

func TestScopes_HasIsExactMatch(t *testing.T) {
	s := ParseScopes("administrator user")
	require.True(t, s.Has("user"))
	require.False(t, s.Has("admin"), "prefix of a granted scope must not match")
	require.False(t, s.Has("use"))
}

func TestScopes_Missing(t *testing.T) {
	s := NewScopes("user")
	require.Empty(t, s.Missing(NewScopes("user")))
	require.Equal(t, Scopes{"admin"}, s.Missing(NewScopes("user", "admin")))
}

func TestScopes_JSONIsSpaceJoinedString(t *testing.T) {
	data, err := json.Marshal(struct {
		Scopes Scopes `json:"scopes"`
	}{Scopes: NewScopes("admin", "user")})
	require.NoError(t, err)
	require.JSONEq(t, `{"scopes":"admin user"}`, string(data))

	var decoded struct {
		Scopes Scopes `json:"scopes"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"scopes":"user user admin"}`), &decoded))
	require.Equal(t, Scopes{"user", "admin"}, decoded.Scopes)

	require.Error(t, json.Unmarshal([]byte(`{"scopes":["user"]}`), &decoded))
}

func TestScopes_Scan(t *testing.T) {
	var s Scopes
	require.NoError(t, s.Scan([]byte("user admin")))
	require.Equal(t, Scopes{"user", "admin"}, s)

	require.NoError(t, s.Scan(nil))
	require.Empty(t, s)

	require.Error(t, s.Scan(42))

	v, err := NewScopes("a", "b").Value()
	require.NoError(t, err)
	require.Equal(t, "a b", v)
}
