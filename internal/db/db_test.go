package db

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scopedauth/apiserver/config"
)

func TestDSN_IncludesSessionTimeouts(t *testing.T) {
	cfg := config.Config{
		AppName: "scoped-auth",
		Database: config.DatabaseConfig{
			Host:             "db",
			Port:             5432,
			User:             "u",
			Password:         "p@ss",
			DBName:           "accounts",
			StatementTimeout: 30 * time.Second,
			IdleTimeout:      5 * time.Minute,
			LockTimeout:      1500 * time.Millisecond,
			ConnectTimeout:   10 * time.Second,
		},
	}

	u, err := url.Parse(DSN(cfg))
	require.NoError(t, err)
	require.Equal(t, "db:5432", u.Host)
	require.Equal(t, "/accounts", u.Path)

	q := u.Query()
	require.Equal(t, "disable", q.Get("sslmode"))
	require.Equal(t, "scoped-auth", q.Get("application_name"))
	require.Equal(t, "10", q.Get("connect_timeout"))
	require.Equal(t, "30000", q.Get("statement_timeout"))
	require.Equal(t, "300000", q.Get("idle_in_transaction_session_timeout"))
	require.Equal(t, "1500", q.Get("lock_timeout"))
}

func TestDSN_SSL(t *testing.T) {
	cfg := config.Config{Database: config.DatabaseConfig{Host: "db", Port: 5432, UseSSL: true}}
	u, err := url.Parse(DSN(cfg))
	require.NoError(t, err)
	require.Equal(t, "require", u.Query().Get("sslmode"))
	require.Empty(t, u.Query().Get("statement_timeout"))
}

func TestManager_InitializeIsIdempotent(t *testing.T) {
	opens := 0
	m := NewManager(config.Config{}, zap.NewNop())
	m.open = func(ctx context.Context, cfg config.Config) (*sqlx.DB, error) {
		opens++
		return sqlx.Open("sqlite", "file:manager_tests?mode=memory&cache=shared")
	}

	_, err := m.DB()
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, m.Initialize(context.Background()))
	require.Equal(t, 1, opens)

	db, err := m.DB()
	require.NoError(t, err)
	require.NotNil(t, db)

	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Shutdown())
	_, err = m.DB()
	require.ErrorIs(t, err, ErrNotInitialized)
}
