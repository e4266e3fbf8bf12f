package db

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/scopedauth/apiserver/config"
)

const (
	defaultDBDriver    = "postgres"
	defaultPingTimeout = 5 * time.Second
)

// DSN builds the lib/pq connection URL. Session timeouts are passed as
// runtime parameters so the server enforces them on every connection.
func DSN(cfg config.Config) string {
	sslmode := "disable"
	if cfg.Database.UseSSL {
		sslmode = "require"
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", cfg.Database.Host, cfg.Database.Port),
		User:   url.UserPassword(cfg.Database.User, cfg.Database.Password),
		Path:   cfg.Database.DBName,
	}

	q := u.Query()
	q.Set("sslmode", sslmode)
	if cfg.AppName != "" {
		q.Set("application_name", cfg.AppName)
	}
	if cfg.Database.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(cfg.Database.ConnectTimeout.Seconds())))
	}
	setMillis(q, "statement_timeout", cfg.Database.StatementTimeout)
	setMillis(q, "idle_in_transaction_session_timeout", cfg.Database.IdleTimeout)
	setMillis(q, "lock_timeout", cfg.Database.LockTimeout)
	u.RawQuery = q.Encode()

	return u.String()
}

func setMillis(q url.Values, key string, d time.Duration) {
	if d > 0 {
		q.Set(key, strconv.FormatInt(d.Milliseconds(), 10))
	}
}

// Open connects to PostgreSQL, applies the pool settings and pings.
func Open(ctx context.Context, cfg config.Config) (*sqlx.DB, error) {
	db, err := sqlx.Open(defaultDBDriver, DSN(cfg))
	if err != nil {
		return nil, err
	}

	db.SetConnMaxIdleTime(cfg.Database.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
