package db

import (
	"context"
	"errors"
	"sync"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/scopedauth/apiserver/config"
)

// ErrNotInitialized is returned by DB before Initialize succeeded.
var ErrNotInitialized = errors.New("database manager not initialized")

// Manager owns the process-wide connection pool.
type Manager struct {
	cfg  config.Config
	log  *zap.Logger
	open func(ctx context.Context, cfg config.Config) (*sqlx.DB, error)

	mu sync.Mutex
	db *sqlx.DB
}

func NewManager(cfg config.Config, log *zap.Logger) *Manager {
	return &Manager{cfg: cfg, log: log, open: Open}
}

// Initialize opens the pool and checks connectivity. Calling it again after
// a successful call is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		return nil
	}

	db, err := m.open(ctx, m.cfg)
	if err != nil {
		m.log.Error("database connection failed", zap.Error(err))
		return err
	}

	var one int
	if err := db.GetContext(ctx, &one, `SELECT 1`); err != nil {
		_ = db.Close()
		m.log.Error("database connectivity test failed", zap.Error(err))
		return err
	}

	var migrated bool
	const schemaQuery = `SELECT to_regclass('public.schema_migrations') IS NOT NULL`
	if err := db.GetContext(ctx, &migrated, schemaQuery); err != nil {
		m.log.Warn("could not check schema", zap.Error(err))
	} else if !migrated {
		m.log.Warn("schema_migrations table missing; run `apiserver migrate up`")
	}

	m.db = db
	m.log.Info("database initialized",
		zap.String("host", m.cfg.Database.Host),
		zap.String("database", m.cfg.Database.DBName),
	)
	return nil
}

// DB returns the pool opened by Initialize.
func (m *Manager) DB() (*sqlx.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil, ErrNotInitialized
	}
	return m.db, nil
}

// Shutdown closes the pool. It is safe to call more than once.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	m.log.Info("database connections closed")
	return err
}
