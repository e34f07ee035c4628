package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/common"
	"github.com/ternarybob/polymer/internal/interfaces"
)

// Manager implements the StorageManager interface for PostgreSQL
type Manager struct {
	pool     *pgxpool.Pool
	asset    interfaces.AssetStorage
	category interfaces.CategoryStorage
	logger   arbor.ILogger
}

// NewManager migrates the schema and opens the pool.
func NewManager(ctx context.Context, logger arbor.ILogger, config *common.PostgresConfig) (interfaces.StorageManager, error) {
	if err := RunMigrations(config.DSN, logger); err != nil {
		return nil, err
	}

	pool, err := NewPool(ctx, logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		pool:     pool,
		asset:    NewAssetStorage(pool, logger),
		category: NewCategoryStorage(pool, logger),
		logger:   logger,
	}

	logger.Info().Msg("Postgres storage manager initialized")

	return manager, nil
}

// AssetStorage returns the Asset storage interface
func (m *Manager) AssetStorage() interfaces.AssetStorage {
	return m.asset
}

// CategoryStorage returns the Category storage interface
func (m *Manager) CategoryStorage() interfaces.CategoryStorage {
	return m.category
}

// Close closes the pool
func (m *Manager) Close() error {
	if m.pool != nil {
		m.pool.Close()
	}
	return nil
}
