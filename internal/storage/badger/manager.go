package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/common"
	"github.com/ternarybob/polymer/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db       *BadgerDB
	asset    interfaces.AssetStorage
	category interfaces.CategoryStorage
	logger   arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:       db,
		asset:    NewAssetStorage(db, logger),
		category: NewCategoryStorage(db, logger),
		logger:   logger,
	}

	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

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

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
