package badger

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/common"
	"github.com/ternarybob/polymer/internal/interfaces"
	"github.com/timshannon/badgerhold/v4"
)

// sequenceBandwidth is how many ids a sequence leases per disk write.
const sequenceBandwidth = 100

// BadgerDB manages the Badger database connection
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	config *common.BadgerConfig

	seqMu     sync.Mutex
	sequences map[string]*badger.Sequence
}

// NewBadgerDB creates a new Badger database connection
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	// If reset_on_startup is enabled, delete the existing database
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Deleting existing database (reset_on_startup=true)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete database directory")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Opening Badger database connection")

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = nil // Disable default badger logger to use arbor

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Badger database initialized")

	return newBadgerDB(store, logger, config), nil
}

func newBadgerDB(store *badgerhold.Store, logger arbor.ILogger, config *common.BadgerConfig) *BadgerDB {
	return &BadgerDB{
		store:     store,
		logger:    logger,
		config:    config,
		sequences: make(map[string]*badger.Sequence),
	}
}

// Store returns the underlying badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// NextID returns the next id for an entity kind. Ids start at 1 and are
// never reused; ids drawn by a transaction that later aborts are skipped.
func (b *BadgerDB) NextID(kind string) (int64, error) {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()

	seq, ok := b.sequences[kind]
	if !ok {
		var err error
		seq, err = b.store.Badger().GetSequence([]byte("_seq:"+kind), sequenceBandwidth)
		if err != nil {
			return 0, storageFailure("open sequence "+kind, err)
		}
		b.sequences[kind] = seq
	}

	next, err := seq.Next()
	if err != nil {
		return 0, storageFailure("next id "+kind, err)
	}
	return int64(next) + 1, nil
}

// Close releases leased sequence ranges and closes the database connection
func (b *BadgerDB) Close() error {
	b.seqMu.Lock()
	for kind, seq := range b.sequences {
		if err := seq.Release(); err != nil {
			b.logger.Warn().Err(err).Str("sequence", kind).Msg("Failed to release sequence")
		}
	}
	b.sequences = make(map[string]*badger.Sequence)
	b.seqMu.Unlock()

	if b.store != nil {
		return b.store.Close()
	}
	return nil
}

func storageFailure(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, interfaces.ErrStorageFailure, err)
}

func encodeID(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func decodeID(buf []byte) int64 {
	return int64(binary.BigEndian.Uint64(buf))
}
