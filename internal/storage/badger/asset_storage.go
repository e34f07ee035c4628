package badger

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/interfaces"
	"github.com/ternarybob/polymer/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// maxConflictRetries bounds how often a unit of work is replayed after an
// optimistic-concurrency conflict.
const maxConflictRetries = 5

// AssetStorage implements the AssetStorage interface for Badger
type AssetStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewAssetStorage creates a new AssetStorage instance
func NewAssetStorage(db *BadgerDB, logger arbor.ILogger) interfaces.AssetStorage {
	return &AssetStorage{
		db:     db,
		logger: logger,
	}
}

// Update runs fn in one read-write transaction, replaying it on conflict.
func (s *AssetStorage) Update(ctx context.Context, fn func(tx interfaces.AssetTx) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.db.Store().Badger().Update(func(txn *badger.Txn) error {
			return fn(&assetTx{db: s.db, txn: txn, now: time.Now().UTC()})
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if attempt >= maxConflictRetries {
			return storageFailure("update", err)
		}

		s.logger.Debug().Int("attempt", attempt).Msg("Transaction conflict, retrying unit of work")
	}
}

// snapshot is every row the read model needs, loaded in one read transaction.
type snapshot struct {
	assets    []models.Asset
	users     map[int64]string
	downloads map[int64][]int64
}

func (s *AssetStorage) load(withUsers bool) (*snapshot, error) {
	snap := &snapshot{
		users:     make(map[int64]string),
		downloads: make(map[int64][]int64),
	}

	err := s.db.Store().Badger().View(func(txn *badger.Txn) error {
		if err := s.db.Store().TxFind(txn, &snap.assets, nil); err != nil {
			return storageFailure("list assets", err)
		}

		var downloads []models.Download
		if err := s.db.Store().TxFind(txn, &downloads, nil); err != nil {
			return storageFailure("list downloads", err)
		}
		for _, d := range downloads {
			snap.downloads[d.AssetID] = append(snap.downloads[d.AssetID], d.ID)
		}

		if withUsers {
			var users []models.User
			if err := s.db.Store().TxFind(txn, &users, nil); err != nil {
				return storageFailure("list users", err)
			}
			for _, u := range users {
				snap.users[u.ID] = u.Nickname
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *AssetStorage) selectAssets(keep func(asset *models.Asset, downloaded bool) bool) ([]*models.Asset, error) {
	snap, err := s.load(false)
	if err != nil {
		return nil, err
	}

	var selected []*models.Asset
	for i := range snap.assets {
		asset := &snap.assets[i]
		if keep(asset, len(snap.downloads[asset.ID]) > 0) {
			selected = append(selected, asset)
		}
	}
	slices.SortFunc(selected, func(a, b *models.Asset) int { return cmp.Compare(a.ID, b.ID) })
	return selected, nil
}

// FindFreeUnclaimed returns assets priced at zero that have no downloads.
func (s *AssetStorage) FindFreeUnclaimed(ctx context.Context) ([]*models.Asset, error) {
	return s.selectAssets(func(asset *models.Asset, downloaded bool) bool {
		return asset.IsFree() && !downloaded
	})
}

// FindPendingDownloads returns assets with a download URL and no downloads.
func (s *AssetStorage) FindPendingDownloads(ctx context.Context) ([]*models.Asset, error) {
	return s.selectAssets(func(asset *models.Asset, downloaded bool) bool {
		return asset.DownloadURL != nil && !downloaded
	})
}

// ListAssets filters, sorts and pages the asset read model. The returned
// int is the number of matches before paging.
func (s *AssetStorage) ListAssets(ctx context.Context, filter models.AssetFilter) ([]*models.AssetView, int, error) {
	compare, err := models.Comparer(models.AssetSortFields, filter.Sort, func(v *models.AssetView) int64 { return v.ID })
	if err != nil {
		return nil, 0, err
	}

	snap, err := s.load(true)
	if err != nil {
		return nil, 0, err
	}

	views := make([]*models.AssetView, 0, len(snap.assets))
	for i := range snap.assets {
		asset := &snap.assets[i]
		view := models.NewAssetView(asset, snap.users[asset.CreatorID], snap.downloads[asset.ID])
		if filter.Matches(view) && filter.MatchesQuery(view) {
			views = append(views, view)
		}
	}

	slices.SortFunc(views, compare)
	return models.Page(views, filter.Offset, filter.Limit), len(views), nil
}

func (s *AssetStorage) GetAsset(ctx context.Context, id int64) (*models.AssetView, error) {
	var view *models.AssetView

	err := s.db.Store().Badger().View(func(txn *badger.Txn) error {
		var asset models.Asset
		if err := s.db.Store().TxGet(txn, id, &asset); err != nil {
			if err == badgerhold.ErrNotFound {
				return interfaces.ErrNotFound
			}
			return storageFailure("get asset", err)
		}

		var creator models.User
		if err := s.db.Store().TxGet(txn, asset.CreatorID, &creator); err != nil && err != badgerhold.ErrNotFound {
			return storageFailure("get creator", err)
		}

		var downloads []models.Download
		if err := s.db.Store().TxFind(txn, &downloads, badgerhold.Where("AssetID").Eq(id).Index("AssetID").SortBy("ID")); err != nil {
			return storageFailure("list downloads", err)
		}
		ids := make([]int64, 0, len(downloads))
		for _, d := range downloads {
			ids = append(ids, d.ID)
		}

		view = models.NewAssetView(&asset, creator.Nickname, ids)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

func (s *AssetStorage) ListDownloads(ctx context.Context, assetID int64) ([]*models.Download, error) {
	var downloads []*models.Download
	query := badgerhold.Where("AssetID").Eq(assetID).Index("AssetID").SortBy("ID")
	if err := s.db.Store().Find(&downloads, query); err != nil {
		return nil, storageFailure("list downloads", err)
	}
	return downloads, nil
}

func (s *AssetStorage) ListTags(ctx context.Context) ([]*models.Tag, error) {
	var tags []*models.Tag
	if err := s.db.Store().Find(&tags, badgerhold.Where("ID").Gt(int64(0)).SortBy("Label")); err != nil {
		return nil, storageFailure("list tags", err)
	}
	return tags, nil
}

// ListUsers returns every creator with the ids of the assets they made.
func (s *AssetStorage) ListUsers(ctx context.Context) ([]*models.UserView, error) {
	var users []models.User
	var assets []models.Asset

	err := s.db.Store().Badger().View(func(txn *badger.Txn) error {
		if err := s.db.Store().TxFind(txn, &users, badgerhold.Where("ID").Gt(int64(0)).SortBy("Nickname")); err != nil {
			return storageFailure("list users", err)
		}
		if err := s.db.Store().TxFind(txn, &assets, nil); err != nil {
			return storageFailure("list assets", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	byCreator := make(map[int64][]int64)
	for _, asset := range assets {
		byCreator[asset.CreatorID] = append(byCreator[asset.CreatorID], asset.ID)
	}

	views := make([]*models.UserView, 0, len(users))
	for _, user := range users {
		ids := byCreator[user.ID]
		if ids == nil {
			ids = []int64{}
		}
		slices.Sort(ids)
		views = append(views, &models.UserView{User: user, AssetIDs: ids})
	}
	return views, nil
}
