package badger

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/polymer/internal/interfaces"
	"github.com/ternarybob/polymer/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

const (
	kindAsset    = "asset"
	kindUser     = "user"
	kindTag      = "tag"
	kindDownload = "download"
	kindCategory = "category"
)

// assetTx is one badger read-write transaction. Natural keys (slug,
// nickname, label) are kept as plain badger keys pointing at the record id,
// so a lookup and a concurrent create of the same key conflict at commit.
type assetTx struct {
	db  *BadgerDB
	txn *badger.Txn
	now time.Time
}

func naturalKey(kind, value string) []byte {
	return []byte("_uniq:" + kind + ":" + value)
}

func (t *assetTx) lookup(kind, value string) (int64, error) {
	item, err := t.txn.Get(naturalKey(kind, value))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, interfaces.ErrNotFound
	}
	if err != nil {
		return 0, storageFailure("lookup "+kind, err)
	}
	buf, err := item.ValueCopy(nil)
	if err != nil {
		return 0, storageFailure("lookup "+kind, err)
	}
	return decodeID(buf), nil
}

func (t *assetTx) claim(kind, value string, id int64) error {
	if _, err := t.lookup(kind, value); err == nil {
		return fmt.Errorf("%s %q already exists: %w", kind, value, interfaces.ErrStorageFailure)
	} else if !errors.Is(err, interfaces.ErrNotFound) {
		return err
	}
	if err := t.txn.Set(naturalKey(kind, value), encodeID(id)); err != nil {
		return storageFailure("claim "+kind, err)
	}
	return nil
}

func (t *assetTx) AssetBySlug(slug string) (*models.Asset, error) {
	id, err := t.lookup(kindAsset, slug)
	if err != nil {
		return nil, err
	}
	return t.AssetByID(id)
}

func (t *assetTx) AssetByID(id int64) (*models.Asset, error) {
	var asset models.Asset
	if err := t.db.Store().TxGet(t.txn, id, &asset); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, storageFailure("get asset", err)
	}
	return &asset, nil
}

func (t *assetTx) UserByNickname(nickname string) (*models.User, error) {
	id, err := t.lookup(kindUser, nickname)
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := t.db.Store().TxGet(t.txn, id, &user); err != nil {
		return nil, storageFailure("get user", err)
	}
	return &user, nil
}

func (t *assetTx) TagByLabel(label string) (*models.Tag, error) {
	id, err := t.lookup(kindTag, label)
	if err != nil {
		return nil, err
	}
	var tag models.Tag
	if err := t.db.Store().TxGet(t.txn, id, &tag); err != nil {
		return nil, storageFailure("get tag", err)
	}
	return &tag, nil
}

func (t *assetTx) CreateAsset(asset *models.Asset) error {
	id, err := t.db.NextID(kindAsset)
	if err != nil {
		return err
	}
	if err := t.claim(kindAsset, asset.Slug, id); err != nil {
		return err
	}

	asset.ID = id
	asset.CreatedAt = t.now
	asset.UpdatedAt = t.now
	if err := t.db.Store().TxInsert(t.txn, id, asset); err != nil {
		return storageFailure("insert asset", err)
	}
	return nil
}

func (t *assetTx) CreateUser(user *models.User) error {
	id, err := t.db.NextID(kindUser)
	if err != nil {
		return err
	}
	if err := t.claim(kindUser, user.Nickname, id); err != nil {
		return err
	}

	user.ID = id
	user.CreatedAt = t.now
	if err := t.db.Store().TxInsert(t.txn, id, user); err != nil {
		return storageFailure("insert user", err)
	}
	return nil
}

func (t *assetTx) CreateTag(tag *models.Tag) error {
	id, err := t.db.NextID(kindTag)
	if err != nil {
		return err
	}
	if err := t.claim(kindTag, tag.Label, id); err != nil {
		return err
	}

	tag.ID = id
	if err := t.db.Store().TxInsert(t.txn, id, tag); err != nil {
		return storageFailure("insert tag", err)
	}
	return nil
}

func (t *assetTx) CreateDownload(download *models.Download) error {
	id, err := t.db.NextID(kindDownload)
	if err != nil {
		return err
	}

	download.ID = id
	download.DownloadedAt = t.now
	if err := t.db.Store().TxInsert(t.txn, id, download); err != nil {
		return storageFailure("insert download", err)
	}
	return nil
}

// SaveAsset writes the mutable fields of an existing asset. The slug is immutable.
func (t *assetTx) SaveAsset(asset *models.Asset) error {
	current, err := t.AssetByID(asset.ID)
	if err != nil {
		return err
	}
	if current.Slug != asset.Slug {
		return fmt.Errorf("asset %d: slug is immutable (%q -> %q): %w", asset.ID, current.Slug, asset.Slug, interfaces.ErrStorageFailure)
	}

	asset.CreatedAt = current.CreatedAt
	asset.UpdatedAt = t.now
	if err := t.db.Store().TxUpdate(t.txn, asset.ID, asset); err != nil {
		return storageFailure("update asset", err)
	}
	return nil
}

func (t *assetTx) HasDownloads(assetID int64) (bool, error) {
	count, err := t.db.Store().TxCount(t.txn, &models.Download{}, badgerhold.Where("AssetID").Eq(assetID).Index("AssetID"))
	if err != nil {
		return false, storageFailure("count downloads", err)
	}
	return count > 0, nil
}
