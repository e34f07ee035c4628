package badger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/common"
	"github.com/ternarybob/polymer/internal/interfaces"
	"github.com/ternarybob/polymer/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()

	dir := t.TempDir()
	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	require.NoError(t, err)

	db := newBadgerDB(store, arbor.NewLogger(), &common.BadgerConfig{Path: dir})
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// seedAsset creates an asset with its creator, the way the ingester does.
func seedAsset(t *testing.T, storage interfaces.AssetStorage, slug, creator string, cents int64) *models.Asset {
	t.Helper()
	asset := &models.Asset{Slug: slug, Name: "Name " + slug, Cents: cents}

	err := storage.Update(context.Background(), func(tx interfaces.AssetTx) error {
		user, err := tx.UserByNickname(creator)
		if errors.Is(err, interfaces.ErrNotFound) {
			user = &models.User{Nickname: creator}
			err = tx.CreateUser(user)
		}
		if err != nil {
			return err
		}
		asset.CreatorID = user.ID
		return tx.CreateAsset(asset)
	})
	require.NoError(t, err)
	return asset
}

func addDownload(t *testing.T, storage interfaces.AssetStorage, assetID int64, filename string) {
	t.Helper()
	err := storage.Update(context.Background(), func(tx interfaces.AssetTx) error {
		return tx.CreateDownload(&models.Download{AssetID: assetID, Filename: filename})
	})
	require.NoError(t, err)
}

func TestAssetNaturalKeys(t *testing.T) {
	storage := NewAssetStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	first := seedAsset(t, storage, "benchy", "alice", 0)
	assert.Equal(t, int64(1), first.ID, "ids start at 1")
	assert.False(t, first.CreatedAt.IsZero())

	err := storage.Update(ctx, func(tx interfaces.AssetTx) error {
		asset, err := tx.AssetBySlug("benchy")
		require.NoError(t, err)
		assert.Equal(t, first.ID, asset.ID)

		tag := &models.Tag{Label: "Boat"}
		require.NoError(t, tx.CreateTag(tag))
		found, err := tx.TagByLabel("Boat")
		require.NoError(t, err)
		assert.Equal(t, tag.ID, found.ID)

		_, err = tx.TagByLabel("boat")
		assert.ErrorIs(t, err, interfaces.ErrNotFound, "labels are case-sensitive")

		_, err = tx.AssetBySlug("missing")
		assert.ErrorIs(t, err, interfaces.ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	// A second asset with the same slug is refused
	err = storage.Update(ctx, func(tx interfaces.AssetTx) error {
		return tx.CreateAsset(&models.Asset{Slug: "benchy", Name: "dup"})
	})
	assert.ErrorIs(t, err, interfaces.ErrStorageFailure)

	views, total, err := storage.ListAssets(ctx, models.AssetFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, views, 1)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	storage := NewAssetStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()
	boom := errors.New("boom")

	err := storage.Update(ctx, func(tx interfaces.AssetTx) error {
		if err := tx.CreateAsset(&models.Asset{Slug: "ghost", Name: "Ghost"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = storage.Update(ctx, func(tx interfaces.AssetTx) error {
		_, err := tx.AssetBySlug("ghost")
		assert.ErrorIs(t, err, interfaces.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestSaveAssetKeepsSlugAndCreatedAt(t *testing.T) {
	storage := NewAssetStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()
	asset := seedAsset(t, storage, "rocket", "bob", 500)

	err := storage.Update(ctx, func(tx interfaces.AssetTx) error {
		current, err := tx.AssetByID(asset.ID)
		if err != nil {
			return err
		}
		current.MarkOrdered("https://dl/rocket.zip")
		return tx.SaveAsset(current)
	})
	require.NoError(t, err)

	view, err := storage.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.True(t, view.Yanked)
	require.NotNil(t, view.DownloadURL)
	assert.Equal(t, "https://dl/rocket.zip", *view.DownloadURL)
	assert.Equal(t, "bob", view.Creator)
	assert.True(t, view.CreatedAt.Equal(asset.CreatedAt))

	err = storage.Update(ctx, func(tx interfaces.AssetTx) error {
		current, err := tx.AssetByID(asset.ID)
		if err != nil {
			return err
		}
		current.Slug = "renamed"
		return tx.SaveAsset(current)
	})
	assert.ErrorIs(t, err, interfaces.ErrStorageFailure)
}

func TestActionablePredicates(t *testing.T) {
	storage := NewAssetStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	free := seedAsset(t, storage, "free", "alice", 0)
	paid := seedAsset(t, storage, "paid", "alice", 300)
	claimed := seedAsset(t, storage, "claimed", "bob", 0)

	for _, a := range []*models.Asset{paid, claimed} {
		asset := a
		require.NoError(t, storage.Update(ctx, func(tx interfaces.AssetTx) error {
			current, err := tx.AssetByID(asset.ID)
			if err != nil {
				return err
			}
			current.MarkOrdered("https://dl/" + current.Slug)
			return tx.SaveAsset(current)
		}))
	}
	addDownload(t, storage, claimed.ID, "claimed.zip")

	unclaimed, err := storage.FindFreeUnclaimed(ctx)
	require.NoError(t, err)
	require.Len(t, unclaimed, 1)
	assert.Equal(t, free.ID, unclaimed[0].ID)

	pending, err := storage.FindPendingDownloads(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, paid.ID, pending[0].ID)

	err = storage.Update(ctx, func(tx interfaces.AssetTx) error {
		has, err := tx.HasDownloads(claimed.ID)
		require.NoError(t, err)
		assert.True(t, has)
		has, err = tx.HasDownloads(paid.ID)
		require.NoError(t, err)
		assert.False(t, has)
		return nil
	})
	require.NoError(t, err)

	downloads, err := storage.ListDownloads(ctx, claimed.ID)
	require.NoError(t, err)
	require.Len(t, downloads, 1)
	assert.Equal(t, "claimed.zip", downloads[0].Filename)
	assert.False(t, downloads[0].DownloadedAt.IsZero())
}

func TestListAssetsFiltersSortsAndPages(t *testing.T) {
	storage := NewAssetStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	a := seedAsset(t, storage, "anchor", "alice", 0)
	b := seedAsset(t, storage, "barrel", "bob", 200)
	c := seedAsset(t, storage, "cannon", "alice", 100)
	addDownload(t, storage, b.ID, "barrel.stl")

	spec, err := models.ParseSort(models.AssetSortFields, "cents", "desc")
	require.NoError(t, err)
	views, total, err := storage.ListAssets(ctx, models.AssetFilter{Sort: spec, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, views, 2)
	assert.Equal(t, b.ID, views[0].ID)
	assert.Equal(t, c.ID, views[1].ID)

	downloaded := true
	views, total, err = storage.ListAssets(ctx, models.AssetFilter{Downloaded: &downloaded})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, b.ID, views[0].ID)
	assert.Len(t, views[0].DownloadIDs, 1)

	views, total, err = storage.ListAssets(ctx, models.AssetFilter{Query: "ALICE"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, a.ID, views[0].ID)

	users, err := storage.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Nickname)
	assert.Equal(t, []int64{a.ID, c.ID}, users[0].AssetIDs)

	_, err = storage.GetAsset(ctx, 999)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestCategoryTree(t *testing.T) {
	storage := NewCategoryStorage(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	root := &models.Category{Label: "Vehicles"}
	require.NoError(t, storage.CreateCategory(ctx, root))
	child := &models.Category{Label: "Boats", ParentID: &root.ID}
	require.NoError(t, storage.CreateCategory(ctx, child))

	missing := int64(42)
	err := storage.CreateCategory(ctx, &models.Category{Label: "Orphan", ParentID: &missing})
	assert.ErrorIs(t, err, interfaces.ErrInvalidParent)

	view, err := storage.GetCategory(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{child.ID}, view.ChildIDs)

	// Making the root a child of its own child is a cycle
	root.ParentID = &child.ID
	err = storage.UpdateCategory(ctx, root)
	assert.ErrorIs(t, err, interfaces.ErrInvalidParent)

	err = storage.DeleteCategory(ctx, root.ID)
	assert.ErrorIs(t, err, interfaces.ErrCategoryInUse)

	require.NoError(t, storage.DeleteCategory(ctx, child.ID))
	require.NoError(t, storage.DeleteCategory(ctx, root.ID))

	_, total, err := storage.ListCategories(ctx, models.CategoryFilter{Sort: models.SortSpec{Field: "id"}})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}
