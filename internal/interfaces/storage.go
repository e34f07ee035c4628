package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/polymer/internal/models"
)

var (
	// ErrNotFound is returned by keyed lookups that match nothing.
	ErrNotFound = errors.New("not found")

	// ErrStorageFailure wraps every backend error that is not a plain miss.
	ErrStorageFailure = errors.New("storage failure")

	// ErrInvalidParent is returned when a category parent is missing or would form a cycle.
	ErrInvalidParent = models.ErrInvalidParent

	// ErrCategoryInUse is returned when deleting a category that still has children.
	ErrCategoryInUse = errors.New("category has children")
)

// AssetTx is the view of storage inside one unit of work. Nothing written
// through it is visible to other units of work until the enclosing Update
// returns nil.
type AssetTx interface {
	AssetBySlug(slug string) (*models.Asset, error)
	AssetByID(id int64) (*models.Asset, error)
	UserByNickname(nickname string) (*models.User, error)
	TagByLabel(label string) (*models.Tag, error)

	// Create* assign the id (and timestamps) on the passed value.
	CreateAsset(asset *models.Asset) error
	CreateUser(user *models.User) error
	CreateTag(tag *models.Tag) error
	CreateDownload(download *models.Download) error

	SaveAsset(asset *models.Asset) error
	HasDownloads(assetID int64) (bool, error)
}

// AssetStorage persists the mirrored catalogue.
type AssetStorage interface {
	// Update runs fn as one unit of work and commits when fn returns nil.
	// fn may be invoked more than once if the backend retries on conflict,
	// so it must not have side effects outside tx.
	Update(ctx context.Context, fn func(tx AssetTx) error) error

	// FindFreeUnclaimed returns assets with price 0 and no downloads.
	FindFreeUnclaimed(ctx context.Context) ([]*models.Asset, error)
	// FindPendingDownloads returns assets with a download URL and no downloads.
	FindPendingDownloads(ctx context.Context) ([]*models.Asset, error)

	// Read model
	ListAssets(ctx context.Context, filter models.AssetFilter) ([]*models.AssetView, int, error)
	GetAsset(ctx context.Context, id int64) (*models.AssetView, error)
	ListDownloads(ctx context.Context, assetID int64) ([]*models.Download, error)
	ListTags(ctx context.Context) ([]*models.Tag, error)
	ListUsers(ctx context.Context) ([]*models.UserView, error)
}

// CategoryStorage is plain CRUD over the category tree.
type CategoryStorage interface {
	ListCategories(ctx context.Context, filter models.CategoryFilter) ([]*models.CategoryView, int, error)
	GetCategory(ctx context.Context, id int64) (*models.CategoryView, error)
	CreateCategory(ctx context.Context, category *models.Category) error
	UpdateCategory(ctx context.Context, category *models.Category) error
	DeleteCategory(ctx context.Context, id int64) error
}

// StorageManager owns the backend connection and hands out storages.
type StorageManager interface {
	AssetStorage() AssetStorage
	CategoryStorage() CategoryStorage
	Close() error
}
