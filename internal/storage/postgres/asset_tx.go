package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/ternarybob/polymer/internal/interfaces"
	"github.com/ternarybob/polymer/internal/models"
)

const assetColumns = `a.id, a.slug, a.name, a.details, a.description, a.cents, a.creator_id,
	a.download_url, a.yanked, a.created_at, a.updated_at,
	COALESCE((SELECT array_agg(t.tag_id ORDER BY t.tag_id) FROM asset_tags t WHERE t.asset_id = a.id), '{}'),
	COALESCE((SELECT array_agg(i.src ORDER BY i.position) FROM illustrations i WHERE i.asset_id = a.id), '{}')`

// assetTx is one pgx transaction. Every statement runs on ctx so a
// cancelled unit of work aborts at the next round trip.
type assetTx struct {
	ctx context.Context
	tx  pgx.Tx
	now time.Time
}

func scanAsset(row pgx.Row) (*models.Asset, error) {
	var asset models.Asset
	var srcs []string
	err := row.Scan(
		&asset.ID, &asset.Slug, &asset.Name, &asset.Details, &asset.Description, &asset.Cents, &asset.CreatorID,
		&asset.DownloadURL, &asset.Yanked, &asset.CreatedAt, &asset.UpdatedAt,
		&asset.TagIDs, &srcs,
	)
	if err != nil {
		return nil, err
	}
	for _, src := range srcs {
		asset.Illustrations = append(asset.Illustrations, models.Illustration{Src: src})
	}
	return &asset, nil
}

func (t *assetTx) assetWhere(condition string, arg any) (*models.Asset, error) {
	row := t.tx.QueryRow(t.ctx, `SELECT `+assetColumns+` FROM assets a WHERE `+condition, arg)
	asset, err := scanAsset(row)
	if err != nil {
		return nil, wrap(err, "get asset")
	}
	return asset, nil
}

func (t *assetTx) AssetBySlug(slug string) (*models.Asset, error) {
	return t.assetWhere("a.slug = $1", slug)
}

func (t *assetTx) AssetByID(id int64) (*models.Asset, error) {
	return t.assetWhere("a.id = $1", id)
}

func (t *assetTx) UserByNickname(nickname string) (*models.User, error) {
	var user models.User
	err := t.tx.QueryRow(t.ctx, `SELECT id, nickname, created_at FROM users WHERE nickname = $1`, nickname).
		Scan(&user.ID, &user.Nickname, &user.CreatedAt)
	if err != nil {
		return nil, wrap(err, "get user")
	}
	return &user, nil
}

func (t *assetTx) TagByLabel(label string) (*models.Tag, error) {
	var tag models.Tag
	err := t.tx.QueryRow(t.ctx, `SELECT id, label FROM tags WHERE label = $1`, label).Scan(&tag.ID, &tag.Label)
	if err != nil {
		return nil, wrap(err, "get tag")
	}
	return &tag, nil
}

func (t *assetTx) CreateAsset(asset *models.Asset) error {
	err := t.tx.QueryRow(t.ctx, `
		INSERT INTO assets (slug, name, details, description, cents, creator_id, download_url, yanked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING id`,
		asset.Slug, asset.Name, asset.Details, asset.Description, asset.Cents, asset.CreatorID,
		asset.DownloadURL, asset.Yanked, t.now,
	).Scan(&asset.ID)
	if err != nil {
		return wrap(err, "insert asset")
	}

	asset.CreatedAt = t.now
	asset.UpdatedAt = t.now
	return t.writeChildren(asset)
}

func (t *assetTx) CreateUser(user *models.User) error {
	err := t.tx.QueryRow(t.ctx, `INSERT INTO users (nickname, created_at) VALUES ($1, $2) RETURNING id`,
		user.Nickname, t.now).Scan(&user.ID)
	if err != nil {
		return wrap(err, "insert user")
	}
	user.CreatedAt = t.now
	return nil
}

func (t *assetTx) CreateTag(tag *models.Tag) error {
	err := t.tx.QueryRow(t.ctx, `INSERT INTO tags (label) VALUES ($1) RETURNING id`, tag.Label).Scan(&tag.ID)
	if err != nil {
		return wrap(err, "insert tag")
	}
	return nil
}

func (t *assetTx) CreateDownload(download *models.Download) error {
	err := t.tx.QueryRow(t.ctx, `INSERT INTO downloads (asset_id, filename, downloaded_at) VALUES ($1, $2, $3) RETURNING id`,
		download.AssetID, download.Filename, t.now).Scan(&download.ID)
	if err != nil {
		return wrap(err, "insert download")
	}
	download.DownloadedAt = t.now
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

	_, err = t.tx.Exec(t.ctx, `
		UPDATE assets
		SET name = $2, details = $3, description = $4, cents = $5, creator_id = $6,
		    download_url = $7, yanked = $8, updated_at = $9
		WHERE id = $1`,
		asset.ID, asset.Name, asset.Details, asset.Description, asset.Cents, asset.CreatorID,
		asset.DownloadURL, asset.Yanked, t.now,
	)
	if err != nil {
		return wrap(err, "update asset")
	}

	asset.CreatedAt = current.CreatedAt
	asset.UpdatedAt = t.now
	return t.writeChildren(asset)
}

// writeChildren replaces the tag links and illustrations of asset.
func (t *assetTx) writeChildren(asset *models.Asset) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM asset_tags WHERE asset_id = $1`, asset.ID)
	batch.Queue(`DELETE FROM illustrations WHERE asset_id = $1`, asset.ID)
	for _, tagID := range asset.TagIDs {
		batch.Queue(`INSERT INTO asset_tags (asset_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, asset.ID, tagID)
	}
	for position, illustration := range asset.Illustrations {
		batch.Queue(`INSERT INTO illustrations (asset_id, position, src) VALUES ($1, $2, $3)`, asset.ID, position, illustration.Src)
	}

	if err := t.tx.SendBatch(t.ctx, batch).Close(); err != nil {
		return wrap(err, "write asset children")
	}
	return nil
}

func (t *assetTx) HasDownloads(assetID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(t.ctx, `SELECT EXISTS (SELECT 1 FROM downloads WHERE asset_id = $1)`, assetID).Scan(&exists)
	if err != nil {
		return false, wrap(err, "count downloads")
	}
	return exists, nil
}
