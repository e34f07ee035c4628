package postgres

import (
	"context"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/interfaces"
	"github.com/ternarybob/polymer/internal/models"
)

// maxConflictRetries bounds how often a unit of work is replayed.
const maxConflictRetries = 5

// viewColumns extends assetColumns with the creator nickname and download ids.
const viewColumns = assetColumns + `,
	COALESCE(u.nickname, ''),
	COALESCE((SELECT array_agg(d.id ORDER BY d.id) FROM downloads d WHERE d.asset_id = a.id), '{}')`

const viewFrom = ` FROM assets a LEFT JOIN users u ON u.id = a.creator_id`

// AssetStorage implements the AssetStorage interface for PostgreSQL
type AssetStorage struct {
	pool   *pgxpool.Pool
	logger arbor.ILogger
}

// NewAssetStorage creates a new AssetStorage instance
func NewAssetStorage(pool *pgxpool.Pool, logger arbor.ILogger) interfaces.AssetStorage {
	return &AssetStorage{
		pool:   pool,
		logger: logger,
	}
}

// Update runs fn in one serializable transaction, replaying it when the
// commit loses a race on a natural key or a serialization check.
func (s *AssetStorage) Update(ctx context.Context, fn func(tx interfaces.AssetTx) error) error {
	for attempt := 1; ; attempt++ {
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
			return fn(&assetTx{ctx: ctx, tx: tx, now: time.Now().UTC()})
		})
		if err == nil || !isRetryable(err) {
			return err
		}
		if attempt >= maxConflictRetries {
			return wrap(err, "update")
		}

		s.logger.Debug().Int("attempt", attempt).Err(err).Msg("Transaction conflict, retrying unit of work")
	}
}

func (s *AssetStorage) findAssets(ctx context.Context, op, condition string) ([]*models.Asset, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+assetColumns+` FROM assets a WHERE `+condition+` ORDER BY a.id`)
	if err != nil {
		return nil, wrap(err, op)
	}
	defer rows.Close()

	var assets []*models.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, wrap(err, op)
		}
		assets = append(assets, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, op)
	}
	return assets, nil
}

// FindFreeUnclaimed returns assets priced at zero that have no downloads.
func (s *AssetStorage) FindFreeUnclaimed(ctx context.Context) ([]*models.Asset, error) {
	return s.findAssets(ctx, "find free unclaimed",
		`a.cents = 0 AND NOT EXISTS (SELECT 1 FROM downloads d WHERE d.asset_id = a.id)`)
}

// FindPendingDownloads returns assets with a download URL and no downloads.
func (s *AssetStorage) FindPendingDownloads(ctx context.Context) ([]*models.Asset, error) {
	return s.findAssets(ctx, "find pending downloads",
		`a.download_url IS NOT NULL AND NOT EXISTS (SELECT 1 FROM downloads d WHERE d.asset_id = a.id)`)
}

func scanView(row pgx.Row) (*models.AssetView, error) {
	var asset models.Asset
	var srcs []string
	var creator string
	var downloadIDs []int64
	err := row.Scan(
		&asset.ID, &asset.Slug, &asset.Name, &asset.Details, &asset.Description, &asset.Cents, &asset.CreatorID,
		&asset.DownloadURL, &asset.Yanked, &asset.CreatedAt, &asset.UpdatedAt,
		&asset.TagIDs, &srcs, &creator, &downloadIDs,
	)
	if err != nil {
		return nil, err
	}
	for _, src := range srcs {
		asset.Illustrations = append(asset.Illustrations, models.Illustration{Src: src})
	}
	return models.NewAssetView(&asset, creator, downloadIDs), nil
}

// ListAssets filters, sorts and pages the asset read model. The returned
// int is the number of matches before paging.
func (s *AssetStorage) ListAssets(ctx context.Context, filter models.AssetFilter) ([]*models.AssetView, int, error) {
	compare, err := models.Comparer(models.AssetSortFields, filter.Sort, func(v *models.AssetView) int64 { return v.ID })
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `SELECT `+viewColumns+viewFrom)
	if err != nil {
		return nil, 0, wrap(err, "list assets")
	}
	defer rows.Close()

	var views []*models.AssetView
	for rows.Next() {
		view, err := scanView(rows)
		if err != nil {
			return nil, 0, wrap(err, "list assets")
		}
		if filter.Matches(view) && filter.MatchesQuery(view) {
			views = append(views, view)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrap(err, "list assets")
	}

	slices.SortFunc(views, compare)
	return models.Page(views, filter.Offset, filter.Limit), len(views), nil
}

func (s *AssetStorage) GetAsset(ctx context.Context, id int64) (*models.AssetView, error) {
	view, err := scanView(s.pool.QueryRow(ctx, `SELECT `+viewColumns+viewFrom+` WHERE a.id = $1`, id))
	if err != nil {
		return nil, wrap(err, "get asset")
	}
	return view, nil
}

func (s *AssetStorage) ListDownloads(ctx context.Context, assetID int64) ([]*models.Download, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, asset_id, filename, downloaded_at FROM downloads WHERE asset_id = $1 ORDER BY id`, assetID)
	if err != nil {
		return nil, wrap(err, "list downloads")
	}
	downloads, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Download, error) {
		var d models.Download
		err := row.Scan(&d.ID, &d.AssetID, &d.Filename, &d.DownloadedAt)
		return &d, err
	})
	if err != nil {
		return nil, wrap(err, "list downloads")
	}
	return downloads, nil
}

func (s *AssetStorage) ListTags(ctx context.Context) ([]*models.Tag, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, label FROM tags ORDER BY label, id`)
	if err != nil {
		return nil, wrap(err, "list tags")
	}
	tags, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Tag, error) {
		var tag models.Tag
		err := row.Scan(&tag.ID, &tag.Label)
		return &tag, err
	})
	if err != nil {
		return nil, wrap(err, "list tags")
	}
	return tags, nil
}

// ListUsers returns every creator with the ids of the assets they made.
func (s *AssetStorage) ListUsers(ctx context.Context) ([]*models.UserView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.id, u.nickname, u.created_at,
		       COALESCE((SELECT array_agg(a.id ORDER BY a.id) FROM assets a WHERE a.creator_id = u.id), '{}')
		FROM users u
		ORDER BY u.nickname, u.id`)
	if err != nil {
		return nil, wrap(err, "list users")
	}
	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.UserView, error) {
		var view models.UserView
		err := row.Scan(&view.ID, &view.Nickname, &view.CreatedAt, &view.AssetIDs)
		return &view, err
	})
	if err != nil {
		return nil, wrap(err, "list users")
	}
	return users, nil
}
