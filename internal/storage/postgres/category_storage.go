package postgres

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/interfaces"
	"github.com/ternarybob/polymer/internal/models"
)

// CategoryStorage implements the CategoryStorage interface for PostgreSQL
type CategoryStorage struct {
	pool   *pgxpool.Pool
	logger arbor.ILogger
}

// NewCategoryStorage creates a new CategoryStorage instance
func NewCategoryStorage(pool *pgxpool.Pool, logger arbor.ILogger) interfaces.CategoryStorage {
	return &CategoryStorage{
		pool:   pool,
		logger: logger,
	}
}

func allCategories(ctx context.Context, q querier) (map[int64]*models.CategoryView, error) {
	rows, err := q.Query(ctx, `
		SELECT c.id, c.parent_id, c.label,
		       COALESCE((SELECT array_agg(k.id ORDER BY k.id) FROM categories k WHERE k.parent_id = c.id), '{}')
		FROM categories c`)
	if err != nil {
		return nil, wrap(err, "list categories")
	}
	views, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.CategoryView, error) {
		var view models.CategoryView
		err := row.Scan(&view.ID, &view.ParentID, &view.Label, &view.ChildIDs)
		return &view, err
	})
	if err != nil {
		return nil, wrap(err, "list categories")
	}

	byID := make(map[int64]*models.CategoryView, len(views))
	for _, view := range views {
		byID[view.ID] = view
	}
	return byID, nil
}

func (s *CategoryStorage) ListCategories(ctx context.Context, filter models.CategoryFilter) ([]*models.CategoryView, int, error) {
	compare, err := models.Comparer(models.CategorySortFields, filter.Sort, func(v *models.CategoryView) int64 { return v.ID })
	if err != nil {
		return nil, 0, err
	}

	byID, err := allCategories(ctx, s.pool)
	if err != nil {
		return nil, 0, err
	}

	var matched []*models.CategoryView
	for _, view := range byID {
		if filter.Matches(view) {
			matched = append(matched, view)
		}
	}

	slices.SortFunc(matched, compare)
	return models.Page(matched, filter.Offset, filter.Limit), len(matched), nil
}

func (s *CategoryStorage) GetCategory(ctx context.Context, id int64) (*models.CategoryView, error) {
	var view models.CategoryView
	err := s.pool.QueryRow(ctx, `
		SELECT c.id, c.parent_id, c.label,
		       COALESCE((SELECT array_agg(k.id ORDER BY k.id) FROM categories k WHERE k.parent_id = c.id), '{}')
		FROM categories c WHERE c.id = $1`, id).
		Scan(&view.ID, &view.ParentID, &view.Label, &view.ChildIDs)
	if err != nil {
		return nil, wrap(err, "get category")
	}
	return &view, nil
}

// withTreeLock runs fn in a transaction holding a write lock on the tree,
// so parent checks see every concurrent change.
func (s *CategoryStorage) withTreeLock(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE categories IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return wrap(err, "lock categories")
		}
		return fn(tx)
	})
}

func (s *CategoryStorage) CreateCategory(ctx context.Context, category *models.Category) error {
	return s.withTreeLock(ctx, func(tx pgx.Tx) error {
		if category.ParentID != nil {
			// A new row has no descendants, so only existence matters
			if err := checkParent(ctx, tx, 0, *category.ParentID); err != nil {
				return err
			}
		}

		err := tx.QueryRow(ctx, `INSERT INTO categories (parent_id, label) VALUES ($1, $2) RETURNING id`,
			category.ParentID, category.Label).Scan(&category.ID)
		return wrap(err, "insert category")
	})
}

func (s *CategoryStorage) UpdateCategory(ctx context.Context, category *models.Category) error {
	return s.withTreeLock(ctx, func(tx pgx.Tx) error {
		byID, err := allCategories(ctx, tx)
		if err != nil {
			return err
		}
		if _, ok := byID[category.ID]; !ok {
			return interfaces.ErrNotFound
		}
		if category.ParentID != nil {
			if err := models.CheckParent(parentsOf(byID), category.ID, *category.ParentID); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx, `UPDATE categories SET parent_id = $2, label = $3 WHERE id = $1`,
			category.ID, category.ParentID, category.Label)
		return wrap(err, "update category")
	})
}

func (s *CategoryStorage) DeleteCategory(ctx context.Context, id int64) error {
	return s.withTreeLock(ctx, func(tx pgx.Tx) error {
		var children int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM categories WHERE parent_id = $1`, id).Scan(&children); err != nil {
			return wrap(err, "count children")
		}
		if children > 0 {
			return fmt.Errorf("category %d: %w", id, interfaces.ErrCategoryInUse)
		}

		tag, err := tx.Exec(ctx, `DELETE FROM categories WHERE id = $1`, id)
		if err != nil {
			return wrap(err, "delete category")
		}
		if tag.RowsAffected() == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
}

func checkParent(ctx context.Context, q querier, id, parentID int64) error {
	byID, err := allCategories(ctx, q)
	if err != nil {
		return err
	}
	return models.CheckParent(parentsOf(byID), id, parentID)
}

func parentsOf(byID map[int64]*models.CategoryView) map[int64]*int64 {
	parents := make(map[int64]*int64, len(byID))
	for id, view := range byID {
		parents[id] = view.ParentID
	}
	return parents
}
