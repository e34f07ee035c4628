package badger

import (
	"context"
	"fmt"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/interfaces"
	"github.com/ternarybob/polymer/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// CategoryStorage implements the CategoryStorage interface for Badger
type CategoryStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCategoryStorage creates a new CategoryStorage instance
func NewCategoryStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CategoryStorage {
	return &CategoryStorage{
		db:     db,
		logger: logger,
	}
}

func (s *CategoryStorage) all(txn *badger.Txn) ([]models.Category, error) {
	var categories []models.Category
	if err := s.db.Store().TxFind(txn, &categories, nil); err != nil {
		return nil, storageFailure("list categories", err)
	}
	return categories, nil
}

func views(categories []models.Category) map[int64]*models.CategoryView {
	byID := make(map[int64]*models.CategoryView, len(categories))
	for _, c := range categories {
		byID[c.ID] = &models.CategoryView{Category: c, ChildIDs: []int64{}}
	}
	for _, c := range categories {
		if c.ParentID == nil {
			continue
		}
		if parent, ok := byID[*c.ParentID]; ok {
			parent.ChildIDs = append(parent.ChildIDs, c.ID)
		}
	}
	for _, v := range byID {
		slices.Sort(v.ChildIDs)
	}
	return byID
}

func (s *CategoryStorage) ListCategories(ctx context.Context, filter models.CategoryFilter) ([]*models.CategoryView, int, error) {
	compare, err := models.Comparer(models.CategorySortFields, filter.Sort, func(v *models.CategoryView) int64 { return v.ID })
	if err != nil {
		return nil, 0, err
	}

	var categories []models.Category
	err = s.db.Store().Badger().View(func(txn *badger.Txn) error {
		var err error
		categories, err = s.all(txn)
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	var matched []*models.CategoryView
	for _, view := range views(categories) {
		if filter.Matches(view) {
			matched = append(matched, view)
		}
	}

	slices.SortFunc(matched, compare)
	return models.Page(matched, filter.Offset, filter.Limit), len(matched), nil
}

func (s *CategoryStorage) GetCategory(ctx context.Context, id int64) (*models.CategoryView, error) {
	var view *models.CategoryView
	err := s.db.Store().Badger().View(func(txn *badger.Txn) error {
		categories, err := s.all(txn)
		if err != nil {
			return err
		}
		v, ok := views(categories)[id]
		if !ok {
			return interfaces.ErrNotFound
		}
		view = v
		return nil
	})
	return view, err
}

func (s *CategoryStorage) CreateCategory(ctx context.Context, category *models.Category) error {
	return s.db.Store().Badger().Update(func(txn *badger.Txn) error {
		id, err := s.db.NextID(kindCategory)
		if err != nil {
			return err
		}
		if err := s.checkParent(txn, id, category.ParentID); err != nil {
			return err
		}

		category.ID = id
		if err := s.db.Store().TxInsert(txn, id, category); err != nil {
			return storageFailure("insert category", err)
		}
		return nil
	})
}

func (s *CategoryStorage) UpdateCategory(ctx context.Context, category *models.Category) error {
	return s.db.Store().Badger().Update(func(txn *badger.Txn) error {
		var current models.Category
		if err := s.db.Store().TxGet(txn, category.ID, &current); err != nil {
			if err == badgerhold.ErrNotFound {
				return interfaces.ErrNotFound
			}
			return storageFailure("get category", err)
		}
		if err := s.checkParent(txn, category.ID, category.ParentID); err != nil {
			return err
		}

		if err := s.db.Store().TxUpdate(txn, category.ID, category); err != nil {
			return storageFailure("update category", err)
		}
		return nil
	})
}

func (s *CategoryStorage) DeleteCategory(ctx context.Context, id int64) error {
	return s.db.Store().Badger().Update(func(txn *badger.Txn) error {
		categories, err := s.all(txn)
		if err != nil {
			return err
		}
		view, ok := views(categories)[id]
		if !ok {
			return interfaces.ErrNotFound
		}
		if len(view.ChildIDs) > 0 {
			return fmt.Errorf("category %d: %w", id, interfaces.ErrCategoryInUse)
		}

		if err := s.db.Store().TxDelete(txn, id, &models.Category{}); err != nil {
			return storageFailure("delete category", err)
		}
		return nil
	})
}

// checkParent rejects a parent that does not exist or whose ancestry already contains id.
func (s *CategoryStorage) checkParent(txn *badger.Txn, id int64, parentID *int64) error {
	if parentID == nil {
		return nil
	}

	categories, err := s.all(txn)
	if err != nil {
		return err
	}
	parents := make(map[int64]*int64, len(categories))
	for _, c := range categories {
		parents[c.ID] = c.ParentID
	}

	return models.CheckParent(parents, id, *parentID)
}
