package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidParent is returned when a category parent is missing or would form a cycle.
var ErrInvalidParent = errors.New("invalid parent category")

// User is an asset creator, keyed naturally by Nickname.
type User struct {
	ID        int64     `json:"id" badgerhold:"key"`
	Nickname  string    `json:"nickname"`
	CreatedAt time.Time `json:"created_at"`
}

// UserView adds the ids of the assets the user created.
type UserView struct {
	User
	AssetIDs []int64 `json:"asset_ids"`
}

// Tag is a case-sensitive label shared between assets.
type Tag struct {
	ID    int64  `json:"id" badgerhold:"key"`
	Label string `json:"label"`
}

// Download records one file fetched to disk for an asset. Rows are never
// updated; DownloadedAt is assigned by the store when the row is committed.
type Download struct {
	ID           int64     `json:"id" badgerhold:"key"`
	AssetID      int64     `json:"asset_id" badgerhold:"index"`
	Filename     string    `json:"filename"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// Category is a node in a user-maintained label tree.
type Category struct {
	ID       int64  `json:"id" badgerhold:"key"`
	ParentID *int64 `json:"parent_id"`
	Label    string `json:"label" validate:"required"`
}

// CategoryView adds the ids of direct children.
type CategoryView struct {
	Category
	ChildIDs []int64 `json:"child_ids"`
}

// CategoryFilter selects categories for the read API.
type CategoryFilter struct {
	Query  string
	IDs    []int64
	Sort   SortSpec
	Offset int
	Limit  int
}

// Matches applies the free-text query (case-insensitive, over the label) and the id list.
func (f *CategoryFilter) Matches(view *CategoryView) bool {
	if len(f.IDs) > 0 && !containsID(f.IDs, view.ID) {
		return false
	}
	if f.Query != "" && !strings.Contains(strings.ToLower(view.Label), strings.ToLower(f.Query)) {
		return false
	}
	return true
}

// CheckParent validates giving category id the parent parentID, where parents
// maps every existing category to its parent. The parent must exist and
// must not be id or one of its descendants.
func CheckParent(parents map[int64]*int64, id, parentID int64) error {
	if _, ok := parents[parentID]; !ok {
		return fmt.Errorf("parent category %d does not exist: %w", parentID, ErrInvalidParent)
	}

	seen := make(map[int64]bool)
	for current := parentID; ; {
		if current == id {
			return fmt.Errorf("category %d would become its own ancestor: %w", id, ErrInvalidParent)
		}
		if seen[current] {
			return nil
		}
		seen[current] = true

		parent, ok := parents[current]
		if !ok || parent == nil {
			return nil
		}
		current = *parent
	}
}
