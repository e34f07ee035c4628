package models

import (
	"cmp"
	"fmt"
	"strings"
)

// SortSpec is a validated sort request. Field is always a key of the
// mapping it was parsed against.
type SortSpec struct {
	Field      string
	Descending bool
}

// UnknownSortFieldError is returned for sort names outside the allowed mapping.
type UnknownSortFieldError struct {
	Field string
}

func (e *UnknownSortFieldError) Error() string {
	return fmt.Sprintf("unknown sort field %q", e.Field)
}

// Comparator orders two values of T, returning <0, 0 or >0.
type Comparator[T any] func(a, b *T) int

// AssetSortFields enumerates the asset fields the API may sort by.
var AssetSortFields = map[string]Comparator[AssetView]{
	"id":          func(a, b *AssetView) int { return cmp.Compare(a.ID, b.ID) },
	"slug":        func(a, b *AssetView) int { return strings.Compare(a.Slug, b.Slug) },
	"name":        func(a, b *AssetView) int { return strings.Compare(a.Name, b.Name) },
	"cents":       func(a, b *AssetView) int { return cmp.Compare(a.Cents, b.Cents) },
	"creator":     func(a, b *AssetView) int { return strings.Compare(a.Creator, b.Creator) },
	"creator_id":  func(a, b *AssetView) int { return cmp.Compare(a.CreatorID, b.CreatorID) },
	"yanked":      func(a, b *AssetView) int { return compareBool(a.Yanked, b.Yanked) },
	"free":        func(a, b *AssetView) int { return compareBool(a.Free, b.Free) },
	"downloaded":  func(a, b *AssetView) int { return compareBool(a.Downloaded, b.Downloaded) },
	"created_at":  func(a, b *AssetView) int { return a.CreatedAt.Compare(b.CreatedAt) },
	"updated_at":  func(a, b *AssetView) int { return a.UpdatedAt.Compare(b.UpdatedAt) },
	"description": func(a, b *AssetView) int { return strings.Compare(a.Description, b.Description) },
}

// CategorySortFields enumerates the category fields the API may sort by.
var CategorySortFields = map[string]Comparator[CategoryView]{
	"id":    func(a, b *CategoryView) int { return cmp.Compare(a.ID, b.ID) },
	"label": func(a, b *CategoryView) int { return strings.Compare(a.Label, b.Label) },
	"parent_id": func(a, b *CategoryView) int {
		return cmp.Compare(derefID(a.ParentID), derefID(b.ParentID))
	},
}

// ParseSort validates field against fields. An empty field sorts by id;
// order is "asc" or "desc", case-insensitively, defaulting to ascending.
func ParseSort[T any](fields map[string]Comparator[T], field, order string) (SortSpec, error) {
	if field == "" {
		field = "id"
	}
	if _, ok := fields[field]; !ok {
		return SortSpec{}, &UnknownSortFieldError{Field: field}
	}
	spec := SortSpec{Field: field}
	switch strings.ToLower(order) {
	case "", "asc":
	case "desc":
		spec.Descending = true
	default:
		return SortSpec{}, fmt.Errorf("invalid sort order %q", order)
	}
	return spec, nil
}

// Comparer returns the comparator for spec, reversed when descending, with
// id as the tie-breaker so paging is stable. A zero spec sorts by id.
func Comparer[T any](fields map[string]Comparator[T], spec SortSpec, id func(*T) int64) (func(a, b *T) int, error) {
	if spec.Field == "" {
		spec.Field = "id"
	}
	compare, ok := fields[spec.Field]
	if !ok {
		return nil, &UnknownSortFieldError{Field: spec.Field}
	}
	return func(a, b *T) int {
		c := compare(a, b)
		if c == 0 {
			c = cmp.Compare(id(a), id(b))
		}
		if spec.Descending {
			return -c
		}
		return c
	}, nil
}

// Page slices items by offset and limit. A non-positive limit means no limit.
func Page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func derefID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}
