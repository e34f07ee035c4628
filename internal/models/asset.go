package models

import (
	"strings"
	"time"
)

// Illustration is an image attached to an asset. Order within Asset.Illustrations
// is significant: the first entry is the primary illustration.
type Illustration struct {
	Src string `json:"src"`
}

// Asset is a marketplace item mirrored locally, keyed naturally by Slug.
// Creator and tags are referenced by id; illustrations are owned by value.
type Asset struct {
	ID            int64          `json:"id" badgerhold:"key"`
	Slug          string         `json:"slug"`
	Name          string         `json:"name"`
	Details       string         `json:"details"`
	Description   string         `json:"description"`
	Cents         int64          `json:"cents"`
	CreatorID     int64          `json:"creator_id"`
	TagIDs        []int64        `json:"tag_ids"`
	Illustrations []Illustration `json:"illustrations"`
	DownloadURL   *string        `json:"download_url"`
	Yanked        bool           `json:"yanked"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// IsFree reports whether the asset costs nothing.
func (a *Asset) IsFree() bool {
	return a.Cents == 0
}

// PrimaryIllustration returns the first illustration, or nil when there are none.
func (a *Asset) PrimaryIllustration() *Illustration {
	if len(a.Illustrations) == 0 {
		return nil
	}
	return &a.Illustrations[0]
}

// MarkOrdered records that the asset was seen in an order. Yanked is only
// ever raised here, never cleared; the download URL of the latest order wins.
func (a *Asset) MarkOrdered(downloadURL string) {
	a.Yanked = true
	url := downloadURL
	a.DownloadURL = &url
}

// HasTag reports whether tagID is already referenced.
func (a *Asset) HasTag(tagID int64) bool {
	for _, id := range a.TagIDs {
		if id == tagID {
			return true
		}
	}
	return false
}

// AssetView is the read model served by the API: the stored asset plus the
// fields derived from its references.
type AssetView struct {
	Asset
	Creator         string  `json:"creator"`
	Free            bool    `json:"free"`
	Downloaded      bool    `json:"downloaded"`
	IllustrationURL *string `json:"illustration_url"`
	DownloadIDs     []int64 `json:"download_ids"`
}

// NewAssetView derives the read model for an asset.
func NewAssetView(asset *Asset, creator string, downloadIDs []int64) *AssetView {
	view := &AssetView{
		Asset:       *asset,
		Creator:     creator,
		Free:        asset.IsFree(),
		Downloaded:  len(downloadIDs) > 0,
		DownloadIDs: downloadIDs,
	}
	if view.DownloadIDs == nil {
		view.DownloadIDs = []int64{}
	}
	if view.TagIDs == nil {
		view.TagIDs = []int64{}
	}
	if view.Illustrations == nil {
		view.Illustrations = []Illustration{}
	}
	if primary := asset.PrimaryIllustration(); primary != nil {
		src := primary.Src
		view.IllustrationURL = &src
	}
	return view
}

// AssetFilter selects assets for the read API. Nil pointers mean "any".
type AssetFilter struct {
	Query      string
	Yanked     *bool
	Downloaded *bool
	Free       *bool
	CreatorID  *int64
	TagID      *int64
	IDs        []int64
	Sort       SortSpec
	Offset     int
	Limit      int
}

// Matches applies every filter except the free-text query and paging.
func (f *AssetFilter) Matches(view *AssetView) bool {
	if f.Yanked != nil && view.Yanked != *f.Yanked {
		return false
	}
	if f.Downloaded != nil && view.Downloaded != *f.Downloaded {
		return false
	}
	if f.Free != nil && view.Free != *f.Free {
		return false
	}
	if f.CreatorID != nil && view.CreatorID != *f.CreatorID {
		return false
	}
	if f.TagID != nil && !view.HasTag(*f.TagID) {
		return false
	}
	if len(f.IDs) > 0 && !containsID(f.IDs, view.ID) {
		return false
	}
	return true
}

// MatchesQuery reports whether q occurs, case-insensitively, in the slug,
// name, description, details or creator nickname. An empty q matches all.
func (f *AssetFilter) MatchesQuery(view *AssetView) bool {
	if f.Query == "" {
		return true
	}
	q := strings.ToLower(f.Query)
	for _, field := range []string{view.Slug, view.Name, view.Description, view.Details, view.Creator} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
