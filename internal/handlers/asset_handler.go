package handlers

import (
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/interfaces"
	"github.com/ternarybob/polymer/internal/models"
)

// AssetHandler serves the read-only catalogue: assets, their files, tags and users.
type AssetHandler struct {
	storage      interfaces.AssetStorage
	downloadsDir string
	logger       arbor.ILogger
}

func NewAssetHandler(storage interfaces.AssetStorage, downloadsDir string, logger arbor.ILogger) *AssetHandler {
	return &AssetHandler{
		storage:      storage,
		downloadsDir: downloadsDir,
		logger:       logger,
	}
}

func parseAssetFilter(r *http.Request) (models.AssetFilter, error) {
	filter := models.AssetFilter{Query: r.URL.Query().Get("q")}
	var err error

	if filter.Yanked, err = queryBool(r, "yanked"); err != nil {
		return filter, err
	}
	if filter.Downloaded, err = queryBool(r, "downloaded"); err != nil {
		return filter, err
	}
	if filter.Free, err = queryBool(r, "free"); err != nil {
		return filter, err
	}
	if filter.CreatorID, err = queryID(r, "creator_id"); err != nil {
		return filter, err
	}
	if filter.TagID, err = queryID(r, "tag_id"); err != nil {
		return filter, err
	}
	if filter.IDs, err = queryIDs(r, "id"); err != nil {
		return filter, err
	}
	if filter.Sort, err = querySort(r, models.AssetSortFields); err != nil {
		return filter, err
	}
	filter.Offset, filter.Limit, err = queryRange(r)
	return filter, err
}

// List handles GET /api/assets
func (h *AssetHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAssetFilter(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	views, total, err := h.storage.ListAssets(r.Context(), filter)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteList(w, views, total)
}

// Get handles GET /api/assets/{id}
func (h *AssetHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	view, err := h.storage.GetAsset(r.Context(), id)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, view)
}

// File handles GET /api/assets/{id}/file, serving the first downloaded file.
func (h *AssetHandler) File(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	view, err := h.storage.GetAsset(r.Context(), id)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	downloads, err := h.storage.ListDownloads(r.Context(), id)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if len(downloads) == 0 {
		WriteError(w, h.logger, fmt.Errorf("asset %d has no downloaded file: %w", id, interfaces.ErrNotFound))
		return
	}

	filename := filepath.Base(downloads[0].Filename)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	http.ServeFile(w, r, filepath.Join(h.downloadsDir, view.Slug, filename))
}

// Tags handles GET /api/tags
func (h *AssetHandler) Tags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.storage.ListTags(r.Context())
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteList(w, tags, len(tags))
}

// Users handles GET /api/users
func (h *AssetHandler) Users(w http.ResponseWriter, r *http.Request) {
	users, err := h.storage.ListUsers(r.Context())
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteList(w, users, len(users))
}
