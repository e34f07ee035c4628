package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/interfaces"
	"github.com/ternarybob/polymer/internal/models"
)

// CategoryHandler is CRUD over the category tree.
type CategoryHandler struct {
	storage interfaces.CategoryStorage
	logger  arbor.ILogger
}

func NewCategoryHandler(storage interfaces.CategoryStorage, logger arbor.ILogger) *CategoryHandler {
	return &CategoryHandler{
		storage: storage,
		logger:  logger,
	}
}

// categoryRequest is the body of create and update.
type categoryRequest struct {
	Label    string `json:"label" validate:"required"`
	ParentID *int64 `json:"parent_id"`
}

// List handles GET /api/categories
func (h *CategoryHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := models.CategoryFilter{Query: r.URL.Query().Get("q")}
	var err error
	if filter.IDs, err = queryIDs(r, "id"); err == nil {
		if filter.Sort, err = querySort(r, models.CategorySortFields); err == nil {
			filter.Offset, filter.Limit, err = queryRange(r)
		}
	}
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	views, total, err := h.storage.ListCategories(r.Context(), filter)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteList(w, views, total)
}

// Get handles GET /api/categories/{id}
func (h *CategoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	view, err := h.storage.GetCategory(r.Context(), id)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, view)
}

// Create handles POST /api/categories
func (h *CategoryHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	category := &models.Category{Label: req.Label, ParentID: req.ParentID}
	if err := h.storage.CreateCategory(r.Context(), category); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	h.respond(w, r, http.StatusCreated, category.ID)
}

// Update handles PUT /api/categories/{id}
func (h *CategoryHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	var req categoryRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	category := &models.Category{ID: id, Label: req.Label, ParentID: req.ParentID}
	if err := h.storage.UpdateCategory(r.Context(), category); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	h.respond(w, r, http.StatusOK, id)
}

// Delete handles DELETE /api/categories/{id}
func (h *CategoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if err := h.storage.DeleteCategory(r.Context(), id); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respond writes the stored view of category id.
func (h *CategoryHandler) respond(w http.ResponseWriter, r *http.Request, status int, id int64) {
	view, err := h.storage.GetCategory(r.Context(), id)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, status, view)
}
