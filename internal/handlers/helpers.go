package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/interfaces"
	"github.com/ternarybob/polymer/internal/models"
)

var validate = validator.New()

// apiError is the JSON error body. Status is the HTTP status it is sent with.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *apiError) Error() string {
	return e.Message
}

func badRequest(format string, args ...any) *apiError {
	return &apiError{Code: "bad_request", Message: fmt.Sprintf(format, args...), Status: http.StatusBadRequest}
}

// errorFor maps a domain error to its API error.
func errorFor(err error) *apiError {
	var apiErr *apiError
	var sortErr *models.UnknownSortFieldError
	var validationErrs validator.ValidationErrors

	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, interfaces.ErrNotFound), errors.Is(err, interfaces.ErrTaskNotFound):
		return &apiError{Code: "not_found", Message: err.Error(), Status: http.StatusNotFound}
	case errors.As(err, &sortErr):
		return &apiError{Code: "unknown_sort_field", Message: err.Error(), Status: http.StatusUnprocessableEntity}
	case errors.Is(err, interfaces.ErrInvalidParent):
		return &apiError{Code: "invalid_parent", Message: err.Error(), Status: http.StatusUnprocessableEntity}
	case errors.As(err, &validationErrs):
		return &apiError{Code: "invalid", Message: err.Error(), Status: http.StatusUnprocessableEntity}
	case errors.Is(err, interfaces.ErrTaskRunning):
		return &apiError{Code: "task_running", Message: err.Error(), Status: http.StatusConflict}
	case errors.Is(err, interfaces.ErrCategoryInUse):
		return &apiError{Code: "category_in_use", Message: err.Error(), Status: http.StatusConflict}
	default:
		return &apiError{Code: "internal", Message: "internal server error", Status: http.StatusInternalServerError}
	}
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes err as an API error. Server errors are logged with the cause.
func WriteError(w http.ResponseWriter, logger arbor.ILogger, err error) {
	apiErr := errorFor(err)
	if apiErr.Status >= http.StatusInternalServerError {
		logger.Error().Err(err).Msg("Request failed")
	}
	_ = WriteJSON(w, apiErr.Status, apiErr)
}

// WriteList writes items with the pre-paging total in X-Total-Count.
func WriteList[T any](w http.ResponseWriter, items []T, total int) error {
	if items == nil {
		items = []T{}
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	w.Header().Set("Access-Control-Expose-Headers", "X-Total-Count")
	return WriteJSON(w, http.StatusOK, items)
}

// decodeJSON reads the request body into v and validates it.
func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return validate.Struct(v)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, badRequest("invalid id %q", raw)
	}
	return id, nil
}

// queryBool parses an optional boolean query parameter. Absent means nil.
func queryBool(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, badRequest("invalid %s %q", name, raw)
	}
	return &value, nil
}

func queryID(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, err := parseID(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func queryIDs(r *http.Request, name string) ([]int64, error) {
	var ids []int64
	for _, raw := range r.URL.Query()[name] {
		id, err := parseID(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// queryRange reads _start and _end (exclusive) into offset and limit.
// A missing _end means no limit.
func queryRange(r *http.Request) (offset, limit int, err error) {
	query := r.URL.Query()
	if raw := query.Get("_start"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil || offset < 0 {
			return 0, 0, badRequest("invalid _start %q", raw)
		}
	}
	if raw := query.Get("_end"); raw != "" {
		end, err := strconv.Atoi(raw)
		if err != nil || end <= offset {
			return 0, 0, badRequest("invalid _end %q: must be greater than _start", raw)
		}
		limit = end - offset
	}
	return offset, limit, nil
}

// querySort validates _sort and _order against fields.
func querySort[T any](r *http.Request, fields map[string]models.Comparator[T]) (models.SortSpec, error) {
	spec, err := models.ParseSort(fields, r.URL.Query().Get("_sort"), r.URL.Query().Get("_order"))
	var sortErr *models.UnknownSortFieldError
	if err != nil && !errors.As(err, &sortErr) {
		return spec, badRequest("%v", err)
	}
	return spec, err
}
