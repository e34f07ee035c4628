package handlers

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/interfaces"
)

// TaskHandler exposes the scheduler's task states and the run-now action.
type TaskHandler struct {
	tasks  interfaces.TaskManager
	logger arbor.ILogger
}

func NewTaskHandler(tasks interfaces.TaskManager, logger arbor.ILogger) *TaskHandler {
	return &TaskHandler{
		tasks:  tasks,
		logger: logger,
	}
}

// taskResponse renders the duration in seconds and adds the run link.
type taskResponse struct {
	*interfaces.TaskStatus
	LastDuration *float64 `json:"last_duration"`
	RunURL       string   `json:"run_url"`
}

func newTaskResponse(status *interfaces.TaskStatus) *taskResponse {
	response := &taskResponse{
		TaskStatus: status,
		RunURL:     "/api/tasks/" + url.PathEscape(status.Name) + "/run",
	}
	if status.LastDuration != nil {
		seconds := status.LastDuration.Seconds()
		response.LastDuration = &seconds
	}
	return response
}

// List handles GET /api/tasks
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	statuses := h.tasks.Statuses()
	responses := make([]*taskResponse, 0, len(statuses))
	for _, status := range statuses {
		responses = append(responses, newTaskResponse(status))
	}
	_ = WriteList(w, responses, len(responses))
}

// Get handles GET /api/tasks/{name}
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	status, err := h.tasks.Status(chi.URLParam(r, "name"))
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, newTaskResponse(status))
}

// Run handles POST /api/tasks/{name}/run. The task runs in the background;
// 409 means it was already running and the trigger was skipped.
func (h *TaskHandler) Run(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.tasks.TriggerNow(name); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	h.logger.Info().Str("task", name).Msg("Task triggered from API")
	_ = WriteJSON(w, http.StatusAccepted, map[string]string{
		"status": "started",
		"task":   name,
	})
}
