package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/c360studio/choreboard/auth"
	"github.com/c360studio/choreboard/lifecycle"
	"github.com/c360studio/choreboard/storage"
)

// TaskResponse is the wire form of a task. Date and Time repeat ScheduledAt
// in the configured location.
type TaskResponse struct {
	ID               string                    `json:"id"`
	Name             string                    `json:"name"`
	Description      string                    `json:"description"`
	ScheduledAt      time.Time                 `json:"scheduled_at"`
	Date             string                    `json:"date"`
	Time             string                    `json:"time"`
	AssignedTo       string                    `json:"assigned_to"`
	Status           storage.Status            `json:"status"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
	Comments         []storage.Comment         `json:"comments"`
	ExtensionRequest *storage.ExtensionRequest `json:"extension_request,omitempty"`
	ImpossibleReason *string                   `json:"impossible_reason,omitempty"`
	DueSoon          bool                      `json:"due_soon"`
}

// ListTasksResponse is the response for every task listing.
type ListTasksResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Total int            `json:"total"`
}

// LoginResponse is the response for POST /login.
type LoginResponse struct {
	Username  string   `json:"username"`
	Admin     bool     `json:"admin"`
	Assignees []string `json:"assignees"`
}

// DeleteResponse is the response for deletions.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

func (h *Handler) taskResponse(t *storage.Task, now time.Time) TaskResponse {
	local := t.ScheduledAt.In(h.queries.Location())
	return TaskResponse{
		ID:               t.ID,
		Name:             t.Name,
		Description:      t.Description,
		ScheduledAt:      t.ScheduledAt,
		Date:             local.Format(lifecycle.DateLayout),
		Time:             local.Format(lifecycle.ClockLayout),
		AssignedTo:       t.AssignedTo,
		Status:           t.Status,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		Comments:         t.Comments,
		ExtensionRequest: t.ExtensionRequest,
		ImpossibleReason: t.ImpossibleReason,
		DueSoon:          h.queries.IsDueSoon(t, now),
	}
}

func (h *Handler) listResponse(tasks []*storage.Task) ListTasksResponse {
	now := h.now()
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, h.taskResponse(t, now))
	}
	return ListTasksResponse{Tasks: out, Total: len(out)}
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log().Warn("Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure maps an operation error onto an HTTP status.
func (h *Handler) writeFailure(w http.ResponseWriter, op string, err error) {
	switch {
	case storage.IsValidation(err), errors.Is(err, storage.ErrInvalidID):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUnauthenticated):
		h.unauthorized(w)
	case errors.Is(err, auth.ErrForbidden):
		h.writeError(w, http.StatusForbidden, "administrator only")
	case errors.Is(err, storage.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrConflict):
		h.writeError(w, http.StatusConflict, "task was modified by another request")
	case errors.Is(err, storage.ErrStore):
		h.log().Error("Store unavailable", "op", op, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		h.log().Error("Request failed", "op", op, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}
