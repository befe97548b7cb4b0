package api

import (
	"net/http"
	"time"

	"github.com/c360studio/choreboard/auth"
	"github.com/c360studio/choreboard/storage"
)

// handleLogin handles POST /login. Credentials were already checked by the
// middleware; the response tells the client which views to offer.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	id, err := h.policy.RequireAuthenticated(r.Context())
	if err != nil {
		h.writeFailure(w, "login", err)
		return
	}
	h.writeJSON(w, http.StatusOK, LoginResponse{
		Username:  id.Username,
		Admin:     id.Admin,
		Assignees: h.policy.Assignees(),
	})
}

// handleCalendar handles GET /tasks/calendar.
// Query parameters:
//   - year, month: defaults to the current month
func (h *Handler) handleCalendar(w http.ResponseWriter, r *http.Request) {
	year, month, err := yearMonth(r, h.now(), h.queries.Location())
	if err != nil {
		h.writeFailure(w, "load calendar", err)
		return
	}
	days, err := h.queries.MonthCalendar(r.Context(), year, month)
	if err != nil {
		h.writeFailure(w, "load calendar", err)
		return
	}
	h.writeJSON(w, http.StatusOK, days)
}

// handleMonth handles GET /tasks/month.
func (h *Handler) handleMonth(w http.ResponseWriter, r *http.Request) {
	year, month, err := yearMonth(r, h.now(), h.queries.Location())
	if err != nil {
		h.writeFailure(w, "list tasks", err)
		return
	}
	tasks, err := h.queries.TasksInMonth(r.Context(), year, month)
	if err != nil {
		h.writeFailure(w, "list tasks", err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.listResponse(tasks))
}

// handleDay handles GET /tasks/day.
// Query parameters:
//   - year, month, day: defaults to today
func (h *Handler) handleDay(w http.ResponseWriter, r *http.Request) {
	now := h.now().In(h.queries.Location())
	year, month, err := yearMonth(r, now, h.queries.Location())
	if err != nil {
		h.writeFailure(w, "list tasks", err)
		return
	}
	day, err := intParam(r, "day", now.Day())
	if err != nil {
		h.writeFailure(w, "list tasks", err)
		return
	}
	tasks, err := h.queries.TasksOnDay(r.Context(), year, month, day)
	if err != nil {
		h.writeFailure(w, "list tasks", err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.listResponse(tasks))
}

// handleDueSoon handles GET /tasks/due-soon.
// Query parameters:
//   - window: Go duration such as 90m (default: configured window)
func (h *Handler) handleDueSoon(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid window: must be a positive duration")
			return
		}
		window = d
	}
	tasks, err := h.queries.DueSoon(r.Context(), h.now(), window)
	if err != nil {
		h.writeFailure(w, "list tasks", err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.listResponse(tasks))
}

// handleGet handles GET /tasks/{id}.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		h.writeFailure(w, "get task", err)
		return
	}
	h.respondTask(w, r, id, http.StatusOK)
}

// handleComplete handles POST /tasks/{id}/complete.
func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "complete task", nil, func(id storage.EntityID) (bool, error) {
		return h.engine.MarkCompleted(r.Context(), id)
	})
}

// handleRequestExtension handles POST /tasks/{id}/extension.
func (h *Handler) handleRequestExtension(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	h.mutate(w, r, "request extension", &req, func(id storage.EntityID) (bool, error) {
		return h.engine.RequestExtension(r.Context(), id, req.Reason)
	})
}

// handleMarkImpossible handles POST /tasks/{id}/impossible.
func (h *Handler) handleMarkImpossible(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	h.mutate(w, r, "mark impossible", &req, func(id storage.EntityID) (bool, error) {
		return h.engine.MarkImpossible(r.Context(), id, req.Reason)
	})
}

// handleComment handles POST /tasks/{id}/comments.
func (h *Handler) handleComment(w http.ResponseWriter, r *http.Request) {
	var req CommentRequest
	h.mutate(w, r, "add comment", &req, func(id storage.EntityID) (bool, error) {
		return h.engine.AddComment(r.Context(), id, req.Text)
	})
}

// mutate runs one task mutation: parse the id, decode body into req when
// non-nil, apply op, and answer with the updated task.
func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, name string, req any, op func(storage.EntityID) (bool, error)) {
	id, err := taskID(r)
	if err != nil {
		h.writeFailure(w, name, err)
		return
	}
	if req != nil {
		if err := decodeBody(w, r, req); err != nil {
			h.writeFailure(w, name, err)
			return
		}
	}

	found, err := op(id)
	if err != nil {
		h.writeFailure(w, name, err)
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "task not found")
		return
	}

	h.log().Debug("Task updated via HTTP", "op", name, "task_id", id.String(), "actor", auth.Actor(r.Context()))
	h.respondTask(w, r, id, http.StatusOK)
}

// respondTask reads the task back and writes it.
func (h *Handler) respondTask(w http.ResponseWriter, r *http.Request, id storage.EntityID, status int) {
	task, found, err := h.queries.Task(r.Context(), id)
	if err != nil {
		h.writeFailure(w, "get task", err)
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	h.writeJSON(w, status, h.taskResponse(task, h.now()))
}
