package api

import (
	"context"
	"net/http"

	"github.com/c360studio/choreboard/auth"
	"github.com/c360studio/choreboard/lifecycle"
	"github.com/c360studio/choreboard/query"
	"github.com/c360studio/choreboard/storage"
)

// handleCreate handles POST /tasks.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeFailure(w, "create task", err)
		return
	}

	at, err := lifecycle.ParseSchedule(req.Date, req.Time, h.queries.Location())
	if err != nil {
		h.writeFailure(w, "create task", err)
		return
	}

	task, err := h.engine.CreateTask(r.Context(), lifecycle.NewTask{
		Name:        req.Name,
		Description: req.Description,
		ScheduledAt: at,
		AssignedTo:  req.AssignedTo,
	})
	if err != nil {
		h.writeFailure(w, "create task", err)
		return
	}

	h.log().Info("Task assigned via HTTP",
		"task_id", task.ID,
		"assigned_to", task.AssignedTo,
		"actor", auth.Actor(r.Context()))
	h.writeJSON(w, http.StatusCreated, h.taskResponse(task, h.now()))
}

// handleReview handles GET /admin/review.
func (h *Handler) handleReview(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.queries.PendingAdminReview(r.Context())
	if err != nil {
		h.writeFailure(w, "list review queue", err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.listResponse(tasks))
}

// handleFiltered handles GET /admin/tasks.
// Query parameters:
//   - status: repeatable or comma separated
//   - assignee: repeatable
//   - from, to: inclusive YYYY-MM-DD range, both or neither
func (h *Handler) handleFiltered(w http.ResponseWriter, r *http.Request) {
	var opts query.FilterOptions
	for _, s := range listParam(r, "status", true) {
		opts.Statuses = append(opts.Statuses, storage.Status(s))
	}
	opts.Assignees = listParam(r, "assignee", false)

	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from != "" || to != "" {
		if from == "" || to == "" {
			h.writeError(w, http.StatusBadRequest, "range: from and to must be given together")
			return
		}
		loc := h.queries.Location()
		start, err := parseDate("from", from, loc)
		if err != nil {
			h.writeFailure(w, "filter tasks", err)
			return
		}
		end, err := parseDate("to", to, loc)
		if err != nil {
			h.writeFailure(w, "filter tasks", err)
			return
		}
		opts.Range = &query.DateRange{From: start, To: end}
	}

	tasks, err := h.queries.Filtered(r.Context(), opts)
	if err != nil {
		h.writeFailure(w, "filter tasks", err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.listResponse(tasks))
}

// handleAdminEdit handles PUT /admin/tasks/{id}.
func (h *Handler) handleAdminEdit(w http.ResponseWriter, r *http.Request) {
	var req AdminEditRequest
	h.mutate(w, r, "edit task", &req, func(id storage.EntityID) (bool, error) {
		at, err := lifecycle.ParseSchedule(req.Date, req.Time, h.queries.Location())
		if err != nil {
			return false, err
		}
		return h.engine.AdminEdit(r.Context(), id, lifecycle.AdminUpdate{
			Name:        req.Name,
			Description: req.Description,
			ScheduledAt: at,
			AssignedTo:  req.AssignedTo,
			Status:      storage.Status(req.Status),
		})
	})
}

// handleDelete handles DELETE /admin/tasks/{id}.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	h.remove(w, r, "delete task", h.engine.DeleteTask)
}

// handleApproveExtension handles POST /admin/tasks/{id}/extension/approve.
func (h *Handler) handleApproveExtension(w http.ResponseWriter, r *http.Request) {
	var req ApproveExtensionRequest
	h.mutate(w, r, "approve extension", &req, func(id storage.EntityID) (bool, error) {
		at, err := lifecycle.ParseSchedule(req.Date, req.Time, h.queries.Location())
		if err != nil {
			return false, err
		}
		return h.engine.ApproveExtension(r.Context(), id, at)
	})
}

// handleDenyExtension handles POST /admin/tasks/{id}/extension/deny.
func (h *Handler) handleDenyExtension(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	h.mutate(w, r, "deny extension", &req, func(id storage.EntityID) (bool, error) {
		return h.engine.DenyExtension(r.Context(), id, req.Reason)
	})
}

// handleResolveImpossible handles POST /admin/tasks/{id}/impossible/resolve.
// Accepting without a new name and description deletes the task, so the
// response is then a DeleteResponse instead of the task.
func (h *Handler) handleResolveImpossible(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		h.writeFailure(w, "resolve impossible", err)
		return
	}
	var req ResolveImpossibleRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeFailure(w, "resolve impossible", err)
		return
	}

	resolution := lifecycle.ImpossibleResolution{
		Action:         lifecycle.ResolveAction(req.Action),
		Reason:         req.Reason,
		NewName:        req.NewName,
		NewDescription: req.NewDescription,
	}
	found, err := h.engine.ResolveImpossible(r.Context(), id, resolution)
	if err != nil {
		h.writeFailure(w, "resolve impossible", err)
		return
	}

	if resolution.Deletes() {
		h.writeJSON(w, http.StatusOK, DeleteResponse{Deleted: found})
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	h.respondTask(w, r, id, http.StatusOK)
}

// handleEditImpossible handles POST /admin/tasks/{id}/impossible/edit.
func (h *Handler) handleEditImpossible(w http.ResponseWriter, r *http.Request) {
	var req EditImpossibleRequest
	h.mutate(w, r, "edit impossible task", &req, func(id storage.EntityID) (bool, error) {
		return h.engine.ApplyImpossibleEdit(r.Context(), id, req.Name, req.Description)
	})
}

// handleDenyImpossible handles POST /admin/tasks/{id}/impossible/deny.
func (h *Handler) handleDenyImpossible(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	h.mutate(w, r, "deny impossible", &req, func(id storage.EntityID) (bool, error) {
		return h.engine.DenyImpossible(r.Context(), id, req.Reason)
	})
}

// handleDeleteImpossible handles DELETE /admin/tasks/{id}/impossible.
func (h *Handler) handleDeleteImpossible(w http.ResponseWriter, r *http.Request) {
	h.remove(w, r, "delete impossible task", h.engine.DeleteImpossible)
}

// remove runs a deletion. Deleting an absent task is not an error; the
// response reports whether anything was removed.
func (h *Handler) remove(w http.ResponseWriter, r *http.Request, name string, op func(context.Context, storage.EntityID) (bool, error)) {
	id, err := taskID(r)
	if err != nil {
		h.writeFailure(w, name, err)
		return
	}
	deleted, err := op(r.Context(), id)
	if err != nil {
		h.writeFailure(w, name, err)
		return
	}
	h.writeJSON(w, http.StatusOK, DeleteResponse{Deleted: deleted})
}
