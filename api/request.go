package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/choreboard/lifecycle"
	"github.com/c360studio/choreboard/storage"
)

// CreateTaskRequest is the request body for POST /tasks.
type CreateTaskRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	AssignedTo  string `json:"assigned_to"`
}

// ReasonRequest carries the optional free-text reason of a status change.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// CommentRequest is the request body for POST /tasks/{id}/comments.
type CommentRequest struct {
	Text string `json:"text"`
}

// ApproveExtensionRequest carries the new due moment.
type ApproveExtensionRequest struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

// ResolveImpossibleRequest is the request body for the combined resolve action.
type ResolveImpossibleRequest struct {
	Action         string `json:"action"`
	Reason         string `json:"reason"`
	NewName        string `json:"new_name"`
	NewDescription string `json:"new_description"`
}

// EditImpossibleRequest rewrites an impossible task.
type EditImpossibleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// AdminEditRequest is the request body for PUT /admin/tasks/{id}.
type AdminEditRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	AssignedTo  string `json:"assigned_to"`
	Status      string `json:"status"`
}

// decodeBody reads a JSON body into dst. An empty body leaves dst zeroed.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	// Limit request body size to prevent DoS
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return storage.NewValidationError("body", "invalid request body")
	}
	return nil
}

func taskID(r *http.Request) (storage.EntityID, error) {
	return storage.ParseTaskID(r.PathValue("id"))
}

// intParam reads an integer query parameter, returning def when absent.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, storage.NewValidationError(name, "expected an integer, got %q", raw)
	}
	return v, nil
}

// yearMonth reads year and month, defaulting to the current month in loc.
func yearMonth(r *http.Request, now time.Time, loc *time.Location) (int, int, error) {
	local := now.In(loc)
	year, err := intParam(r, "year", local.Year())
	if err != nil {
		return 0, 0, err
	}
	month, err := intParam(r, "month", int(local.Month()))
	if err != nil {
		return 0, 0, err
	}
	return year, month, nil
}

// listParam collects a repeatable query parameter, also splitting on commas
// when split is set.
func listParam(r *http.Request, name string, split bool) []string {
	var out []string
	for _, raw := range r.URL.Query()[name] {
		parts := []string{raw}
		if split {
			parts = strings.Split(raw, ",")
		}
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func parseDate(field, raw string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(lifecycle.DateLayout, raw, loc)
	if err != nil {
		return time.Time{}, storage.NewValidationError(field, "expected YYYY-MM-DD, got %q", raw)
	}
	return t, nil
}
