package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/c360studio/choreboard/storage"
)

// SSE event types for the task stream.
const (
	SSEEventTaskCreated  = "task_created"
	SSEEventTaskUpdated  = "task_updated"
	SSEEventTaskDeleted  = "task_deleted"
	SSEEventSyncComplete = "sync_complete"
	SSEEventHeartbeat    = "heartbeat"
)

// handleStream handles GET /tasks/stream for SSE events.
// Query parameters:
//   - assignee: only stream tasks for this assignee (optional)
//
// Note: On initial connection, existing tasks are replayed as task_created
// events. A sync_complete event signals the end of the initial replay.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.watcher == nil {
		h.writeError(w, http.StatusNotImplemented, "streaming not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	changes, err := h.watcher.Watch(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrWatchUnsupported) {
			h.writeError(w, http.StatusNotImplemented, "streaming not available")
			return
		}
		h.writeFailure(w, "watch tasks", err)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := h.sendSSEEvent(w, flusher, "connected", map[string]string{"status": "connected"}); err != nil {
		h.log().Debug("Client disconnected during connect", "error", err)
		return
	}

	assignee := r.URL.Query().Get("assignee")

	// Tasks already sent, so updates can be told apart from creations and
	// deletions of filtered-out tasks are not announced.
	seen := make(map[string]bool)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	var eventID uint64
	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			eventID++
			if err := h.sendSSEEventWithID(w, flusher, eventID, SSEEventHeartbeat, map[string]any{}); err != nil {
				h.log().Debug("Client disconnected during heartbeat", "error", err)
				return
			}

		case change, ok := <-changes:
			if !ok {
				return
			}

			var eventType string
			var payload any
			switch {
			case change.Synced:
				if err := h.sendSSEEvent(w, flusher, SSEEventSyncComplete, map[string]string{"status": "ready"}); err != nil {
					h.log().Debug("Client disconnected during sync", "error", err)
					return
				}
				continue
			case change.Deleted:
				if !seen[change.ID] {
					continue
				}
				delete(seen, change.ID)
				eventType = SSEEventTaskDeleted
				payload = map[string]string{"id": change.ID}
			default:
				if assignee != "" && change.Task.AssignedTo != assignee {
					if seen[change.ID] {
						// Reassigned away from the watched assignee
						delete(seen, change.ID)
						eventType = SSEEventTaskDeleted
						payload = map[string]string{"id": change.ID}
						break
					}
					continue
				}
				eventType = SSEEventTaskCreated
				if seen[change.ID] {
					eventType = SSEEventTaskUpdated
				}
				seen[change.ID] = true
				payload = h.taskResponse(change.Task, h.now())
			}

			eventID++
			if err := h.sendSSEEventWithID(w, flusher, eventID, eventType, payload); err != nil {
				h.log().Debug("Client disconnected during event", "error", err)
				return
			}
		}
	}
}

// sendSSEEvent sends an SSE event without an ID.
func (h *Handler) sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	return h.sendSSEEventWithID(w, flusher, 0, eventType, data)
}

// sendSSEEventWithID sends an SSE event with optional ID.
// Returns an error if the write fails (e.g., client disconnected).
func (h *Handler) sendSSEEventWithID(w http.ResponseWriter, flusher http.Flusher, id uint64, eventType string, data any) error {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		h.log().Warn("Failed to marshal SSE data", "error", err)
		return nil // Don't return marshal errors as connection issues
	}

	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return fmt.Errorf("write event type: %w", err)
	}
	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return fmt.Errorf("write event id: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", dataBytes); err != nil {
		return fmt.Errorf("write event data: %w", err)
	}

	flusher.Flush()
	return nil
}
