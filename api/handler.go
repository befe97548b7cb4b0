// Package api exposes the task board over HTTP. Every request carries HTTP
// Basic credentials; the authenticated identity travels in the request
// context to the lifecycle engine.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/choreboard/auth"
	"github.com/c360studio/choreboard/lifecycle"
	"github.com/c360studio/choreboard/query"
	"github.com/c360studio/choreboard/storage"
)

// maxBodySize limits the size of request bodies to prevent DoS.
const maxBodySize = 1 << 20 // 1 MB

// defaultHeartbeat is how often an idle stream sends a keep-alive event.
const defaultHeartbeat = 30 * time.Second

// Authenticator verifies a username and password pair.
type Authenticator interface {
	Verify(ctx context.Context, username, password string) (bool, error)
}

// TaskWatcher streams task changes for the live board.
type TaskWatcher interface {
	Watch(ctx context.Context) (<-chan storage.TaskChange, error)
}

// Config holds the collaborators of a Handler.
type Config struct {
	Engine  *lifecycle.Engine
	Queries *query.Service
	Users   Authenticator
	Policy  *auth.Policy

	// Watcher enables GET /tasks/stream when set.
	Watcher TaskWatcher

	Logger *slog.Logger

	// Now overrides the clock used for due-soon flags.
	Now func() time.Time

	// Heartbeat overrides the stream keep-alive interval.
	Heartbeat time.Duration
}

// Handler provides the HTTP endpoints for users and the administrator.
type Handler struct {
	engine    *lifecycle.Engine
	queries   *query.Service
	users     Authenticator
	policy    *auth.Policy
	watcher   TaskWatcher
	logger    *slog.Logger
	now       func() time.Time
	heartbeat time.Duration
}

// NewHandler creates the HTTP handler.
func NewHandler(cfg Config) (*Handler, error) {
	switch {
	case cfg.Engine == nil:
		return nil, fmt.Errorf("engine required")
	case cfg.Queries == nil:
		return nil, fmt.Errorf("query service required")
	case cfg.Users == nil:
		return nil, fmt.Errorf("authenticator required")
	case cfg.Policy == nil:
		return nil, fmt.Errorf("policy required")
	}

	h := &Handler{
		engine:    cfg.Engine,
		queries:   cfg.Queries,
		users:     cfg.Users,
		policy:    cfg.Policy,
		watcher:   cfg.Watcher,
		logger:    cfg.Logger,
		now:       cfg.Now,
		heartbeat: cfg.Heartbeat,
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.heartbeat <= 0 {
		h.heartbeat = defaultHeartbeat
	}
	return h, nil
}

// log returns the logger, defaulting to slog.Default if nil.
func (h *Handler) log() *slog.Logger {
	if h.logger == nil {
		return slog.Default()
	}
	return h.logger
}

// RegisterHTTPHandlers registers the API endpoints.
// The prefix should be "/api" (without trailing slash).
func (h *Handler) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	prefix = strings.TrimSuffix(prefix, "/")

	user := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, h.authenticate(fn))
	}
	admin := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, h.authenticate(h.requireAdmin(fn)))
	}

	// POST /api/login - Check credentials and return the identity
	user("POST "+prefix+"/login", h.handleLogin)

	// Read views
	user("GET "+prefix+"/tasks/calendar", h.handleCalendar)
	user("GET "+prefix+"/tasks/month", h.handleMonth)
	user("GET "+prefix+"/tasks/day", h.handleDay)
	user("GET "+prefix+"/tasks/due-soon", h.handleDueSoon)
	user("GET "+prefix+"/tasks/stream", h.handleStream)
	user("GET "+prefix+"/tasks/{id}", h.handleGet)

	// Assignee actions
	user("POST "+prefix+"/tasks/{id}/complete", h.handleComplete)
	user("POST "+prefix+"/tasks/{id}/extension", h.handleRequestExtension)
	user("POST "+prefix+"/tasks/{id}/impossible", h.handleMarkImpossible)
	user("POST "+prefix+"/tasks/{id}/comments", h.handleComment)

	// Administrator
	admin("POST "+prefix+"/tasks", h.handleCreate)
	admin("GET "+prefix+"/admin/review", h.handleReview)
	admin("GET "+prefix+"/admin/tasks", h.handleFiltered)
	admin("PUT "+prefix+"/admin/tasks/{id}", h.handleAdminEdit)
	admin("DELETE "+prefix+"/admin/tasks/{id}", h.handleDelete)
	admin("POST "+prefix+"/admin/tasks/{id}/extension/approve", h.handleApproveExtension)
	admin("POST "+prefix+"/admin/tasks/{id}/extension/deny", h.handleDenyExtension)
	admin("POST "+prefix+"/admin/tasks/{id}/impossible/resolve", h.handleResolveImpossible)
	admin("POST "+prefix+"/admin/tasks/{id}/impossible/edit", h.handleEditImpossible)
	admin("POST "+prefix+"/admin/tasks/{id}/impossible/deny", h.handleDenyImpossible)
	admin("DELETE "+prefix+"/admin/tasks/{id}/impossible", h.handleDeleteImpossible)
}

// RegisterHealth registers the liveness endpoint.
func RegisterHealth(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}
