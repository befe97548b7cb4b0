package auth

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// DefaultAdminUsername is the administrator used when none is configured.
const DefaultAdminUsername = "rossy"

// DefaultAssignees is the assignee set used when none is configured.
var DefaultAssignees = []string{"Juan", "Jose", "Los dos"}

// Policy holds the admin username and the allowed assignees. Both can be
// swapped at runtime when the config file changes.
type Policy struct {
	mu        sync.RWMutex
	admin     string
	assignees []string
}

// NewPolicy creates a policy. Empty arguments fall back to the defaults.
func NewPolicy(admin string, assignees []string) *Policy {
	p := &Policy{}
	p.Update(admin, assignees)
	return p
}

// Update replaces the admin username and the assignee set.
func (p *Policy) Update(admin string, assignees []string) {
	if admin == "" {
		admin = DefaultAdminUsername
	}
	if len(assignees) == 0 {
		assignees = DefaultAssignees
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.admin = admin
	p.assignees = slices.Clone(assignees)
}

// AdminUsername returns the configured administrator.
func (p *Policy) AdminUsername() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.admin
}

// IsAdmin reports whether username is the administrator.
func (p *Policy) IsAdmin(username string) bool {
	return username != "" && username == p.AdminUsername()
}

// Assignees returns a copy of the allowed assignee values.
func (p *Policy) Assignees() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.assignees)
}

// IsAssignee reports whether name is an allowed assignee value.
func (p *Policy) IsAssignee(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Contains(p.assignees, name)
}

// Identify builds the identity for an authenticated username.
func (p *Policy) Identify(username string) Identity {
	return Identity{Username: username, Admin: p.IsAdmin(username)}
}

// RequireAuthenticated returns the identity in ctx or ErrUnauthenticated.
func (p *Policy) RequireAuthenticated(ctx context.Context) (Identity, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return Identity{}, ErrUnauthenticated
	}
	return id, nil
}

// RequireAdmin fails unless ctx carries the administrator's identity. The
// username is re-checked against the current policy so a hot reload takes
// effect for in-flight sessions too.
func (p *Policy) RequireAdmin(ctx context.Context) (Identity, error) {
	id, err := p.RequireAuthenticated(ctx)
	if err != nil {
		return Identity{}, err
	}
	if !p.IsAdmin(id.Username) {
		return Identity{}, fmt.Errorf("%w: %s", ErrForbidden, id.Username)
	}
	return id, nil
}
