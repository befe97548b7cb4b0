// Package storage provides task and user persistence for choreboard using NATS KV.
package storage

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EntityType represents the type of entity stored in KV.
type EntityType string

const (
	EntityTypeTask EntityType = "task"
)

// Bucket names for each collection.
const (
	BucketTasks = "CHOREBOARD_TASKS"
	BucketUsers = "CHOREBOARD_USERS"
)

// EntityID represents a typed entity identifier.
type EntityID struct {
	Type EntityType
	ID   string
}

// String returns the string representation of the entity ID.
func (e EntityID) String() string {
	return fmt.Sprintf("%s:%s", e.Type, e.ID)
}

// ParseEntityID parses an entity ID string into its components.
func ParseEntityID(s string) (EntityID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return EntityID{}, fmt.Errorf("%w: invalid entity ID format: %q", ErrInvalidID, s)
	}
	entityType := EntityType(parts[0])
	switch entityType {
	case EntityTypeTask:
	default:
		return EntityID{}, fmt.Errorf("%w: unknown entity type: %q", ErrInvalidID, parts[0])
	}
	if _, err := uuid.Parse(parts[1]); err != nil {
		return EntityID{}, fmt.Errorf("%w: %q is not a uuid", ErrInvalidID, parts[1])
	}
	return EntityID{Type: entityType, ID: parts[1]}, nil
}

// ParseTaskID parses an opaque task id as passed through the API.
func ParseTaskID(s string) (EntityID, error) {
	id, err := ParseEntityID(s)
	if err != nil {
		return EntityID{}, err
	}
	if id.Type != EntityTypeTask {
		return EntityID{}, fmt.Errorf("%w: expected task, got %s", ErrInvalidID, id.Type)
	}
	return id, nil
}

// NewEntityID generates a new unique entity ID for the given type.
func NewEntityID(t EntityType) EntityID {
	return EntityID{
		Type: t,
		ID:   uuid.New().String(),
	}
}
