package uuidgen

import (
	"fmt"

	"github.com/google/uuid"
)

// EntityType represents the kinds of identifier the room server mints
type EntityType string

const (
	// EntitySession identifies one transport connection's participation in a room
	EntitySession EntityType = "session"
	// EntityInstance identifies one server process on the shared bus
	EntityInstance EntityType = "instance"
	// EntityRequest correlates an HTTP request or harness action
	EntityRequest EntityType = "request"
)

// NewForEntity generates a UUID appropriate for the given entity type.
// Sessions use UUIDv7 so that ids sort by join time in logs; everything
// else uses UUIDv4.
func NewForEntity(entityType EntityType) (uuid.UUID, error) {
	switch entityType {
	case EntitySession:
		return uuid.NewV7()
	default:
		return uuid.NewRandom()
	}
}

// MustNewForEntity is like NewForEntity but panics on error
func MustNewForEntity(entityType EntityType) uuid.UUID {
	id, err := NewForEntity(entityType)
	if err != nil {
		panic(fmt.Sprintf("failed to generate UUID for entity type %s: %v", entityType, err))
	}
	return id
}

// NewSessionID returns a fresh session id string
func NewSessionID() string {
	return MustNewForEntity(EntitySession).String()
}

// NewInstanceID returns a fresh instance id string
func NewInstanceID() string {
	return MustNewForEntity(EntityInstance).String()
}

// NewRequestID returns a fresh id for correlating a request with its response
func NewRequestID() string {
	return MustNewForEntity(EntityRequest).String()
}
