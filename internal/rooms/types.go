package rooms

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role is the collaboration role supplied by the authenticated caller at
// join time.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// ParseRole validates a role string
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleOwner, RoleEditor, RoleViewer:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, s)
	}
}

// CanEdit reports whether the role may perform mutating operations
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// Cursor is a participant's pointer position in diagram coordinates
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Participant is one transport connection joined to a room. Two browser
// tabs of the same user are two participants.
type Participant struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	Role         Role      `json:"role"`
	Color        string    `json:"color"`
	Cursor       *Cursor   `json:"cursor,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
	LastActivity time.Time `json:"last_activity"`
}

func (p *Participant) snapshot() Participant {
	cp := *p
	if p.Cursor != nil {
		c := *p.Cursor
		cp.Cursor = &c
	}
	return cp
}

// OperationType is an inbound client operation dispatched to a room
type OperationType string

const (
	OpCursorMove    OperationType = "cursor_move"
	OpDiagramUpdate OperationType = "diagram_update"
	OpShapeCreated  OperationType = "shape_created"
	OpShapeDeleted  OperationType = "shape_deleted"
	OpElementEdit   OperationType = "element_edit"
	OpLockElement   OperationType = "lock_element"
	OpUnlockElement OperationType = "unlock_element"
)

// Operations lists every dispatchable operation
var Operations = []OperationType{
	OpCursorMove,
	OpDiagramUpdate,
	OpShapeCreated,
	OpShapeDeleted,
	OpElementEdit,
	OpLockElement,
	OpUnlockElement,
}

// EventType is the type of an outbound room event
type EventType string

const (
	EventUserJoined      EventType = "user_joined"
	EventUserLeft        EventType = "user_left"
	EventCursorUpdate    EventType = "cursor_update"
	EventDiagramUpdate   EventType = "diagram_update"
	EventShapeCreated    EventType = "shape_created"
	EventShapeDeleted    EventType = "shape_deleted"
	EventElementEdit     EventType = "element_edit"
	EventElementLocked   EventType = "element_locked"
	EventElementUnlocked EventType = "element_unlocked"
	EventRoleChanged     EventType = "role_changed"
)

// Event is the outbound broadcast frame
type Event struct {
	Type       EventType       `json:"type"`
	Room       string          `json:"room"`
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id"`
	Username   string          `json:"username"`
	Data       json.RawMessage `json:"data,omitempty"`
	ServerTime time.Time       `json:"server_time"`
}

// CursorUpdateData is the data of a cursor_update event
type CursorUpdateData struct {
	UserID   string  `json:"user_id"`
	Username string  `json:"username"`
	Color    string  `json:"color"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// ElementData is the data of lock and unlock operations and events
type ElementData struct {
	ElementID string `json:"element_id"`
}

// RoleChangedData is the data of a role_changed event
type RoleChangedData struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// UserLeftData is the data of a user_left event
type UserLeftData struct {
	ReleasedLocks []string `json:"released_locks,omitempty"`
}

// JoinRequest carries the already-authenticated identity of a joining caller
type JoinRequest struct {
	RoomID   string
	UserID   string
	Username string
	Role     Role
	// OnJoined, when set, runs on the registry loop once the session exists
	// and before any room event is delivered to its sink. It must not block.
	OnJoined func(JoinResult)
}

// JoinResult is returned to the joining connection
type JoinResult struct {
	SessionID    string
	Color        string
	Participants []Participant
}

// RoomSummary describes one active room for operational listing
type RoomSummary struct {
	RoomID       string    `json:"room_id"`
	Participants int       `json:"participants"`
	Locks        int       `json:"locks"`
	CreatedAt    time.Time `json:"created_at"`
}
