package api

import (
	"encoding/json"

	"github.com/ericfitz/tmi-collab/internal/rooms"
)

// Connection-level frame types handled outside the room operation table
const (
	MessageTypeJoinRoom  = "join_room"
	MessageTypeLeaveRoom = "leave_room"
	MessageTypeAck       = "ack"
)

// Error is the JSON body of every HTTP error response
type Error struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// InboundMessage is a client frame. Data is interpreted by the handler
// registered for Type.
type InboundMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// JoinRoomData is the data of a join_room frame. The identity fields are
// trusted as supplied by the authenticating gateway in front of this server.
type JoinRoomData struct {
	Room     string `json:"room"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// AckMessage answers exactly one inbound frame
type AckMessage struct {
	Type             string              `json:"type"`
	RequestID        string              `json:"request_id"`
	Operation        string              `json:"operation"`
	Success          bool                `json:"success"`
	PermissionDenied bool                `json:"permission_denied,omitempty"`
	Error            string              `json:"error,omitempty"`
	SessionID        string              `json:"session_id,omitempty"`
	Color            string              `json:"color,omitempty"`
	Participants     []rooms.Participant `json:"participants,omitempty"`
}

// ParticipantsResponse is the body of GET /rooms/{room_id}/users
type ParticipantsResponse struct {
	Users []rooms.Participant `json:"users"`
	Count int                 `json:"count"`
}

// RoomsResponse is the body of GET /rooms
type RoomsResponse struct {
	Rooms []rooms.RoomSummary `json:"rooms"`
	Count int                 `json:"count"`
}

// LocksResponse is the body of GET /rooms/{room_id}/locks
type LocksResponse struct {
	RoomID string              `json:"room_id"`
	Locks  []rooms.ElementLock `json:"locks"`
	Count  int                 `json:"count"`
}

// SetRoleRequest is the body of PUT /rooms/{room_id}/users/{user_id}/role
type SetRoleRequest struct {
	Role string `json:"role"`
}

// SetRoleResponse reports how many local sessions took the new role
type SetRoleResponse struct {
	RoomID          string     `json:"room_id"`
	UserID          string     `json:"user_id"`
	Role            rooms.Role `json:"role"`
	UpdatedSessions int        `json:"updated_sessions"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status     string `json:"status"`
	InstanceID string `json:"instance_id"`
	Bus        string `json:"bus"`
	BusStatus  string `json:"bus_status"`
	Rooms      int    `json:"rooms"`
}
