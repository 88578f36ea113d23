package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ericfitz/tmi-collab/internal/rooms"
	"github.com/ericfitz/tmi-collab/internal/slogging"
)

// ListRooms returns a summary of every room with a participant on this instance
func (s *Server) ListRooms(c *gin.Context) {
	summaries, err := s.rooms.ListRooms(c.Request.Context())
	if err != nil {
		HandleRequestError(c, roomRequestError(err))
		return
	}
	c.JSON(http.StatusOK, RoomsResponse{Rooms: summaries, Count: len(summaries)})
}

// ListRoomUsers returns the participants of a room connected to this instance
func (s *Server) ListRoomUsers(c *gin.Context) {
	roomID, ok := s.bindRoomID(c)
	if !ok {
		return
	}

	users, err := s.rooms.ListParticipants(c.Request.Context(), roomID)
	if err != nil {
		HandleRequestError(c, roomRequestError(err))
		return
	}
	c.JSON(http.StatusOK, ParticipantsResponse{Users: users, Count: len(users)})
}

// ListRoomLocks returns the element locks of a room, including locks
// mirrored from other instances
func (s *Server) ListRoomLocks(c *gin.Context) {
	roomID, ok := s.bindRoomID(c)
	if !ok {
		return
	}

	locks, err := s.rooms.Locks(c.Request.Context(), roomID)
	if err != nil {
		HandleRequestError(c, roomRequestError(err))
		return
	}
	c.JSON(http.StatusOK, LocksResponse{RoomID: roomID, Locks: locks, Count: len(locks)})
}

// SetUserRole changes the role of every session of a user in a room, on
// every instance
func (s *Server) SetUserRole(c *gin.Context) {
	roomID, ok := s.bindRoomID(c)
	if !ok {
		return
	}
	var userID string
	if err := bindPathParam(c, "user_id", &userID); err != nil {
		HandleRequestError(c, err)
		return
	}

	var req SetRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		HandleRequestError(c, InvalidInputError(err.Error()))
		return
	}
	role, err := rooms.ParseRole(req.Role)
	if err != nil {
		HandleRequestError(c, roomRequestError(err))
		return
	}

	updated, err := s.rooms.SetRole(c.Request.Context(), roomID, userID, role)
	if err != nil {
		HandleRequestError(c, roomRequestError(err))
		return
	}

	slogging.GetContextLogger(c).Info("Role changed - room: %s, user: %s, role: %s, local sessions: %d",
		roomID, userID, role, updated)
	c.JSON(http.StatusOK, SetRoleResponse{
		RoomID:          roomID,
		UserID:          userID,
		Role:            role,
		UpdatedSessions: updated,
	})
}

// Health reports instance liveness and bus status
func (s *Server) Health(c *gin.Context) {
	resp := HealthResponse{
		Status:     "ok",
		InstanceID: s.rooms.InstanceID(),
		Bus:        "none",
		BusStatus:  "disabled",
	}
	if s.bus != nil {
		resp.Bus, resp.BusStatus = s.bus.BusName(), s.bus.Status()
	}

	summaries, err := s.rooms.ListRooms(c.Request.Context())
	if err != nil {
		resp.Status = "unavailable"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	resp.Rooms = len(summaries)
	c.JSON(http.StatusOK, resp)
}

// bindRoomID binds and validates the room_id path parameter, writing the
// error response itself on failure
func (s *Server) bindRoomID(c *gin.Context) (string, bool) {
	var roomID string
	if err := bindPathParam(c, "room_id", &roomID); err != nil {
		HandleRequestError(c, err)
		return "", false
	}
	if err := rooms.ValidateRoomID(roomID, s.config.Rooms.MaxRoomIDLength); err != nil {
		HandleRequestError(c, InvalidIDError(err.Error()))
		return "", false
	}
	return roomID, true
}
