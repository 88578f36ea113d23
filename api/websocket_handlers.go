package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/ericfitz/tmi-collab/internal/rooms"
	"github.com/ericfitz/tmi-collab/internal/slogging"
	"github.com/ericfitz/tmi-collab/internal/telemetry"
)

var (
	errMalformedFrame = errors.New("malformed frame")
	errNotJoined      = errors.New("not joined to a room")
	errAlreadyJoined  = errors.New("already joined to a room")
	errInternal       = errors.New("internal error")

	// errAckQueued tells RouteMessage the handler already queued its ack
	errAckQueued = errors.New("ack already queued")
)

// MessageHandler handles one inbound frame type. The returned ack is sent
// to the client with its success fields filled in from the error.
type MessageHandler interface {
	HandleMessage(ctx context.Context, client *WebSocketClient, msg InboundMessage) (AckMessage, error)
	MessageType() string
}

// MessageRouter routes inbound frames to their handlers
type MessageRouter struct {
	handlers map[string]MessageHandler
}

// NewMessageRouter creates a router with the connection handlers and one
// handler per room operation
func NewMessageRouter() *MessageRouter {
	router := &MessageRouter{
		handlers: make(map[string]MessageHandler),
	}

	router.RegisterHandler(&JoinRoomHandler{})
	router.RegisterHandler(&LeaveRoomHandler{})
	for _, op := range rooms.Operations {
		router.RegisterHandler(&RoomOperationHandler{Operation: op})
	}

	return router
}

// RegisterHandler registers a message handler for a specific message type
func (r *MessageRouter) RegisterHandler(handler MessageHandler) {
	r.handlers[handler.MessageType()] = handler
}

// RouteMessage decodes one frame, runs its handler and acks the result.
// Frames from a session the registry already dropped are ignored.
func (r *MessageRouter) RouteMessage(ctx context.Context, client *WebSocketClient, message []byte) {
	var msg InboundMessage
	defer func() {
		if rec := recover(); rec != nil {
			slogging.Get().Error("PANIC in RouteMessage - Session: %s, Type: %s, Error: %v, Stack: %s",
				client.sessionID, msg.Type, rec, debug.Stack())
			client.sendAck(newAck(msg, AckMessage{}, errInternal))
		}
	}()

	if err := json.Unmarshal(message, &msg); err != nil || msg.Type == "" {
		slogging.Get().Debug("Malformed frame from %s - session: %s, error: %v, frame: %s",
			client.remoteAddr, client.sessionID, err, slogging.SanitizeLogMessage(string(message)))
		_, end := client.server.metrics.TraceMessage(ctx, "", client.roomID, len(message))
		end(telemetry.OutcomeInvalid)
		client.sendAck(newAck(msg, AckMessage{}, errMalformedFrame))
		return
	}

	slogging.LogWebSocketMessage(slogging.WSMessageInbound, client.roomID, client.sessionID, msg.Type, message, client.server.wsLogging)
	ctx, end := client.server.metrics.TraceMessage(ctx, msg.Type, client.roomID, len(message))

	handler, ok := r.handlers[msg.Type]
	if !ok {
		slogging.Get().Debug("Unsupported message type '%s' from session %s", msg.Type, client.sessionID)
		end(telemetry.OutcomeUnknown)
		client.sendAck(newAck(msg, AckMessage{}, fmt.Errorf("%w: %s", rooms.ErrUnknownOperation, msg.Type)))
		return
	}

	ack, err := handler.HandleMessage(ctx, client, msg)
	switch {
	case errors.Is(err, errAckQueued):
		end(telemetry.OutcomeOK)
		return
	case errors.Is(err, rooms.ErrStaleSession):
		end(telemetry.OutcomeInvalid)
		return
	}
	end(outcomeOf(err))
	client.sendAck(newAck(msg, ack, err))
}

// sendAck queues an ack. A client whose queue is full is disconnected.
func (c *WebSocketClient) sendAck(ack AckMessage) {
	c.queueAck(c.roomID, c.sessionID, ack)
}

// queueAck is sendAck for callers off the read pump, which must not touch
// the session fields
func (c *WebSocketClient) queueAck(roomID, sessionID string, ack AckMessage) {
	frame, err := json.Marshal(ack)
	if err != nil {
		slogging.Get().Error("Failed to marshal ack for %s: %v", ack.Operation, err)
		return
	}
	slogging.LogWebSocketMessage(slogging.WSMessageOutbound, roomID, sessionID, MessageTypeAck, frame, c.server.wsLogging)
	if !c.Deliver(frame) {
		c.Close()
	}
}

func newAck(msg InboundMessage, ack AckMessage, err error) AckMessage {
	ack.Type = MessageTypeAck
	ack.RequestID = msg.RequestID
	ack.Operation = msg.Type
	ack.Success = err == nil
	if err != nil {
		ack.Error = err.Error()
		ack.PermissionDenied = rooms.IsPermissionDenied(err)
		ack.SessionID, ack.Color, ack.Participants = "", "", nil
	}
	return ack
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeOK
	case rooms.IsPermissionDenied(err):
		return telemetry.OutcomePermissionDenied
	case rooms.IsLockConflict(err):
		return telemetry.OutcomeLockConflict
	case errors.Is(err, rooms.ErrUnknownOperation):
		return telemetry.OutcomeUnknown
	case errors.Is(err, rooms.ErrInvalidRequest), errors.Is(err, errNotJoined), errors.Is(err, errAlreadyJoined):
		return telemetry.OutcomeInvalid
	default:
		return telemetry.OutcomeError
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: data is required", rooms.ErrInvalidRequest)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", rooms.ErrInvalidRequest, err)
	}
	return nil
}

// JoinRoomHandler joins the connection to a room
type JoinRoomHandler struct{}

func (h *JoinRoomHandler) MessageType() string { return MessageTypeJoinRoom }

func (h *JoinRoomHandler) HandleMessage(ctx context.Context, client *WebSocketClient, msg InboundMessage) (AckMessage, error) {
	if client.sessionID != "" {
		return AckMessage{}, errAlreadyJoined
	}
	var data JoinRoomData
	if err := decodeData(msg.Data, &data); err != nil {
		return AckMessage{}, err
	}

	// the ack is queued from the registry loop so that it reaches the client
	// before any room event addressed to the new session
	res, err := client.server.rooms.Join(ctx, rooms.JoinRequest{
		RoomID:   data.Room,
		UserID:   data.UserID,
		Username: data.Username,
		Role:     rooms.Role(data.Role),
		OnJoined: func(res rooms.JoinResult) {
			client.queueAck(data.Room, res.SessionID, newAck(msg, AckMessage{
				SessionID:    res.SessionID,
				Color:        res.Color,
				Participants: res.Participants,
			}, nil))
		},
	}, client)
	if err != nil {
		return AckMessage{}, err
	}
	client.sessionID, client.roomID, client.userID = res.SessionID, data.Room, data.UserID
	slogging.LogWebSocketConnection("joined", client.remoteAddr, data.Room, res.SessionID, data.UserID)

	return AckMessage{}, errAckQueued
}

// LeaveRoomHandler removes the connection's session from its room
type LeaveRoomHandler struct{}

func (h *LeaveRoomHandler) MessageType() string { return MessageTypeLeaveRoom }

func (h *LeaveRoomHandler) HandleMessage(ctx context.Context, client *WebSocketClient, _ InboundMessage) (AckMessage, error) {
	if client.sessionID == "" {
		return AckMessage{}, errNotJoined
	}
	if err := client.server.rooms.Leave(ctx, client.sessionID); err != nil {
		return AckMessage{}, err
	}
	slogging.LogWebSocketConnection("left", client.remoteAddr, client.roomID, client.sessionID, client.userID)
	client.sessionID, client.roomID, client.userID = "", "", ""
	return AckMessage{}, nil
}

// RoomOperationHandler dispatches one room operation for the joined session
type RoomOperationHandler struct {
	Operation rooms.OperationType
}

func (h *RoomOperationHandler) MessageType() string { return string(h.Operation) }

func (h *RoomOperationHandler) HandleMessage(ctx context.Context, client *WebSocketClient, msg InboundMessage) (AckMessage, error) {
	if client.sessionID == "" {
		return AckMessage{}, errNotJoined
	}
	return AckMessage{}, client.server.rooms.Dispatch(ctx, client.sessionID, h.Operation, msg.Data)
}
