package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// operationHandler handles one operation type inside the registry loop.
// Permission has already been checked when HandleOperation runs.
type operationHandler interface {
	HandleOperation(r *Registry, s *session, data json.RawMessage) error
	OperationType() OperationType
}

type operationRouter struct {
	handlers map[OperationType]operationHandler
}

func newOperationRouter() *operationRouter {
	router := &operationRouter{handlers: make(map[OperationType]operationHandler)}

	router.register(&cursorMoveHandler{})
	router.register(&relayHandler{op: OpDiagramUpdate, event: EventDiagramUpdate})
	router.register(&relayHandler{op: OpShapeCreated, event: EventShapeCreated})
	router.register(&relayHandler{op: OpShapeDeleted, event: EventShapeDeleted})
	router.register(&relayHandler{op: OpElementEdit, event: EventElementEdit})
	router.register(&lockElementHandler{})
	router.register(&unlockElementHandler{})

	return router
}

func (o *operationRouter) register(h operationHandler) {
	o.handlers[h.OperationType()] = h
}

type cursorMoveHandler struct{}

func (h *cursorMoveHandler) OperationType() OperationType { return OpCursorMove }

func (h *cursorMoveHandler) HandleOperation(r *Registry, s *session, data json.RawMessage) error {
	var msg struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: cursor_move: %v", ErrInvalidRequest, err)
	}
	if msg.X == nil || msg.Y == nil || math.IsInf(*msg.X, 0) || math.IsInf(*msg.Y, 0) {
		return fmt.Errorf("%w: cursor_move requires numeric x and y", ErrInvalidRequest)
	}
	pos := Cursor{X: *msg.X, Y: *msg.Y}
	s.participant.Cursor = &pos

	d := s.throttle.Offer(r.clock.Now(), pos)
	if d.Coalesced {
		r.metrics.CursorCoalesced(context.Background())
	}
	if d.Emit {
		s.stopFlush()
		return r.broadcastCursor(s, d.Position)
	}
	if d.Schedule {
		sessionID, gen := s.participant.SessionID, d.Gen
		s.flushTimer = r.clock.AfterFunc(d.Delay, func() {
			r.post(func() { r.flushCursor(sessionID, gen) })
		})
	}
	return nil
}

func (r *Registry) flushCursor(sessionID string, gen uint64) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	pos, ok := s.throttle.Flush(r.clock.Now(), gen)
	if !ok {
		return
	}
	s.flushTimer = nil
	if err := r.broadcastCursor(s, pos); err != nil {
		r.logger.Error("Failed to flush cursor for session %s: %v", sessionID, err)
	}
}

func (r *Registry) broadcastCursor(s *session, pos Cursor) error {
	return r.emitFrom(s, EventCursorUpdate, CursorUpdateData{
		UserID:   s.participant.UserID,
		Username: s.participant.Username,
		Color:    s.participant.Color,
		X:        pos.X,
		Y:        pos.Y,
	})
}

// relayHandler broadcasts an opaque diagram payload verbatim
type relayHandler struct {
	op    OperationType
	event EventType
}

func (h *relayHandler) OperationType() OperationType { return h.op }

func (h *relayHandler) HandleOperation(r *Registry, s *session, data json.RawMessage) error {
	payload := bytes.TrimSpace(data)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return fmt.Errorf("%w: %s requires a payload", ErrInvalidRequest, h.op)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: %s payload is not valid JSON", ErrInvalidRequest, h.op)
	}
	return r.emitFrom(s, h.event, json.RawMessage(payload))
}

func parseElementID(op OperationType, data json.RawMessage) (string, error) {
	var d ElementData
	if err := json.Unmarshal(data, &d); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidRequest, op, err)
	}
	id := strings.TrimSpace(d.ElementID)
	if id == "" {
		return "", fmt.Errorf("%w: %s requires element_id", ErrInvalidRequest, op)
	}
	return id, nil
}

type lockElementHandler struct{}

func (h *lockElementHandler) OperationType() OperationType { return OpLockElement }

func (h *lockElementHandler) HandleOperation(r *Registry, s *session, data json.RawMessage) error {
	elementID, err := parseElementID(OpLockElement, data)
	if err != nil {
		return err
	}
	rm := r.rooms[s.roomID]
	acquired, err := rm.locks.Acquire(elementID, s.participant.SessionID, s.participant.Username, r.clock.Now().UTC())
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	r.logger.Debug("Element locked - room: %s, element: %s, session: %s", s.roomID, elementID, s.participant.SessionID)
	return r.emitFrom(s, EventElementLocked, ElementData{ElementID: elementID})
}

type unlockElementHandler struct{}

func (h *unlockElementHandler) OperationType() OperationType { return OpUnlockElement }

func (h *unlockElementHandler) HandleOperation(r *Registry, s *session, data json.RawMessage) error {
	elementID, err := parseElementID(OpUnlockElement, data)
	if err != nil {
		return err
	}
	rm := r.rooms[s.roomID]
	released, err := rm.locks.Release(elementID, s.participant.SessionID)
	if err != nil {
		return err
	}
	if !released {
		return nil
	}
	r.logger.Debug("Element unlocked - room: %s, element: %s, session: %s", s.roomID, elementID, s.participant.SessionID)
	return r.emitFrom(s, EventElementUnlocked, ElementData{ElementID: elementID})
}
