// Package rooms implements the collaboration room registry: presence,
// color allocation, permission gating, cursor throttling and element locks
// for every room with a participant connected to this instance.
//
// All room state is owned by a single event-loop goroutine started with
// Registry.Run. Public methods submit commands to that loop and wait for the
// reply. Nothing inside the loop blocks: deliveries to connections and
// hand-offs to the bus are non-blocking, and throttle flushes are timers that
// post a command back into the loop.
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ericfitz/tmi-collab/internal/pubsub"
	"github.com/ericfitz/tmi-collab/internal/slogging"
	"github.com/ericfitz/tmi-collab/internal/telemetry"
	"github.com/ericfitz/tmi-collab/internal/unicodecheck"
	"github.com/ericfitz/tmi-collab/internal/uuidgen"
)

// MinCursorThrottle is the smallest cursor broadcast spacing the server enforces
const MinCursorThrottle = 100 * time.Millisecond

const defaultInboxSize = 1024

// Sink is the outbound queue of one connection
type Sink interface {
	// Deliver enqueues frame without blocking. It returns false when the
	// queue is full or the connection is gone.
	Deliver(frame []byte) bool
	// Close terminates the connection. It must not block and may be called
	// more than once.
	Close()
}

// Publisher hands locally originated events to the shared bus. Publish must
// not block.
type Publisher interface {
	Publish(env pubsub.Envelope)
}

// Options configures a Registry
type Options struct {
	InstanceID       string
	Palette          []string
	CursorThrottle   time.Duration
	InboxSize        int
	MaxRoomIDLength  int
	MaxUsernameRunes int
	// Clock defaults to the real clock
	Clock clockwork.Clock
	// Publisher is optional; without one the registry is local-only
	Publisher Publisher
	Metrics   *telemetry.RoomMetrics
	Logger    *slogging.Logger
}

// Registry owns every room on this instance
type Registry struct {
	opts    Options
	clock   clockwork.Clock
	colors  *ColorAllocator
	router  *operationRouter
	logger  *slogging.Logger
	metrics *telemetry.RoomMetrics

	inbox   chan func()
	done    chan struct{}
	running atomic.Bool

	// owned by the loop goroutine
	rooms    map[string]*room
	sessions map[string]*session
}

type room struct {
	id           string
	createdAt    time.Time
	participants map[string]*session
	colorsInUse  map[string]int
	locks        *lockTable
}

type session struct {
	participant Participant
	roomID      string
	sink        Sink
	throttle    *CursorThrottle
	flushTimer  clockwork.Timer
}

func (s *session) stopFlush() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
}

// NewRegistry creates a registry. Call Run to start its loop.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.InstanceID == "" {
		return nil, errors.New("instance id is required")
	}
	if len(opts.Palette) == 0 {
		return nil, errors.New("color palette must not be empty")
	}
	if opts.CursorThrottle < MinCursorThrottle {
		opts.CursorThrottle = MinCursorThrottle
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogging.Get()
	}

	return &Registry{
		opts:     opts,
		clock:    opts.Clock,
		colors:   NewColorAllocator(slices.Clone(opts.Palette)),
		router:   newOperationRouter(),
		logger:   logger,
		metrics:  opts.Metrics,
		inbox:    make(chan func(), opts.InboxSize),
		done:     make(chan struct{}),
		rooms:    make(map[string]*room),
		sessions: make(map[string]*session),
	}, nil
}

// InstanceID returns the id this registry stamps on published envelopes
func (r *Registry) InstanceID() string { return r.opts.InstanceID }

// Done is closed once the loop has stopped
func (r *Registry) Done() <-chan struct{} { return r.done }

// Run processes commands until ctx is cancelled. On exit every session
// leaves its room and every connection is closed.
func (r *Registry) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("room registry already running")
	}
	defer close(r.done)

	r.logger.Info("Room registry started - instance: %s, throttle: %s, palette: %d colors",
		r.opts.InstanceID, r.opts.CursorThrottle, r.colors.Size())

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case cmd := <-r.inbox:
			r.exec(cmd)
		}
	}
}

func (r *Registry) exec(cmd func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("PANIC in room registry command - Instance: %s, Error: %v, Stack: %s",
				r.opts.InstanceID, rec, debug.Stack())
		}
	}()
	cmd()
}

func (r *Registry) shutdown() {
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sinks := make([]Sink, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.sessions[id]; ok {
			sinks = append(sinks, s.sink)
			r.removeSession(id, "shutdown")
		}
	}
	for _, sink := range sinks {
		sink.Close()
	}
	r.logger.Info("Room registry stopped - instance: %s, sessions closed: %d", r.opts.InstanceID, len(sinks))
}

var errCommandPanicked = errors.New("room registry command failed")

type reply[T any] struct {
	val T
	err error
}

// query runs fn on the loop goroutine and waits for its result
func query[T any](ctx context.Context, r *Registry, fn func() (T, error)) (T, error) {
	var zero T
	out := make(chan reply[T], 1)
	cmd := func() {
		res := reply[T]{err: errCommandPanicked}
		defer func() { out <- res }()
		res.val, res.err = fn()
	}
	if err := r.submit(ctx, cmd); err != nil {
		return zero, err
	}
	select {
	case res := <-out:
		return res.val, res.err
	case <-r.done:
		select {
		case res := <-out:
			return res.val, res.err
		default:
			return zero, ErrRegistryClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *Registry) call(ctx context.Context, fn func() error) error {
	_, err := query(ctx, r, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// submit enqueues cmd without waiting for it to run
func (r *Registry) submit(ctx context.Context, cmd func()) error {
	select {
	case <-r.done:
		return ErrRegistryClosed
	default:
	}
	select {
	case r.inbox <- cmd:
		return nil
	case <-r.done:
		return ErrRegistryClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post enqueues cmd from a timer or cleanup path
func (r *Registry) post(cmd func()) {
	select {
	case r.inbox <- cmd:
	case <-r.done:
	}
}

// Join adds a participant for sink to a room, creating the room if needed
func (r *Registry) Join(ctx context.Context, req JoinRequest, sink Sink) (JoinResult, error) {
	if sink == nil {
		return JoinResult{}, fmt.Errorf("%w: connection sink is required", ErrInvalidRequest)
	}
	if err := ValidateRoomID(req.RoomID, r.opts.MaxRoomIDLength); err != nil {
		return JoinResult{}, err
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" || !unicodecheck.IsSafeIdentifier(userID) {
		return JoinResult{}, fmt.Errorf("%w: user_id is missing or contains unsafe characters", ErrInvalidRequest)
	}
	role, err := ParseRole(string(req.Role))
	if err != nil {
		return JoinResult{}, err
	}
	username := SanitizeDisplayName(req.Username, userID, r.opts.MaxUsernameRunes)
	sessionID := uuidgen.NewSessionID()

	res, err := query(ctx, r, func() (JoinResult, error) {
		res := r.join(req.RoomID, userID, username, role, sessionID, sink)
		if req.OnJoined != nil {
			req.OnJoined(res)
		}
		return res, nil
	})
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrRegistryClosed) {
		// the command may still run after the caller gave up
		go r.post(func() { r.removeSession(sessionID, "join abandoned") })
	}
	return res, err
}

func (r *Registry) join(roomID, userID, username string, role Role, sessionID string, sink Sink) JoinResult {
	now := r.clock.Now().UTC()
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{
			id:           roomID,
			createdAt:    now,
			participants: make(map[string]*session),
			colorsInUse:  make(map[string]int),
			locks:        newLockTable(),
		}
		r.rooms[roomID] = rm
		r.metrics.RoomOpened(context.Background())
		r.logger.Debug("Room created - room: %s", roomID)
	}

	color := r.colors.Allocate(rm.colorsInUse, len(rm.participants))
	s := &session{
		participant: Participant{
			SessionID:    sessionID,
			UserID:       userID,
			Username:     username,
			Role:         role,
			Color:        color,
			JoinedAt:     now,
			LastActivity: now,
		},
		roomID:   roomID,
		sink:     sink,
		throttle: NewCursorThrottle(r.opts.CursorThrottle),
	}
	rm.participants[sessionID] = s
	rm.colorsInUse[color]++
	r.sessions[sessionID] = s
	r.metrics.ParticipantJoined(context.Background(), string(role))

	r.logger.Info("Participant joined - room: %s, session: %s, user: %s, role: %s, color: %s, participants: %d",
		roomID, sessionID, userID, role, color, len(rm.participants))

	r.emitFrom(s, EventUserJoined, s.participant.snapshot())

	return JoinResult{
		SessionID:    sessionID,
		Color:        color,
		Participants: rm.roster(),
	}
}

// Leave removes a session from its room. Leaving twice is not an error.
func (r *Registry) Leave(ctx context.Context, sessionID string) error {
	return r.call(ctx, func() error {
		r.removeSession(sessionID, "leave")
		return nil
	})
}

func (r *Registry) removeSession(sessionID, reason string) bool {
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	delete(r.sessions, sessionID)
	s.stopFlush()

	rm := r.rooms[s.roomID]
	delete(rm.participants, sessionID)
	if rm.colorsInUse[s.participant.Color]--; rm.colorsInUse[s.participant.Color] <= 0 {
		delete(rm.colorsInUse, s.participant.Color)
	}
	released := rm.locks.ReleaseAll(sessionID)
	r.metrics.ParticipantLeft(context.Background(), string(s.participant.Role))

	if len(rm.participants) == 0 {
		delete(r.rooms, rm.id)
		r.metrics.RoomClosed(context.Background())
		r.logger.Debug("Room removed - room: %s", rm.id)
	}

	r.logger.Info("Participant left - room: %s, session: %s, user: %s, reason: %s, released locks: %d",
		s.roomID, sessionID, s.participant.UserID, reason, len(released))

	r.emitFrom(s, EventUserLeft, UserLeftData{ReleasedLocks: released})
	return true
}

// Dispatch runs one client operation for a joined session
func (r *Registry) Dispatch(ctx context.Context, sessionID string, op OperationType, data json.RawMessage) error {
	return r.call(ctx, func() error {
		return r.dispatch(sessionID, op, data)
	})
}

func (r *Registry) dispatch(sessionID string, op OperationType, data json.RawMessage) error {
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrStaleSession
	}
	handler, ok := r.router.handlers[op]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
	// read fresh on every message; roles change mid-session
	if err := CheckPermission(s.participant.Role, op); err != nil {
		return err
	}
	s.participant.LastActivity = r.clock.Now().UTC()
	return handler.HandleOperation(r, s, data)
}

// ListParticipants returns the local roster of a room. An unknown room has
// an empty roster.
func (r *Registry) ListParticipants(ctx context.Context, roomID string) ([]Participant, error) {
	return query(ctx, r, func() ([]Participant, error) {
		rm, ok := r.rooms[roomID]
		if !ok {
			return []Participant{}, nil
		}
		return rm.roster(), nil
	})
}

// ListRooms summarizes every room with a local participant
func (r *Registry) ListRooms(ctx context.Context) ([]RoomSummary, error) {
	return query(ctx, r, func() ([]RoomSummary, error) {
		out := make([]RoomSummary, 0, len(r.rooms))
		for _, rm := range r.rooms {
			out = append(out, RoomSummary{
				RoomID:       rm.id,
				Participants: len(rm.participants),
				Locks:        rm.locks.Len(),
				CreatedAt:    rm.createdAt,
			})
		}
		slices.SortFunc(out, func(a, b RoomSummary) int { return strings.Compare(a.RoomID, b.RoomID) })
		return out, nil
	})
}

// Locks returns the lock table of a room, local and mirrored
func (r *Registry) Locks(ctx context.Context, roomID string) ([]ElementLock, error) {
	return query(ctx, r, func() ([]ElementLock, error) {
		rm, ok := r.rooms[roomID]
		if !ok {
			return []ElementLock{}, nil
		}
		out := make([]ElementLock, 0, rm.locks.Len())
		for _, l := range rm.locks.locks {
			out = append(out, *l)
		}
		slices.SortFunc(out, func(a, b ElementLock) int { return strings.Compare(a.ElementID, b.ElementID) })
		return out, nil
	})
}

// SetRole changes the role of every local session of userID in roomID and
// announces the change to the room on every instance. It returns the number
// of local sessions updated.
func (r *Registry) SetRole(ctx context.Context, roomID, userID string, role Role) (int, error) {
	if err := ValidateRoomID(roomID, r.opts.MaxRoomIDLength); err != nil {
		return 0, err
	}
	role, err := ParseRole(string(role))
	if err != nil {
		return 0, err
	}
	return query(ctx, r, func() (int, error) {
		updated, username := r.applyRole(roomID, userID, role)
		ev, err := r.newEvent(EventRoleChanged, roomID, nil, RoleChangedData{UserID: userID, Role: role})
		if err != nil {
			return updated, err
		}
		ev.UserID = userID
		ev.Username = username
		r.emit(ev, "")
		return updated, nil
	})
}

func (r *Registry) applyRole(roomID, userID string, role Role) (updated int, username string) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return 0, ""
	}
	for _, s := range rm.participants {
		if s.participant.UserID != userID {
			continue
		}
		if s.participant.Role != role {
			r.metrics.RoleChanged(context.Background(), string(s.participant.Role), string(role))
			r.logger.Info("Role changed - room: %s, session: %s, user: %s, %s -> %s",
				roomID, s.participant.SessionID, userID, s.participant.Role, role)
			s.participant.Role = role
		}
		username = s.participant.Username
		updated++
	}
	return updated, username
}

// DeliverRemote relays an envelope published by another instance to the
// local participants of its room. Envelopes from this instance are ignored.
func (r *Registry) DeliverRemote(ctx context.Context, env pubsub.Envelope) error {
	if env.OriginInstance == r.opts.InstanceID {
		return nil
	}
	return r.submit(ctx, func() { r.deliverRemote(env) })
}

func (r *Registry) deliverRemote(env pubsub.Envelope) {
	r.metrics.EnvelopeReceived(context.Background(), env.Type)

	rm, ok := r.rooms[env.RoomID]
	if !ok {
		return
	}
	var ev Event
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		r.logger.Warn("Dropping malformed envelope payload - room: %s, origin: %s, type: %s, error: %v",
			env.RoomID, env.OriginInstance, env.Type, err)
		return
	}

	now := r.clock.Now().UTC()
	switch EventType(env.Type) {
	case EventElementLocked:
		var d ElementData
		if json.Unmarshal(ev.Data, &d) == nil && d.ElementID != "" {
			rm.locks.Mirror(d.ElementID, env.SenderSessionID, ev.Username, now)
		}
	case EventElementUnlocked:
		var d ElementData
		if json.Unmarshal(ev.Data, &d) == nil {
			rm.locks.Unmirror(d.ElementID, env.SenderSessionID)
		}
	case EventUserLeft:
		rm.locks.ReleaseAll(env.SenderSessionID)
	case EventRoleChanged:
		var d RoleChangedData
		if json.Unmarshal(ev.Data, &d) == nil {
			if role, err := ParseRole(string(d.Role)); err == nil {
				r.applyRole(rm.id, d.UserID, role)
			}
		}
	}

	r.fanOut(rm, env.Payload, "", EventType(env.Type), telemetry.ScopeRemote)
}

func (r *Registry) newEvent(typ EventType, roomID string, from *session, data any) (Event, error) {
	ev := Event{
		Type:       typ,
		Room:       roomID,
		ServerTime: r.clock.Now().UTC(),
	}
	if from != nil {
		ev.SessionID = from.participant.SessionID
		ev.UserID = from.participant.UserID
		ev.Username = from.participant.Username
	}
	switch d := data.(type) {
	case nil:
	case json.RawMessage:
		ev.Data = d
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return Event{}, fmt.Errorf("failed to encode %s data: %w", typ, err)
		}
		ev.Data = b
	}
	return ev, nil
}

// emitFrom broadcasts an event sent by s to every other participant
func (r *Registry) emitFrom(s *session, typ EventType, data any) error {
	ev, err := r.newEvent(typ, s.roomID, s, data)
	if err != nil {
		return err
	}
	r.emit(ev, s.participant.SessionID)
	return nil
}

// emit fans ev out to local participants other than exclude and publishes it
func (r *Registry) emit(ev Event, exclude string) {
	frame, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("Failed to encode %s event for room %s: %v", ev.Type, ev.Room, err)
		return
	}
	if rm, ok := r.rooms[ev.Room]; ok {
		r.fanOut(rm, frame, exclude, ev.Type, telemetry.ScopeLocal)
	}
	if r.opts.Publisher != nil {
		r.opts.Publisher.Publish(pubsub.Envelope{
			RoomID:          ev.Room,
			OriginInstance:  r.opts.InstanceID,
			SenderSessionID: ev.SessionID,
			Type:            string(ev.Type),
			Payload:         frame,
			ServerTime:      ev.ServerTime,
		})
	}
}

func (r *Registry) fanOut(rm *room, frame []byte, exclude string, typ EventType, scope string) {
	var overflowed []string
	delivered := 0
	for id, s := range rm.participants {
		if id == exclude {
			continue
		}
		if s.sink.Deliver(frame) {
			delivered++
		} else {
			overflowed = append(overflowed, id)
		}
	}
	r.metrics.Broadcast(context.Background(), scope, string(typ), delivered)

	for _, id := range overflowed {
		s, ok := r.sessions[id]
		if !ok {
			continue
		}
		r.logger.Warn("Disconnecting slow consumer - room: %s, session: %s, user: %s",
			s.roomID, id, s.participant.UserID)
		r.metrics.SlowConsumerDisconnected(context.Background())
		s.sink.Close()
		r.removeSession(id, "send queue overflow")
	}
}

func (rm *room) roster() []Participant {
	out := make([]Participant, 0, len(rm.participants))
	for _, s := range rm.participants {
		out = append(out, s.participant.snapshot())
	}
	slices.SortFunc(out, func(a, b Participant) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out
}
