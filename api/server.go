package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ericfitz/tmi-collab/internal/config"
	"github.com/ericfitz/tmi-collab/internal/rooms"
	"github.com/ericfitz/tmi-collab/internal/slogging"
	"github.com/ericfitz/tmi-collab/internal/telemetry"
)

// RoomService is the room registry as seen by the transport
type RoomService interface {
	InstanceID() string
	Join(ctx context.Context, req rooms.JoinRequest, sink rooms.Sink) (rooms.JoinResult, error)
	Leave(ctx context.Context, sessionID string) error
	Dispatch(ctx context.Context, sessionID string, op rooms.OperationType, data json.RawMessage) error
	ListParticipants(ctx context.Context, roomID string) ([]rooms.Participant, error)
	ListRooms(ctx context.Context) ([]rooms.RoomSummary, error)
	Locks(ctx context.Context, roomID string) ([]rooms.ElementLock, error)
	SetRole(ctx context.Context, roomID, userID string, role rooms.Role) (int, error)
}

// BusHealth reports the shared bus state. *pubsub.Bridge implements it and
// a nil bridge reports the bus as disabled.
type BusHealth interface {
	Status() string
	BusName() string
}

// ServerOptions wires a Server
type ServerOptions struct {
	Config *config.Config
	Rooms  RoomService
	Bus    BusHealth
	// Metrics is optional
	Metrics *telemetry.RoomMetrics
	// MetricsHandler serves /metrics when set
	MetricsHandler http.Handler
}

// Server is the collaboration HTTP and WebSocket server
type Server struct {
	config         *config.Config
	rooms          RoomService
	bus            BusHealth
	metrics        *telemetry.RoomMetrics
	metricsHandler http.Handler
	router         *MessageRouter
	upgrader       websocket.Upgrader
	wsLogging      slogging.WebSocketLoggingConfig

	mu       sync.Mutex
	clients  map[*WebSocketClient]struct{}
	draining bool
}

// NewServer creates a new API server instance
func NewServer(opts ServerOptions) *Server {
	return &Server{
		config:         opts.Config,
		rooms:          opts.Rooms,
		bus:            opts.Bus,
		metrics:        opts.Metrics,
		metricsHandler: opts.MetricsHandler,
		router:         NewMessageRouter(),
		upgrader:       newUpgrader(opts.Config.WebSocket),
		wsLogging:      opts.Config.WebSocketLogging(),
		clients:        make(map[*WebSocketClient]struct{}),
	}
}

// NewRouter creates the gin engine with middleware and every route. REST
// requests are validated against the embedded OpenAPI document.
func (s *Server) NewRouter() (*gin.Engine, error) {
	openAPIValidator, err := SetupOpenAPIValidation()
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.Use(telemetry.GinMiddleware(s.config.Telemetry.ServiceName))
	r.Use(slogging.LoggerMiddleware())
	r.Use(slogging.Recoverer())
	r.Use(openAPIValidator)
	s.RegisterHandlers(r)
	return r, nil
}

// RegisterHandlers registers the API routes with the router
func (s *Server) RegisterHandlers(r *gin.Engine) {
	r.GET("/ws", s.HandleWS)
	r.GET("/rooms", s.ListRooms)
	r.GET("/rooms/:room_id/users", s.ListRoomUsers)
	r.GET("/rooms/:room_id/locks", s.ListRoomLocks)
	r.PUT("/rooms/:room_id/users/:user_id/role", s.SetUserRole)
	r.GET("/health", s.Health)
	if s.metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(s.metricsHandler))
	}
}

// CloseConnections closes every open WebSocket and refuses new ones. Used at
// shutdown since http.Server.Shutdown does not track hijacked connections.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	s.draining = true
	clients := make([]*WebSocketClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	if len(clients) > 0 {
		slogging.Get().Info("Closed %d WebSocket connections", len(clients))
	}
}

func (s *Server) track(c *WebSocketClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *WebSocketClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}
