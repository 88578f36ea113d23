package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfitz/tmi-collab/internal/config"
	"github.com/ericfitz/tmi-collab/internal/pubsub"
	"github.com/ericfitz/tmi-collab/internal/rooms"
)

func TestListRoomUsers(t *testing.T) {
	inst := newTestInstance(t, "i1", nil)

	var users ParticipantsResponse
	require.Equal(t, http.StatusOK, inst.getJSON(t, "/rooms/empty-room/users", &users))
	assert.Equal(t, 0, users.Count)
	assert.NotNil(t, users.Users)

	dial(t, inst).join("room-1", "alice", "Alice", "owner")
	dial(t, inst).join("room-1", "bob", "<b>Bob</b>", "viewer")

	require.Equal(t, http.StatusOK, inst.getJSON(t, "/rooms/room-1/users", &users))
	require.Equal(t, 2, users.Count)
	assert.Equal(t, "alice", users.Users[0].UserID)
	assert.Equal(t, rooms.RoleOwner, users.Users[0].Role)
	assert.Equal(t, "Bob", users.Users[1].Username)
	assert.NotEqual(t, users.Users[0].Color, users.Users[1].Color)

	var apiErr Error
	assert.Equal(t, http.StatusBadRequest, inst.getJSON(t, "/rooms/bad*room/users", &apiErr))
	assert.Equal(t, "invalid_id", apiErr.Error)
	assert.Contains(t, apiErr.Message, "room_id")
}

func TestListRoomLocks(t *testing.T) {
	inst := newTestInstance(t, "i1", nil)
	alice := dial(t, inst)
	alice.join("room-1", "alice", "Alice", "editor")
	require.True(t, alice.do("lock_element", "l1", map[string]string{"element_id": "e2"}).Success)
	require.True(t, alice.do("lock_element", "l2", map[string]string{"element_id": "e1"}).Success)

	var resp LocksResponse
	require.Equal(t, http.StatusOK, inst.getJSON(t, "/rooms/room-1/locks", &resp))
	assert.Equal(t, "room-1", resp.RoomID)
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "e1", resp.Locks[0].ElementID)
	assert.Equal(t, "Alice", resp.Locks[0].HolderUsername)
	assert.False(t, resp.Locks[0].Remote)

	require.Equal(t, http.StatusOK, inst.getJSON(t, "/rooms/empty-room/locks", &resp))
	assert.Equal(t, 0, resp.Count)
	assert.NotNil(t, resp.Locks)
}

func TestListRooms(t *testing.T) {
	inst := newTestInstance(t, "i1", nil)
	dial(t, inst).join("room-b", "alice", "Alice", "editor")
	dial(t, inst).join("room-a", "bob", "Bob", "editor")
	dial(t, inst).join("room-a", "carol", "Carol", "viewer")

	var resp RoomsResponse
	require.Equal(t, http.StatusOK, inst.getJSON(t, "/rooms", &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "room-a", resp.Rooms[0].RoomID)
	assert.Equal(t, 2, resp.Rooms[0].Participants)
	assert.Equal(t, "room-b", resp.Rooms[1].RoomID)
}

func TestSetUserRole(t *testing.T) {
	inst := newTestInstance(t, "i1", nil)
	alice := dial(t, inst)
	alice.join("room-1", "alice", "Alice", "owner")
	bob := dial(t, inst)
	bob.join("room-1", "bob", "Bob", "viewer")

	require.True(t, bob.do("shape_deleted", "d1", map[string]string{"id": "s1"}).PermissionDenied)

	var resp SetRoleResponse
	require.Equal(t, http.StatusOK, inst.putJSON(t, "/rooms/room-1/users/bob/role", `{"role":"editor"}`, &resp))
	assert.Equal(t, 1, resp.UpdatedSessions)
	assert.Equal(t, rooms.RoleEditor, resp.Role)

	changed := bob.event("role_changed")
	assert.Equal(t, "bob", changed.UserID)
	assert.JSONEq(t, `{"user_id":"bob","role":"editor"}`, string(changed.Data))

	ack := bob.do("shape_deleted", "d2", map[string]string{"id": "s1"})
	require.True(t, ack.Success, ack.Error)
	deleted := alice.event("shape_deleted")
	assert.Equal(t, "bob", deleted.UserID)

	var apiErr Error
	assert.Equal(t, http.StatusBadRequest, inst.putJSON(t, "/rooms/room-1/users/bob/role", `{"role":"admin"}`, &apiErr))
	assert.Equal(t, "invalid_input", apiErr.Error)

	// no local session is updated but the change is still accepted
	require.Equal(t, http.StatusOK, inst.putJSON(t, "/rooms/other/users/bob/role", `{"role":"viewer"}`, &resp))
	assert.Equal(t, 0, resp.UpdatedSessions)
}

func TestSetUserRoleAcrossInstances(t *testing.T) {
	bus := pubsub.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	inst1 := newTestInstance(t, "i1", bus)
	inst2 := newTestInstance(t, "i2", bus)
	require.Eventually(t, func() bool {
		return inst1.bridge.Status() == pubsub.StatusOK && inst2.bridge.Status() == pubsub.StatusOK
	}, 2*time.Second, 5*time.Millisecond)

	bob := dial(t, inst2)
	bob.join("room-1", "bob", "Bob", "viewer")

	var resp SetRoleResponse
	require.Equal(t, http.StatusOK, inst1.putJSON(t, "/rooms/room-1/users/bob/role", `{"role":"editor"}`, &resp))
	assert.Equal(t, 0, resp.UpdatedSessions)

	changed := bob.event("role_changed")
	assert.JSONEq(t, `{"user_id":"bob","role":"editor"}`, string(changed.Data))
	ack := bob.do("shape_created", "c1", map[string]string{"id": "s9"})
	assert.True(t, ack.Success, ack.Error)
}

func TestHealth(t *testing.T) {
	local := newTestInstance(t, "i1", nil)
	dial(t, local).join("room-1", "alice", "Alice", "editor")

	var health HealthResponse
	require.Equal(t, http.StatusOK, local.getJSON(t, "/health", &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "i1", health.InstanceID)
	assert.Equal(t, "none", health.Bus)
	assert.Equal(t, pubsub.StatusDisabled, health.BusStatus)
	assert.Equal(t, 1, health.Rooms)

	bus := pubsub.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	shared := newTestInstance(t, "i2", bus)
	require.Eventually(t, func() bool {
		var h HealthResponse
		shared.getJSON(t, "/health", &h)
		return h.BusStatus == pubsub.StatusOK
	}, 2*time.Second, 5*time.Millisecond)

	bus.SetOffline(true)
	require.Eventually(t, func() bool {
		var h HealthResponse
		shared.getJSON(t, "/health", &h)
		return h.BusStatus == pubsub.StatusDegraded && h.Bus == config.BusDriverMemory
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMetricsRoute(t *testing.T) {
	inst := newTestInstance(t, "i1", nil)
	assert.Equal(t, http.StatusNotFound, inst.getJSON(t, "/metrics", nil))

	cfg := config.Default()
	server := NewServer(ServerOptions{
		Config: cfg,
		Rooms:  inst.registry,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("collab_active_rooms 0\n"))
		}),
	})
	router, err := server.NewRouter()
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, "/metrics", nil)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "collab_active_rooms")
}

func TestOpenAPIValidation(t *testing.T) {
	inst := newTestInstance(t, "i1", nil)
	bob := dial(t, inst)
	bob.join("room-1", "bob", "Bob", "viewer")

	tests := []struct {
		name    string
		body    string
		code    string
		message string
	}{
		{"role outside enum", `{"role":"admin"}`, "invalid_input", "allowed values"},
		{"role is case sensitive", `{"role":"Editor"}`, "invalid_input", "allowed values"},
		{"missing role", `{}`, "invalid_input", "role"},
		{"unknown property", `{"role":"editor","admin":true}`, "invalid_input", "admin"},
		{"missing body", ``, "invalid_input", "required"},
		{"not json", `nope`, "invalid_input", "request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var apiErr Error
			require.Equal(t, http.StatusBadRequest, inst.putJSON(t, "/rooms/room-1/users/bob/role", tt.body, &apiErr))
			assert.Equal(t, tt.code, apiErr.Error)
			assert.Contains(t, apiErr.Message, tt.message)
		})
	}

	// rejected requests never reach the registry
	ack := bob.do("shape_created", "c1", map[string]string{"id": "s1"})
	assert.True(t, ack.PermissionDenied)

	var apiErr Error
	assert.Equal(t, http.StatusNotFound, inst.getJSON(t, "/nowhere", &apiErr))
	assert.Equal(t, "not_found", apiErr.Error)
}

func TestGetSwagger(t *testing.T) {
	swagger, err := GetSwagger()
	require.NoError(t, err)
	for _, path := range []string{"/rooms", "/rooms/{room_id}/users", "/rooms/{room_id}/locks",
		"/rooms/{room_id}/users/{user_id}/role", "/health", "/metrics"} {
		assert.NotNil(t, swagger.Paths.Find(path), path)
	}
}
