package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomrelay/internal/archive"
	"roomrelay/internal/room"
)

type stubPeer struct{ id string }

func (p stubPeer) ID() string        { return p.id }
func (p stubPeer) Send([]byte) error { return nil }
func (p stubPeer) IsOpen() bool      { return true }
func (p stubPeer) Close() error      { return nil }

type stubArchive struct {
	healthErr error
	counts    map[string]int
	countErr  error
}

func (a *stubArchive) HealthCheck(ctx context.Context) error { return a.healthErr }

func (a *stubArchive) CountMessages(ctx context.Context, roomID string) (int, error) {
	if a.countErr != nil {
		return 0, a.countErr
	}
	return a.counts[roomID], nil
}

type stubDispatcher struct{ stats archive.Stats }

func (d stubDispatcher) Stats() archive.Stats { return d.stats }

// countDirectory serves room counts without holding any peers.
type countDirectory map[string]int

func (d countDirectory) Rooms() []room.RoomInfo {
	infos := make([]room.RoomInfo, 0, len(d))
	for id, n := range d {
		infos = append(infos, room.RoomInfo{ID: id, Members: n})
	}
	return infos
}

func (d countDirectory) MemberCount(roomID string) int { return d[roomID] }

func (d countDirectory) Stats() room.Stats {
	stats := room.Stats{Rooms: len(d)}
	for _, n := range d {
		stats.Members += n
	}
	return stats
}

type stubConnections int

func (c stubConnections) ActiveConnections() int { return int(c) }

func newTestRegistry(t *testing.T) *room.Registry {
	t.Helper()
	registry := room.NewRegistry(zerolog.Nop())
	require.NoError(t, registry.Join("zeta", stubPeer{"1"}))
	require.NoError(t, registry.Join("alpha", stubPeer{"2"}))
	require.NoError(t, registry.Join("alpha", stubPeer{"3"}))
	return registry
}

func do(t *testing.T, server *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestServer_ListRooms(t *testing.T) {
	server := NewServer(Deps{Rooms: newTestRegistry(t), Logger: zerolog.Nop()})

	w := do(t, server, http.MethodGet, "/api/rooms")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"rooms":[{"id":"alpha","members":2},{"id":"zeta","members":1}]}`, w.Body.String())
}

func TestServer_ListRoomsEmpty(t *testing.T) {
	server := NewServer(Deps{Rooms: room.NewRegistry(zerolog.Nop()), Logger: zerolog.Nop()})

	w := do(t, server, http.MethodGet, "/api/rooms")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"rooms":[]}`, w.Body.String())
}

func TestServer_GetRoom(t *testing.T) {
	t.Run("without archive", func(t *testing.T) {
		server := NewServer(Deps{Rooms: newTestRegistry(t), Logger: zerolog.Nop()})

		w := do(t, server, http.MethodGet, "/api/rooms/alpha")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"id":"alpha","members":2}`, w.Body.String())
	})

	t.Run("with archive", func(t *testing.T) {
		server := NewServer(Deps{
			Rooms:   newTestRegistry(t),
			Archive: &stubArchive{counts: map[string]int{"alpha": 7}},
			Logger:  zerolog.Nop(),
		})

		w := do(t, server, http.MethodGet, "/api/rooms/alpha")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"id":"alpha","members":2,"archived":7}`, w.Body.String())
	})

	t.Run("archive failure", func(t *testing.T) {
		server := NewServer(Deps{
			Rooms:   newTestRegistry(t),
			Archive: &stubArchive{countErr: errors.New("locked")},
			Logger:  zerolog.Nop(),
		})

		w := do(t, server, http.MethodGet, "/api/rooms/alpha")

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("count-only directory", func(t *testing.T) {
		server := NewServer(Deps{Rooms: countDirectory{"big": 250}, Logger: zerolog.Nop()})

		w := do(t, server, http.MethodGet, "/api/rooms/big")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"id":"big","members":250}`, w.Body.String())
	})

	t.Run("unknown room", func(t *testing.T) {
		server := NewServer(Deps{Rooms: newTestRegistry(t), Logger: zerolog.Nop()})

		w := do(t, server, http.MethodGet, "/api/rooms/ghost")

		assert.Equal(t, http.StatusNotFound, w.Code)
		var body ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, ErrorResponse{Error: "Not Found", Code: http.StatusNotFound, Message: "Room not found"}, body)
	})
}

func TestServer_HealthCheck(t *testing.T) {
	server := NewServer(Deps{
		Rooms:       newTestRegistry(t),
		Connections: stubConnections(4),
		Archive:     &stubArchive{},
		Dispatcher:  stubDispatcher{archive.Stats{Stored: 10, Dropped: 1}},
		Logger:      zerolog.Nop(),
	})

	w := do(t, server, http.MethodGet, "/health")

	require.Equal(t, http.StatusOK, w.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "healthy", body.Archive)
	assert.Equal(t, room.Stats{Rooms: 2, Members: 3}, body.Rooms)
	assert.Equal(t, 4, body.Connections)
	require.NotNil(t, body.Dispatcher)
	assert.Equal(t, uint64(10), body.Dispatcher.Stored)
	assert.Contains(t, body.System, "goroutines")
	assert.Contains(t, body.System, "uptime")
}

func TestServer_HealthCheckArchiveDisabled(t *testing.T) {
	server := NewServer(Deps{Rooms: room.NewRegistry(zerolog.Nop()), Logger: zerolog.Nop()})

	w := do(t, server, http.MethodGet, "/health")

	require.Equal(t, http.StatusOK, w.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "disabled", body.Archive)
	assert.Nil(t, body.Dispatcher)
}

func TestServer_HealthCheckUnhealthyArchive(t *testing.T) {
	server := NewServer(Deps{
		Rooms:   room.NewRegistry(zerolog.Nop()),
		Archive: &stubArchive{healthErr: errors.New("database ping failed")},
		Logger:  zerolog.Nop(),
	})

	w := do(t, server, http.MethodGet, "/health")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "error: database ping failed", body.Archive)
}

func TestServer_CORSMiddleware(t *testing.T) {
	server := NewServer(Deps{Rooms: room.NewRegistry(zerolog.Nop()), Logger: zerolog.Nop()})

	w := do(t, server, http.MethodOptions, "/api/rooms")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
}

func TestServer_MethodNotAllowed(t *testing.T) {
	server := NewServer(Deps{Rooms: room.NewRegistry(zerolog.Nop()), Logger: zerolog.Nop()})

	w := do(t, server, http.MethodPost, "/api/rooms")

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
