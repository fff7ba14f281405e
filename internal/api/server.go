package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"roomrelay/internal/archive"
	"roomrelay/internal/room"
)

// RoomDirectory is the read side of the room registry.
type RoomDirectory interface {
	Rooms() []room.RoomInfo
	MemberCount(roomID string) int
	Stats() room.Stats
}

// ConnectionCounter reports live WebSocket connections.
type ConnectionCounter interface {
	ActiveConnections() int
}

// ArchiveReader is the read side of the message archive.
type ArchiveReader interface {
	HealthCheck(ctx context.Context) error
	CountMessages(ctx context.Context, room string) (int, error)
}

// ArchiveStats reports archive dispatcher counters.
type ArchiveStats interface {
	Stats() archive.Stats
}

// Deps are the components the API reads from. Archive and Dispatcher are nil
// when archiving is disabled.
type Deps struct {
	Rooms       RoomDirectory
	Connections ConnectionCounter
	Archive     ArchiveReader
	Dispatcher  ArchiveStats
	Logger      zerolog.Logger
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Read-only: nothing here mutates rooms or connections.
type Server struct {
	deps    Deps
	started time.Time
	logger  zerolog.Logger
	router  *http.ServeMux
}

// NewServer builds the API router.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		started: time.Now(),
		logger:  deps.Logger.With().Str("component", "api").Logger(),
		router:  http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /health", s.healthCheck)
	s.router.HandleFunc("GET /api/rooms", s.listRooms)
	s.router.HandleFunc("GET /api/rooms/{id}", s.getRoom)
}

// ServeHTTP applies CORS and JSON headers to every route.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.jsonMiddleware(s.router)).ServeHTTP(w, r)
}

type RoomsResponse struct {
	Rooms []room.RoomInfo `json:"rooms"`
}

type RoomResponse struct {
	ID       string `json:"id"`
	Members  int    `json:"members"`
	Archived *int   `json:"archived,omitempty"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Archive     string                 `json:"archive"`
	Rooms       room.Stats             `json:"rooms"`
	Connections int                    `json:"connections"`
	Dispatcher  *archive.Stats         `json:"dispatcher,omitempty"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// listRooms returns every active room, sorted by ID.
func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, RoomsResponse{Rooms: s.deps.Rooms.Rooms()})
}

// getRoom returns one active room and, when archiving is on, its archived
// message count.
func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")

	members := s.deps.Rooms.MemberCount(roomID)
	if members == 0 {
		s.sendError(w, "Room not found", http.StatusNotFound)
		return
	}

	response := RoomResponse{ID: roomID, Members: members}
	if s.deps.Archive != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		count, err := s.deps.Archive.CountMessages(ctx, roomID)
		if err != nil {
			s.logger.Error().Err(err).Str("room", roomID).Msg("failed to count archived messages")
			s.sendError(w, "Failed to read archive", http.StatusInternalServerError)
			return
		}
		response.Archived = &count
	}

	s.sendJSON(w, http.StatusOK, response)
}

// FUNCTIONAL DISCOVERY: GET /health returns 503 when the archive is enabled
// but unreachable; a disabled archive is not a failure.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	archiveStatus := "disabled"
	if s.deps.Archive != nil {
		archiveStatus = "healthy"
		if err := s.deps.Archive.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			archiveStatus = "error: " + err.Error()
		}
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Archive:   archiveStatus,
		Rooms:     s.deps.Rooms.Stats(),
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}
	if s.deps.Connections != nil {
		response.Connections = s.deps.Connections.ActiveConnections()
	}
	if s.deps.Dispatcher != nil {
		stats := s.deps.Dispatcher.Stats()
		response.Dispatcher = &stats
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, body interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write response")
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// corsMiddleware lets browser dashboards poll the read-only endpoints.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
