package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"roomrelay/internal/session"
	"roomrelay/pkg/interfaces"
)

// FrameHandler consumes the text frames of one connection. It is the
// connection session as seen from the transport.
type FrameHandler interface {
	HandleFrame(ctx context.Context, data []byte) error
	Close()
}

// SessionFactory builds the FrameHandler for a freshly upgraded peer.
type SessionFactory func(peer interfaces.Peer) (FrameHandler, error)

// HandlerConfig configures the upgrade endpoint.
type HandlerConfig struct {
	Connection Options

	// AllowedOrigins lists accepted Origin header values; "*" accepts any.
	// Empty falls back to gorilla's same-host check.
	AllowedOrigins []string

	// HandshakeRate is upgrades per second per remote address; zero disables
	// handshake throttling.
	HandshakeRate  float64
	HandshakeBurst int
}

// Handler upgrades HTTP requests and runs one read loop per connection.
// ARCHITECTURAL DISCOVERY: The handler owns transport lifecycle only; all
// frame semantics live behind the FrameHandler it gets from the factory.
type Handler struct {
	newSession SessionFactory
	opts       Options
	upgrader   websocket.Upgrader
	handshakes *handshakeLimiter
	logger     zerolog.Logger

	mu      sync.Mutex
	conns   map[*Connection]struct{}
	closing bool // set by Shutdown; no connection is tracked afterwards
	wg      sync.WaitGroup
}

// NewHandler creates a WebSocket handler.
func NewHandler(factory SessionFactory, cfg HandlerConfig, logger zerolog.Logger) (*Handler, error) {
	if factory == nil {
		return nil, ErrNilSessionFactory
	}

	h := &Handler{
		newSession: factory,
		opts:       cfg.Connection.withDefaults(),
		logger:     logger.With().Str("component", "websocket_handler").Logger(),
		conns:      make(map[*Connection]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      originChecker(cfg.AllowedOrigins),
	}
	if cfg.HandshakeRate > 0 {
		burst := cfg.HandshakeBurst
		if burst <= 0 {
			burst = 1
		}
		h.handshakes = newHandshakeLimiter(rate.Limit(cfg.HandshakeRate), burst, 10*time.Minute)
	}
	return h, nil
}

// originChecker returns nil (gorilla's same-host default) for an empty list.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients send no Origin.
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

// HandleWebSocket throttles, upgrades and hands the connection to a new
// session.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	address := remoteHost(r)
	if h.isClosing() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	if h.handshakes != nil && !h.handshakes.Allow(address) {
		h.logger.Warn().Str("remote", address).Msg("handshake rate limit exceeded")
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		h.logger.Debug().Err(err).Str("remote", address).Msg("websocket upgrade failed")
		return
	}

	conn, err := NewConnection(wsConn, h.opts, h.logger)
	if err != nil {
		_ = wsConn.Close()
		return
	}

	sess, err := h.newSession(conn)
	if err != nil {
		h.logger.Error().Err(err).Str("conn_id", conn.ID()).Msg("session setup failed")
		_ = conn.Close()
		return
	}

	// Shutdown may have started while this request was upgrading.
	if !h.track(conn) {
		sess.Close()
		_ = conn.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	h.logger.Info().Str("conn_id", conn.ID()).Str("remote", address).Msg("connection opened")

	go h.serve(conn, sess)
}

// serve runs the read loop until the transport fails or is closed.
// FUNCTIONAL DISCOVERY: Deferred cleanup releases room membership even when
// the read loop exits on a deadline or protocol error.
func (h *Handler) serve(conn *Connection, sess FrameHandler) {
	defer h.wg.Done()
	defer func() {
		sess.Close()
		_ = conn.Close()
		h.untrack(conn)
		h.logger.Info().Str("conn_id", conn.ID()).Msg("connection closed")
	}()

	if err := conn.prepareRead(); err != nil {
		h.logger.Debug().Err(err).Str("conn_id", conn.ID()).Msg("failed to set read deadline")
		return
	}
	go conn.heartbeat()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("conn_id", conn.ID()).Msg("websocket read error")
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		if err := sess.HandleFrame(conn.Context(), data); err != nil {
			if session.IsClientError(err) || errors.Is(err, conn.Context().Err()) {
				h.logger.Debug().Err(err).Str("conn_id", conn.ID()).Msg("frame rejected")
				continue
			}
			h.logger.Warn().Err(err).Str("conn_id", conn.ID()).Msg("frame handling failed")
		}
	}
}

// track registers conn for Shutdown. It refuses once Shutdown has begun.
func (h *Handler) track(conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[conn] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

func (h *Handler) isClosing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

// ActiveConnections returns the number of connections being served.
func (h *Handler) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes every open connection and waits for their read loops to
// finish or for ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	open := make([]*Connection, 0, len(h.conns))
	for conn := range h.conns {
		open = append(open, conn)
	}
	h.mu.Unlock()

	for _, conn := range open {
		_ = conn.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
