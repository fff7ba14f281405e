package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"roomrelay/internal/app"
	"roomrelay/internal/config"
)

// testServer runs the full relay on a loopback port.
type testServer struct {
	app *app.Application
	cfg *config.Config
}

func startServer(t *testing.T, configure func(cfg *config.Config)) *testServer {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.WebSocket.HandshakeRate = 1000
	cfg.WebSocket.HandshakeBurst = 1000
	cfg.Archive.Path = filepath.Join(t.TempDir(), "relay.db")
	if configure != nil {
		configure(cfg)
	}

	ctx := context.Background()
	application, err := app.NewApplication(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, application.Start(ctx))

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(stopCtx)
	})
	return &testServer{app: application, cfg: cfg}
}

func (s *testServer) wsURL() string {
	return "ws://" + s.app.Addr() + s.cfg.WebSocket.Path
}

func (s *testServer) httpURL(path string) string {
	return "http://" + s.app.Addr() + path
}

// testClient collects every inbound frame on a channel from a background
// read loop so scenarios can assert on delivery without blocking reads.
type testClient struct {
	name   string
	conn   *websocket.Conn
	frames chan map[string]interface{}
	done   chan struct{}

	writeMu sync.Mutex
}

func connect(t *testing.T, s *testServer, name string) *testClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL(), nil)
	require.NoError(t, err, "dial %s", name)

	c := &testClient{
		name:   name,
		conn:   conn,
		frames: make(chan map[string]interface{}, 256),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(c.close)
	return c
}

func (c *testClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame map[string]interface{}
		if json.Unmarshal(data, &frame) != nil {
			continue
		}
		select {
		case c.frames <- frame:
		default:
		}
	}
}

func (c *testClient) send(t *testing.T, frame map[string]string) {
	t.Helper()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	require.NoError(t, c.conn.WriteJSON(frame), "send from %s", c.name)
}

func (c *testClient) join(t *testing.T, roomID, token string) {
	t.Helper()
	frame := map[string]string{"type": "join", "url": roomID}
	if token != "" {
		frame["token"] = token
	}
	c.send(t, frame)
}

func (c *testClient) chat(t *testing.T, text string) {
	t.Helper()
	c.send(t, map[string]string{"type": "chat", "user": c.name, "text": text})
}

// expect waits for the next frame.
func (c *testClient) expect(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case frame := <-c.frames:
		return frame
	case <-time.After(2 * time.Second):
		require.FailNow(t, fmt.Sprintf("%s received no frame", c.name))
		return nil
	}
}

// expectSilence fails if any frame arrives within d.
func (c *testClient) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case frame := <-c.frames:
		require.FailNow(t, fmt.Sprintf("%s received unexpected frame %v", c.name, frame))
	case <-time.After(d):
	}
}

func (c *testClient) close() {
	_ = c.conn.Close()
	<-c.done
}
