package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomrelay/internal/identity"
	"roomrelay/internal/ratelimit"
	"roomrelay/internal/room"
	"roomrelay/pkg/interfaces"
	"roomrelay/pkg/types"
)

const testSecret = "relay-test-secret"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakePeer struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("closed")
	}
	p.frames = append(p.frames, data)
	return nil
}

func (p *fakePeer) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) decoded(t *testing.T) []map[string]interface{} {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(p.frames))
	for _, f := range p.frames {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

type recordingArchiver struct {
	mu       sync.Mutex
	messages []types.ArchivedMessage
}

func (a *recordingArchiver) Archive(m types.ArchivedMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, m)
}

// countingRooms records Leave calls on top of a real registry.
type countingRooms struct {
	*room.Registry
	mu     sync.Mutex
	leaves int
}

func (c *countingRooms) Leave(roomID string, member interfaces.Peer) {
	c.mu.Lock()
	c.leaves++
	c.mu.Unlock()
	c.Registry.Leave(roomID, member)
}

type testEnv struct {
	rooms    *countingRooms
	resolver *identity.Resolver
	archiver *recordingArchiver
	clock    time.Time
}

func newTestEnv() *testEnv {
	return &testEnv{
		rooms:    &countingRooms{Registry: room.NewRegistry(zerolog.Nop())},
		resolver: identity.NewResolver(testSecret, identity.WithClock(func() time.Time { return testNow })),
		archiver: &recordingArchiver{},
		clock:    testNow,
	}
}

func (e *testEnv) now() time.Time { return e.clock }

func (e *testEnv) newSession(t *testing.T, id string, cfg Config) (*Session, *fakePeer) {
	t.Helper()
	limiter, err := ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithClock(e.now))
	require.NoError(t, err)

	peer := &fakePeer{id: id}
	s := New(Deps{
		Peer:     peer,
		Rooms:    e.rooms,
		Resolver: e.resolver,
		Limiter:  limiter,
		Archiver: e.archiver,
		Logger:   zerolog.Nop(),
		Now:      e.now,
	}, cfg)
	t.Cleanup(s.Close)
	return s, peer
}

func signToken(t *testing.T, username string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": username,
		"exp":      testNow.Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func frame(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func joinFrame(t *testing.T, roomID, token string) []byte {
	return frame(t, types.InboundFrame{Type: types.FrameTypeJoin, URL: roomID, Token: token})
}

func chatFrame(t *testing.T, user, text string) []byte {
	return frame(t, types.InboundFrame{Type: types.FrameTypeChat, User: user, Text: text})
}

func TestJoinWithoutTokenIsAnonymous(t *testing.T) {
	env := newTestEnv()
	s, peer := env.newSession(t, "c1", Config{})
	ctx := context.Background()

	require.NoError(t, s.HandleFrame(ctx, joinFrame(t, "lobby", "")))

	assert.Equal(t, StateJoined, s.State())
	assert.Equal(t, "lobby", s.Room())
	assert.True(t, env.rooms.Contains("lobby", peer))
	assert.Empty(t, peer.decoded(t))
}

func TestInvalidTokenKeepsSessionUnjoined(t *testing.T) {
	env := newTestEnv()
	s, peer := env.newSession(t, "c1", Config{})
	ctx := context.Background()

	err := s.HandleFrame(ctx, joinFrame(t, "lobby", "not-a-jwt"))
	require.ErrorIs(t, err, identity.ErrInvalidToken)

	assert.Equal(t, StateUnjoined, s.State())
	assert.False(t, env.rooms.Has("lobby"))
	assert.Equal(t, []map[string]interface{}{
		{"type": "error", "code": "INVALID_TOKEN", "user": "Anonymous"},
	}, peer.decoded(t))

	// The connection survives and may retry.
	require.NoError(t, s.HandleFrame(ctx, joinFrame(t, "lobby", signToken(t, "alice"))))
	assert.Equal(t, StateJoined, s.State())
}

func TestChatBeforeJoinIsIgnored(t *testing.T) {
	env := newTestEnv()
	s, peer := env.newSession(t, "c1", Config{})

	err := s.HandleFrame(context.Background(), chatFrame(t, "alice", "hi"))

	assert.ErrorIs(t, err, ErrNotJoined)
	assert.Empty(t, peer.decoded(t))
	assert.Empty(t, env.archiver.messages)
}

func TestMalformedFramesAreProtocolErrors(t *testing.T) {
	env := newTestEnv()
	s, peer := env.newSession(t, "c1", Config{})
	ctx := context.Background()

	for _, data := range []string{`not json`, `{"type":"dance"}`, `{"type":"join"}`, `[]`} {
		err := s.HandleFrame(ctx, []byte(data))
		assert.ErrorIs(t, err, ErrProtocol, data)
		assert.True(t, IsClientError(err))
	}
	assert.Equal(t, StateUnjoined, s.State())
	assert.Empty(t, peer.decoded(t))
}

func TestChatIsRelayedToOtherMembersOnly(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	alice, alicePeer := env.newSession(t, "alice", Config{})
	bob, bobPeer := env.newSession(t, "bob", Config{})
	carol, carolPeer := env.newSession(t, "carol", Config{})

	require.NoError(t, alice.HandleFrame(ctx, joinFrame(t, "lobby", "")))
	require.NoError(t, bob.HandleFrame(ctx, joinFrame(t, "lobby", "")))
	require.NoError(t, carol.HandleFrame(ctx, joinFrame(t, "other", "")))

	require.NoError(t, alice.HandleFrame(ctx, chatFrame(t, "alice", "hi")))

	assert.Equal(t, []map[string]interface{}{
		{"type": "chat", "user": "alice", "text": "hi"},
	}, bobPeer.decoded(t))
	assert.Empty(t, alicePeer.decoded(t))
	assert.Empty(t, carolPeer.decoded(t))
}

func TestChatIsSanitizedAndArchived(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	alice, _ := env.newSession(t, "alice", Config{})
	bob, bobPeer := env.newSession(t, "bob", Config{})
	require.NoError(t, alice.HandleFrame(ctx, joinFrame(t, "lobby", "")))
	require.NoError(t, bob.HandleFrame(ctx, joinFrame(t, "lobby", "")))

	require.NoError(t, alice.HandleFrame(ctx, chatFrame(t, "", "<b>hey</b>")))

	assert.Equal(t, []map[string]interface{}{
		{"type": "chat", "user": "Anonymous", "text": "&lt;b&gt;hey&lt;/b&gt;"},
	}, bobPeer.decoded(t))

	require.Len(t, env.archiver.messages, 1)
	archived := env.archiver.messages[0]
	assert.NotEmpty(t, archived.ID)
	assert.Equal(t, "lobby", archived.Room)
	assert.Equal(t, "Anonymous", archived.User)
	assert.Equal(t, "&lt;b&gt;hey&lt;/b&gt;", archived.Text)
	assert.Equal(t, testNow, archived.Timestamp)
}

func TestVerifiedNameOverridesClaimedUser(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	mallory, _ := env.newSession(t, "mallory", Config{})
	bob, bobPeer := env.newSession(t, "bob", Config{})
	require.NoError(t, mallory.HandleFrame(ctx, joinFrame(t, "lobby", signToken(t, "mallory"))))
	require.NoError(t, bob.HandleFrame(ctx, joinFrame(t, "lobby", "")))

	require.NoError(t, mallory.HandleFrame(ctx, chatFrame(t, "admin", "trust me")))

	assert.Equal(t, []map[string]interface{}{
		{"type": "chat", "user": "mallory", "text": "trust me"},
	}, bobPeer.decoded(t))
}

func TestOverlongMessageDoesNotConsumeToken(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	alice, alicePeer := env.newSession(t, "alice", Config{})
	bob, bobPeer := env.newSession(t, "bob", Config{})
	require.NoError(t, alice.HandleFrame(ctx, joinFrame(t, "lobby", "")))
	require.NoError(t, bob.HandleFrame(ctx, joinFrame(t, "lobby", "")))

	err := alice.HandleFrame(ctx, chatFrame(t, "alice", strings.Repeat("x", 600)))
	require.ErrorIs(t, err, ErrMessageTooLong)
	assert.Equal(t, []map[string]interface{}{
		{"type": "error", "code": "MESSAGE_TOO_LONG", "user": "alice"},
	}, alicePeer.decoded(t))
	assert.Empty(t, bobPeer.decoded(t))

	// The full burst of five is still available.
	for i := 0; i < 5; i++ {
		require.NoError(t, alice.HandleFrame(ctx, chatFrame(t, "alice", "ok")), "send %d", i)
	}
	assert.Len(t, bobPeer.decoded(t), 5)
}

func TestMessageLengthCountsCharacters(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	s, _ := env.newSession(t, "c1", Config{MaxMessageLength: 3})
	require.NoError(t, s.HandleFrame(ctx, joinFrame(t, "lobby", "")))

	assert.NoError(t, s.HandleFrame(ctx, chatFrame(t, "", "äöü")))
	assert.ErrorIs(t, s.HandleFrame(ctx, chatFrame(t, "", "äöüß")), ErrMessageTooLong)
	assert.ErrorIs(t, s.HandleFrame(ctx, chatFrame(t, "", "")), ErrMessageTooLong)

	// Length is in runes, not UTF-16 code units: three emoji are six code
	// units in a browser's String.length but count as three here.
	assert.NoError(t, s.HandleFrame(ctx, chatFrame(t, "", "😀😀😀")))
	assert.ErrorIs(t, s.HandleFrame(ctx, chatFrame(t, "", "😀😀😀😀")), ErrMessageTooLong)
}

func TestRateLimitedChatCarriesPenalty(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	alice, alicePeer := env.newSession(t, "alice", Config{})
	bob, bobPeer := env.newSession(t, "bob", Config{})
	require.NoError(t, alice.HandleFrame(ctx, joinFrame(t, "lobby", "")))
	require.NoError(t, bob.HandleFrame(ctx, joinFrame(t, "lobby", "")))

	for i := 0; i < 5; i++ {
		require.NoError(t, alice.HandleFrame(ctx, chatFrame(t, "alice", "spam")))
	}

	// Two refusals below the failure threshold carry no penalty.
	for i := 0; i < 2; i++ {
		require.ErrorIs(t, alice.HandleFrame(ctx, chatFrame(t, "alice", "spam")), ErrRateLimitExceeded)
	}
	// The third escalates to level 1.
	require.ErrorIs(t, alice.HandleFrame(ctx, chatFrame(t, "alice", "spam")), ErrRateLimitExceeded)

	frames := alicePeer.decoded(t)
	require.Len(t, frames, 3)
	assert.Equal(t, map[string]interface{}{"type": "error", "code": "RATE_LIMIT_EXCEEDED", "user": "alice"}, frames[0])
	assert.Equal(t, map[string]interface{}{
		"type": "error", "code": "RATE_LIMIT_EXCEEDED", "user": "alice",
		"penalty": map[string]interface{}{"level": float64(1), "waitSeconds": float64(2)},
	}, frames[2])

	assert.Len(t, bobPeer.decoded(t), 5)
	assert.Len(t, env.archiver.messages, 5)
}

func TestJoinWhileJoinedIsIgnoredByDefault(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	s, peer := env.newSession(t, "c1", Config{})
	require.NoError(t, s.HandleFrame(ctx, joinFrame(t, "lobby", "")))

	err := s.HandleFrame(ctx, joinFrame(t, "other", ""))

	assert.ErrorIs(t, err, ErrAlreadyJoined)
	assert.Equal(t, "lobby", s.Room())
	assert.True(t, env.rooms.Contains("lobby", peer))
	assert.False(t, env.rooms.Has("other"))
}

func TestRejoinMovesRoomsWhenAllowed(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	s, peer := env.newSession(t, "c1", Config{AllowRejoin: true})
	require.NoError(t, s.HandleFrame(ctx, joinFrame(t, "lobby", "")))

	require.NoError(t, s.HandleFrame(ctx, joinFrame(t, "other", "")))
	assert.Equal(t, "other", s.Room())
	assert.False(t, env.rooms.Has("lobby"))
	assert.True(t, env.rooms.Contains("other", peer))

	// A bad credential leaves membership where it was.
	require.ErrorIs(t, s.HandleFrame(ctx, joinFrame(t, "third", "bad")), identity.ErrInvalidToken)
	assert.Equal(t, "other", s.Room())
	assert.True(t, env.rooms.Contains("other", peer))
	assert.False(t, env.rooms.Has("third"))
}

func TestCloseLeavesRoomExactlyOnce(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	s, peer := env.newSession(t, "c1", Config{})
	require.NoError(t, s.HandleFrame(ctx, joinFrame(t, "lobby", "")))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	s.Close()

	assert.Equal(t, 1, env.rooms.leaves)
	assert.False(t, env.rooms.Has("lobby"))
	assert.False(t, env.rooms.Contains("lobby", peer))
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.HandleFrame(ctx, chatFrame(t, "", "late")), ErrSessionClosed)
}

func TestCloseBeforeJoin(t *testing.T) {
	env := newTestEnv()
	s, _ := env.newSession(t, "c1", Config{})

	s.Close()

	assert.Equal(t, 0, env.rooms.leaves)
	assert.Equal(t, StateClosed, s.State())

	err := s.HandleFrame(context.Background(), joinFrame(t, "lobby", ""))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.True(t, IsClientError(err))
}

func TestCloseKeepsRoomForRemainingMembers(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	alice, _ := env.newSession(t, "alice", Config{})
	bob, bobPeer := env.newSession(t, "bob", Config{})
	require.NoError(t, alice.HandleFrame(ctx, joinFrame(t, "lobby", "")))
	require.NoError(t, bob.HandleFrame(ctx, joinFrame(t, "lobby", "")))

	alice.Close()

	assert.True(t, env.rooms.Has("lobby"))
	assert.True(t, env.rooms.Contains("lobby", bobPeer))
}

func TestHandleFrameHonoursCancelledContext(t *testing.T) {
	env := newTestEnv()
	s, _ := env.newSession(t, "c1", Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.HandleFrame(ctx, joinFrame(t, "lobby", "")), context.Canceled)
	assert.Equal(t, StateUnjoined, s.State())
}

func TestClosedPeerErrorFrameIsDropped(t *testing.T) {
	env := newTestEnv()
	s, peer := env.newSession(t, "c1", Config{})
	require.NoError(t, peer.Close())

	err := s.HandleFrame(context.Background(), joinFrame(t, "lobby", "garbage"))

	assert.ErrorIs(t, err, identity.ErrInvalidToken)
	assert.Empty(t, peer.decoded(t))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unjoined", StateUnjoined.String())
	assert.Equal(t, "joined", StateJoined.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "state(9)", State(9).String())
}
