// Package session implements the per-connection dispatch state machine:
// a connection starts unjoined, joins exactly one room, then relays chat
// frames to the other members of that room.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"roomrelay/internal/identity"
	"roomrelay/internal/ratelimit"
	"roomrelay/internal/sanitize"
	"roomrelay/pkg/interfaces"
	"roomrelay/pkg/types"
)

// DefaultMaxMessageLength is the longest accepted chat text, in characters.
const DefaultMaxMessageLength = 500

// State is the session's position in the join lifecycle.
type State int

const (
	StateUnjoined State = iota
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Rooms is the slice of the room registry a session needs.
type Rooms interface {
	Join(roomID string, member interfaces.Peer) error
	Leave(roomID string, member interfaces.Peer)
	Broadcast(roomID string, payload []byte, except interfaces.Peer) int
}

// Config holds chat policy.
type Config struct {
	MaxMessageLength int
	// AllowRejoin lets a joined connection move to another room with a new
	// join frame. When false, later joins are ignored.
	AllowRejoin bool
}

// Deps are the collaborators a session is built from.
type Deps struct {
	Peer     interfaces.Peer
	Rooms    Rooms
	Resolver interfaces.IdentityResolver
	Limiter  ratelimit.Limiter
	Archiver interfaces.Archiver
	Logger   zerolog.Logger
	// Now stamps archived messages; defaults to time.Now.
	Now func() time.Time
}

// Session is owned by its connection's read loop. HandleFrame is not meant
// to be called concurrently; Close may be called from anywhere.
type Session struct {
	peer     interfaces.Peer
	rooms    Rooms
	resolver interfaces.IdentityResolver
	limiter  ratelimit.Limiter
	archiver interfaces.Archiver
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	state    State
	roomID   string
	name     string
	verified bool

	closeOnce sync.Once
}

// New creates an unjoined session.
func New(deps Deps, cfg Config) *Session {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if deps.Archiver == nil {
		deps.Archiver = interfaces.NopArchiver{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Session{
		peer:     deps.Peer,
		rooms:    deps.Rooms,
		resolver: deps.Resolver,
		limiter:  deps.Limiter,
		archiver: deps.Archiver,
		cfg:      cfg,
		logger:   deps.Logger.With().Str("component", "session").Str("conn_id", deps.Peer.ID()).Logger(),
		now:      deps.Now,
		state:    StateUnjoined,
		name:     identity.Anonymous,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Room returns the joined room ID, or "" before join.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// HandleFrame dispatches one inbound text frame. Client-visible failures are
// answered with an error frame and also returned so the caller can log them.
func (s *Session) HandleFrame(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	frame, err := types.ParseInboundFrame(data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrSessionClosed
	}

	switch frame.Type {
	case types.FrameTypeJoin:
		return s.handleJoin(frame)
	case types.FrameTypeChat:
		return s.handleChat(frame)
	}
	return fmt.Errorf("%w: unhandled frame type %q", ErrProtocol, frame.Type)
}

// handleJoin resolves the caller's identity and enters the requested room.
// FUNCTIONAL DISCOVERY: A rejected credential leaves the session unjoined and
// the connection open; the client may retry.
func (s *Session) handleJoin(frame types.InboundFrame) error {
	if s.state == StateJoined && !s.cfg.AllowRejoin {
		s.logger.Debug().Str("room", s.roomID).Msg("ignoring join: already joined")
		return ErrAlreadyJoined
	}

	name, err := s.resolver.Resolve(frame.Token)
	if err != nil {
		s.sendError(types.CodeInvalidToken, identity.Anonymous, nil)
		return fmt.Errorf("join %q: %w", frame.URL, err)
	}

	if s.state == StateJoined {
		if s.roomID == frame.URL {
			s.name, s.verified = name, strings.TrimSpace(frame.Token) != ""
			return nil
		}
		s.rooms.Leave(s.roomID, s.peer)
	}

	if err := s.rooms.Join(frame.URL, s.peer); err != nil {
		return fmt.Errorf("join %q: %w", frame.URL, err)
	}

	s.state = StateJoined
	s.roomID = frame.URL
	s.name = name
	s.verified = strings.TrimSpace(frame.Token) != ""

	s.logger.Info().Str("room", s.roomID).Str("user", s.name).Msg("joined room")
	return nil
}

// handleChat validates, throttles, sanitizes and fans out one chat frame.
// Order matters: length is checked before the limiter so oversized frames
// never consume a token.
func (s *Session) handleChat(frame types.InboundFrame) error {
	if s.state != StateJoined {
		s.logger.Debug().Msg("ignoring chat before join")
		return ErrNotJoined
	}

	user := s.displayName(frame.User)

	length := utf8.RuneCountInString(frame.Text)
	if length == 0 || length > s.cfg.MaxMessageLength {
		s.sendError(types.CodeMessageTooLong, user, nil)
		return fmt.Errorf("%w: %d characters", ErrMessageTooLong, length)
	}

	if !s.limiter.TryConsume() {
		var penalty *types.Penalty
		if info, ok := s.limiter.PenaltyInfo(); ok {
			penalty = &types.Penalty{Level: info.Level, WaitSeconds: info.WaitSeconds}
		}
		s.sendError(types.CodeRateLimitExceeded, user, penalty)
		return ErrRateLimitExceeded
	}

	text := sanitize.Text(frame.Text)
	payload, err := json.Marshal(types.NewChatFrame(user, text))
	if err != nil {
		return fmt.Errorf("encode chat frame: %w", err)
	}

	delivered := s.rooms.Broadcast(s.roomID, payload, s.peer)
	s.logger.Debug().Str("room", s.roomID).Int("delivered", delivered).Msg("chat relayed")

	s.archiver.Archive(types.ArchivedMessage{
		ID:        uuid.New().String(),
		Room:      s.roomID,
		User:      user,
		Text:      text,
		Timestamp: s.now(),
	})
	return nil
}

// displayName picks the name shown on outbound frames: a verified name wins,
// then the client's self-reported name, then the resolved default.
func (s *Session) displayName(claimed string) string {
	if s.verified {
		return s.name
	}
	if claimed = strings.TrimSpace(claimed); claimed != "" {
		return claimed
	}
	return s.name
}

func (s *Session) sendError(code, user string, penalty *types.Penalty) {
	payload, err := json.Marshal(types.NewErrorFrame(code, user, penalty))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode error frame")
		return
	}
	if err := s.peer.Send(payload); err != nil {
		s.logger.Debug().Err(err).Str("code", code).Msg("failed to deliver error frame")
	}
}

// Close leaves the joined room and releases the limiter. It runs once no
// matter how often or from which state it is called.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.state == StateJoined {
			s.rooms.Leave(s.roomID, s.peer)
			s.logger.Info().Str("room", s.roomID).Msg("left room")
		}
		s.state = StateClosed
		s.limiter = nil
	})
}

// IsClientError reports whether err is an expected per-frame rejection
// rather than a fault in the relay.
func IsClientError(err error) bool {
	return errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrNotJoined) ||
		errors.Is(err, ErrAlreadyJoined) ||
		errors.Is(err, ErrMessageTooLong) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, identity.ErrInvalidToken)
}
