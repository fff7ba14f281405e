// Package room tracks which peers are in which room and fans chat frames out
// to them.
package room

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"roomrelay/pkg/interfaces"
)

// Registry maps room IDs to their member sets.
// ARCHITECTURAL DISCOVERY: Membership only; the registry never reads from a
// peer and never decides who may join.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]map[interfaces.Peer]struct{}
	logger zerolog.Logger
}

// Stats is a point-in-time summary used by the health endpoint.
type Stats struct {
	Rooms   int `json:"rooms"`
	Members int `json:"members"`
}

// RoomInfo is one entry of a room listing.
type RoomInfo struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		rooms:  make(map[string]map[interfaces.Peer]struct{}),
		logger: logger.With().Str("component", "room_registry").Logger(),
	}
}

// Join adds member to roomID, creating the room on first use. Joining twice
// is a no-op.
func (r *Registry) Join(roomID string, member interfaces.Peer) error {
	if member == nil {
		return ErrNilMember
	}
	if roomID == "" {
		return ErrEmptyRoomID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.rooms[roomID]
	if !exists {
		members = make(map[interfaces.Peer]struct{})
		r.rooms[roomID] = members
		r.logger.Debug().Str("room", roomID).Msg("room created")
	}
	members[member] = struct{}{}
	return nil
}

// Leave removes member from roomID and drops the room once it is empty.
// Unknown rooms and members are ignored.
func (r *Registry) Leave(roomID string, member interfaces.Peer) {
	if member == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.rooms[roomID]
	if !exists {
		return
	}
	delete(members, member)
	// TECHNICAL DISCOVERY: Empty rooms are deleted so room IDs chosen by
	// clients cannot accumulate.
	if len(members) == 0 {
		delete(r.rooms, roomID)
		r.logger.Debug().Str("room", roomID).Msg("room removed")
	}
}

// Broadcast sends payload to every open member of roomID except the given
// one and returns how many sends were accepted. Closed members and members
// with a full send queue are skipped, not removed.
func (r *Registry) Broadcast(roomID string, payload []byte, except interfaces.Peer) int {
	recipients := r.Members(roomID)

	delivered := 0
	for _, member := range recipients {
		if member == except || !member.IsOpen() {
			continue
		}
		if err := member.Send(payload); err != nil {
			r.logger.Debug().
				Err(err).
				Str("room", roomID).
				Str("conn_id", member.ID()).
				Msg("broadcast skipped member")
			continue
		}
		delivered++
	}
	return delivered
}

// Has reports whether roomID currently has members.
func (r *Registry) Has(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.rooms[roomID]
	return exists
}

// Contains reports whether member is in roomID.
func (r *Registry) Contains(roomID string, member interfaces.Peer) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.rooms[roomID][member]
	return exists
}

// MemberCount returns how many members roomID has; 0 for an unknown room.
func (r *Registry) MemberCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// Members returns a snapshot of roomID's members. The slice is safe to use
// after the lock is released.
func (r *Registry) Members(roomID string) []interfaces.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	snapshot := make([]interfaces.Peer, 0, len(members))
	for member := range members {
		snapshot = append(snapshot, member)
	}
	return snapshot
}

// Rooms lists every non-empty room sorted by ID.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	infos := make([]RoomInfo, 0, len(r.rooms))
	for id, members := range r.rooms {
		infos = append(infos, RoomInfo{ID: id, Members: len(members)})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Stats returns room and member totals.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Rooms: len(r.rooms)}
	for _, members := range r.rooms {
		stats.Members += len(members)
	}
	return stats
}
