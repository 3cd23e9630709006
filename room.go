// Pointbox planning-poker engine
//
// Each room is an isolated estimation session. Participants join with a
// display name, pick a role, and Estimators cast hidden votes from a fixed
// card deck. An Observer reveals all votes at once, then resets the round.
//
// Features:
// - Rooms live exactly as long as they have at least one participant
// - Participants are keyed by connection identity, never by name
// - Votes are frozen once revealed, until the round is reset
// - Snapshots list participants in join order so client layouts stay stable
// - A slow or dead connection is dropped rather than stalling the room

package main

import (
	"sync"
)

type Role string

const (
	RoleUnassigned Role = ""
	RoleEstimator  Role = "Estimator"
	RoleObserver   Role = "Observer"
)

// Participant is one connection's state within a single room.
type Participant struct {
	connID string
	Name   string
	Role   Role
	Vote   string // empty means no vote cast
}

// ParticipantView is the wire representation of a roster entry. Vote is a
// pointer so an absent vote serializes as null, matching what clients expect.
type ParticipantView struct {
	Name string  `json:"name"`
	Role string  `json:"role"`
	Vote *string `json:"vote"`
}

// Room owns one session's roster and reveal state. Every mutation runs under
// mu, and broadcasts happen inside the critical section so each member
// observes roster updates in mutation order.
type Room struct {
	id   string
	deck map[string]struct{}

	mu           sync.Mutex
	participants []*Participant // join order
	members      map[*session]struct{}
	revealed     bool
	closed       bool
}

func newRoom(id string, deck map[string]struct{}) *Room {
	return &Room{
		id:      id,
		deck:    deck,
		members: make(map[*session]struct{}),
	}
}

// findLocked returns the roster entry for connID, or nil.
func (r *Room) findLocked(connID string) *Participant {
	for _, p := range r.participants {
		if p.connID == connID {
			return p
		}
	}
	return nil
}

func (r *Room) snapshotLocked() []ParticipantView {
	views := make([]ParticipantView, 0, len(r.participants))
	for _, p := range r.participants {
		view := ParticipantView{
			Name: p.Name,
			Role: string(p.Role),
		}
		if p.Vote != "" {
			vote := p.Vote
			view.Vote = &vote
		}
		views = append(views, view)
	}
	return views
}

// broadcastLocked fans msg out to every member. A member whose send buffer
// is full is removed from this room and has its connection kicked; its own
// disconnect path then cleans up every room it had joined.
func (r *Room) broadcastLocked(msg any) {
	for member := range r.members {
		select {
		case member.send <- msg:
		default:
			delete(r.members, member)
			member.kick()
		}
	}
}

func (r *Room) broadcastRosterLocked() {
	r.broadcastLocked(UpdateUsersMessage{
		Type:  "updateUsers",
		Users: r.snapshotLocked(),
	})
}

// join registers s as a broadcast group member and inserts or refreshes its
// roster entry. It reports false when the room has already been destroyed,
// in which case the caller must retry against a fresh room from the
// registry. A rejoin with a known connection identity keeps role and vote
// and only updates the name.
func (r *Room) join(s *session, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	r.members[s] = struct{}{}

	if p := r.findLocked(s.connID); p != nil {
		p.Name = name
	} else {
		r.participants = append(r.participants, &Participant{
			connID: s.connID,
			Name:   name,
		})
	}

	r.broadcastRosterLocked()
	return true
}

// selectRole assigns a role. A participant dropping back to Observer or
// Unassigned loses any pending vote so a stale estimate can never leak into
// a later reveal. Unknown connection identities still trigger a broadcast
// so clients converge after stale events.
func (r *Room) selectRole(connID string, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p := r.findLocked(connID); p != nil {
		p.Role = role
		if role != RoleEstimator {
			p.Vote = ""
		}
	}

	r.broadcastRosterLocked()
}

// castVote records a vote, last write wins. Votes are rejected without
// state change while the room is revealed or when the value is not part of
// the card deck; the roster is rebroadcast either way.
func (r *Room) castVote(connID string, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, valid := r.deck[value]
	if !r.revealed && valid {
		if p := r.findLocked(connID); p != nil {
			p.Vote = value
		}
	}

	r.broadcastRosterLocked()
}

// reveal freezes votes and notifies the room. Calling it on an already
// revealed room is harmless.
func (r *Room) reveal() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.revealed = true
	r.broadcastLocked(NotifyMessage{Type: "revealVotes"})
	r.broadcastRosterLocked()
}

// reset clears every vote and returns the room to the voting state.
func (r *Room) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.revealed = false
	for _, p := range r.participants {
		p.Vote = ""
	}
	r.broadcastLocked(NotifyMessage{Type: "resetVotes"})
	r.broadcastRosterLocked()
}

// rename updates the sender's display name. Identity is the connection, so
// two participants sharing a display name can never rename each other.
func (r *Room) rename(connID string, newName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p := r.findLocked(connID); p != nil {
		p.Name = newName
	}

	r.broadcastRosterLocked()
}

// leave removes s from the broadcast group and the roster, broadcasting the
// shrunk roster to whoever remains. It reports whether the roster is now
// empty, in which case the caller asks the registry to destroy the room.
func (r *Room) leave(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.members, s)

	for i, p := range r.participants {
		if p.connID == s.connID {
			r.participants = append(r.participants[:i], r.participants[i+1:]...)
			break
		}
	}

	if len(r.participants) == 0 {
		return true
	}

	r.broadcastRosterLocked()
	return false
}

func (r *Room) roleOf(connID string) Role {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p := r.findLocked(connID); p != nil {
		return p.Role
	}
	return RoleUnassigned
}

// Registry is the single source of truth for which rooms exist. The map is
// its only shared state; each room serializes its own mutations.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
	deck  map[string]struct{}
}

func newRegistry(cards []string) *Registry {
	deck := make(map[string]struct{}, len(cards))
	for _, card := range cards {
		deck[card] = struct{}{}
	}
	return &Registry{
		rooms: make(map[string]*Room),
		deck:  deck,
	}
}

// getOrCreate returns the live room for id, creating and registering an
// empty one if needed. The returned room may be destroyed before the caller
// joins it; Room.join reports that, and the caller retries.
func (reg *Registry) getOrCreate(id string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if room, ok := reg.rooms[id]; ok {
		return room
	}

	room := newRoom(id, reg.deck)
	reg.rooms[id] = room
	return room
}

// get returns the room for id, or nil if no such room exists.
func (reg *Registry) get(id string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	return reg.rooms[id]
}

// removeIfEmpty destroys the room for id if its roster is empty. The check
// runs under both the registry and room locks, so a join racing the removal
// either lands before the check and keeps the room alive, or observes the
// closed flag and retries against a fresh room.
func (reg *Registry) removeIfEmpty(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[id]
	if !ok {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if len(room.participants) > 0 {
		return
	}

	room.closed = true
	delete(reg.rooms, id)
}

func (reg *Registry) count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	return len(reg.rooms)
}
