package core

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the ephemeral binding of one live connection to one user and
// at most one current room. It is owned exclusively by the SessionRegistry.
type Session struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	RoomID      string    `json:"room_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// SessionRegistry tracks live sessions, which user they belong to and which
// room they are currently subscribed to. All other connection state (online
// status, member counts) is derived from it rather than stored separately.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}
	byRoom   map[string]map[string]struct{}

	// singlePerUser enforces at most one live session per user. Opening a
	// second session displaces the existing one instead of failing, which
	// is how a "new tab wins" policy behaves.
	singlePerUser bool

	now func() time.Time
}

type SessionRegistryOption func(*SessionRegistry)

func WithSingleSessionPerUser(single bool) SessionRegistryOption {
	return func(r *SessionRegistry) {
		r.singlePerUser = single
	}
}

func WithSessionClock(now func() time.Time) SessionRegistryOption {
	return func(r *SessionRegistry) {
		r.now = now
	}
}

func NewSessionRegistry(opts ...SessionRegistryOption) *SessionRegistry {
	r := &SessionRegistry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]struct{}),
		byRoom:   make(map[string]map[string]struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open creates a session for the user with no current room. It returns the
// new session and, under the single-session policy, the sessions that were
// displaced by it. Displaced sessions are already removed from the registry;
// the caller is responsible for closing their connections.
func (r *SessionRegistry) Open(username string) (Session, []Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var displaced []Session
	if r.singlePerUser {
		for id := range r.byUser[username] {
			if s, ok := r.sessions[id]; ok {
				displaced = append(displaced, *s)
			}
			r.remove(id)
		}
	}

	s := &Session{
		ID:          uuid.NewString(),
		Username:    username,
		ConnectedAt: r.now(),
	}
	r.sessions[s.ID] = s
	if r.byUser[username] == nil {
		r.byUser[username] = make(map[string]struct{})
	}
	r.byUser[username][s.ID] = struct{}{}
	return *s, displaced
}

// Close removes the session. Closing an unknown or already-closed session is
// a no-op. It reports whether a session was removed, the session's state at
// removal, and whether it was the user's last session.
func (r *SessionRegistry) Close(sessionID string) (closed Session, ok bool, lastOfUser bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[sessionID]
	if !exists {
		return Session{}, false, false
	}
	closed = *s
	r.remove(sessionID)
	_, stillOnline := r.byUser[closed.Username]
	return closed, true, !stillOnline
}

// remove deletes the session from all indexes. Callers must hold mu.
func (r *SessionRegistry) remove(sessionID string) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	if ids, ok := r.byUser[s.Username]; ok {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(r.byUser, s.Username)
		}
	}
	if s.RoomID != "" {
		if ids, ok := r.byRoom[s.RoomID]; ok {
			delete(ids, sessionID)
			if len(ids) == 0 {
				delete(r.byRoom, s.RoomID)
			}
		}
	}
}

// JoinRoom moves the session's current room. It returns the room the session
// was previously in ("" if none). Validating that the target room exists is
// the caller's responsibility; the registry only tracks subscriptions.
func (r *SessionRegistry) JoinRoom(sessionID, roomID string) (prevRoomID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return "", ErrUnknownSession
	}
	prevRoomID = s.RoomID
	if prevRoomID == roomID {
		return prevRoomID, nil
	}
	if prevRoomID != "" {
		if ids, ok := r.byRoom[prevRoomID]; ok {
			delete(ids, sessionID)
			if len(ids) == 0 {
				delete(r.byRoom, prevRoomID)
			}
		}
	}
	s.RoomID = roomID
	if roomID != "" {
		if r.byRoom[roomID] == nil {
			r.byRoom[roomID] = make(map[string]struct{})
		}
		r.byRoom[roomID][sessionID] = struct{}{}
	}
	return prevRoomID, nil
}

// Get returns a copy of the session with the given ID.
func (r *SessionRegistry) Get(sessionID string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrUnknownSession
	}
	return *s, nil
}

// SessionsInRoom returns the ids of the sessions currently subscribed to the
// room. It is the fan-out set for room-scoped events.
func (r *SessionRegistry) SessionsInRoom(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byRoom[roomID]))
	for id := range r.byRoom[roomID] {
		ids = append(ids, id)
	}
	return ids
}

// RoomMembers returns the distinct usernames with at least one session in
// the room, sorted for deterministic output. len(RoomMembers(id)) is the
// room's member count; it can never drift from the actual subscriptions.
func (r *SessionRegistry) RoomMembers(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for id := range r.byRoom[roomID] {
		if s, ok := r.sessions[id]; ok {
			seen[s.Username] = struct{}{}
		}
	}
	members := make([]string, 0, len(seen))
	for username := range seen {
		members = append(members, username)
	}
	sort.Strings(members)
	return members
}

// MemberCount returns the number of distinct users in the room.
func (r *SessionRegistry) MemberCount(roomID string) int {
	return len(r.RoomMembers(roomID))
}

// RoomsOfUser returns the distinct rooms the user's sessions are in.
func (r *SessionRegistry) RoomsOfUser(username string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for id := range r.byUser[username] {
		s, ok := r.sessions[id]
		if !ok || s.RoomID == "" {
			continue
		}
		seen[s.RoomID] = struct{}{}
	}
	rooms := make([]string, 0, len(seen))
	for roomID := range seen {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// IsUserOnline reports whether the user has at least one open session.
func (r *SessionRegistry) IsUserOnline(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[username]
	return ok
}

// OnlineUsers returns the usernames with at least one open session, sorted.
func (r *SessionRegistry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.byUser))
	for username := range r.byUser {
		users = append(users, username)
	}
	sort.Strings(users)
	return users
}
