package core

import (
	"log/slog"
	"sync"
	"time"
)

// Client-to-server event types.
const (
	EventJoin        = "join"
	EventSendMessage = "send_message"
	EventReact       = "react"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
)

// Server-to-client event types.
const (
	EventMessageAdded    = "message_added"
	EventReactionUpdated = "reaction_updated"
	EventTypingChanged   = "typing_changed"
	EventPresenceChanged = "presence_changed"
	EventRoomSnapshot    = "room_snapshot"
	EventError           = "error"
)

type TypingChangedPayload struct {
	RoomID string   `json:"room_id"`
	Users  []string `json:"users"`
}

type PresenceChangedPayload struct {
	Username   string     `json:"username"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// RoomSnapshotPayload is sent to a session right after it joins a room so
// the client can render without further round trips.
type RoomSnapshotPayload struct {
	Room        Room      `json:"room"`
	MemberCount int       `json:"member_count"`
	Messages    []Message `json:"messages"`
	TypingUsers []string  `json:"typing_users"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BroadcastRouter is the single writer path for all chat state. It
// validates each client action, applies it to the owning component and fans
// the resulting event out to the sessions subscribed to the affected room.
//
// Work is serialized per room: the router holds the room's lock from the
// mutation through the fan-out, so events reach a room's sessions in the
// order their causing actions were accepted. Different rooms proceed in
// parallel, and no lock is ever held across two rooms at once.
type BroadcastRouter struct {
	sessions  *SessionRegistry
	rooms     *RoomRegistry
	messages  *MessageStore
	typing    *TypingAggregator
	presence  *PresenceTracker
	transport EventTransport
	logger    *slog.Logger

	roomLocks *SyncMap[string, *sync.Mutex]
	now       func() time.Time
}

type BroadcastRouterOption func(*BroadcastRouter)

func WithRouterClock(now func() time.Time) BroadcastRouterOption {
	return func(r *BroadcastRouter) {
		r.now = now
	}
}

func NewBroadcastRouter(
	logger *slog.Logger,
	sessions *SessionRegistry,
	rooms *RoomRegistry,
	messages *MessageStore,
	typing *TypingAggregator,
	presence *PresenceTracker,
	transport EventTransport,
	opts ...BroadcastRouterOption,
) *BroadcastRouter {
	r := &BroadcastRouter{
		sessions:  sessions,
		rooms:     rooms,
		messages:  messages,
		typing:    typing,
		presence:  presence,
		transport: transport,
		logger:    logger,
		roomLocks: NewSyncMap[string, *sync.Mutex](),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *BroadcastRouter) lockRoom(roomID string) *sync.Mutex {
	mu, _ := r.roomLocks.LoadOrStore(roomID, &sync.Mutex{})
	return mu
}

// Join moves the session into the room, clears any typing state it held in
// its previous room and sends the new room's snapshot back to the session.
func (r *BroadcastRouter) Join(sessionID, roomID string) error {
	if !r.rooms.Exists(roomID) {
		return ErrUnknownRoom
	}
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	prevRoomID, err := r.sessions.JoinRoom(sessionID, roomID)
	if err != nil {
		return err
	}

	if prevRoomID != "" && prevRoomID != roomID {
		mu := r.lockRoom(prevRoomID)
		mu.Lock()
		if r.typing.Stop(prevRoomID, sess.Username) {
			r.broadcastTyping(prevRoomID)
		}
		mu.Unlock()
	}

	room, err := r.rooms.Get(roomID)
	if err != nil {
		return err
	}
	mu := r.lockRoom(roomID)
	mu.Lock()
	defer mu.Unlock()
	snapshot := RoomSnapshotPayload{
		Room:        room,
		MemberCount: r.sessions.MemberCount(roomID),
		Messages:    r.messages.History(roomID, 0, 0),
		TypingUsers: r.typing.Typing(roomID),
	}
	r.unicast(sessionID, EventRoomSnapshot, snapshot)
	return nil
}

// SendMessage appends the content to the session's current room and fans
// the stored message out to the room. Sending a message also clears the
// sender's typing indicator.
func (r *BroadcastRouter) SendMessage(sessionID, content string) (Message, error) {
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return Message{}, err
	}
	if sess.RoomID == "" {
		return Message{}, ErrNoCurrentRoom
	}

	mu := r.lockRoom(sess.RoomID)
	mu.Lock()
	defer mu.Unlock()
	msg, err := r.messages.Append(sess.RoomID, sess.Username, content)
	if err != nil {
		return Message{}, err
	}
	if r.typing.Stop(sess.RoomID, sess.Username) {
		r.broadcastTyping(sess.RoomID)
	}
	r.broadcastToRoom(sess.RoomID, EventMessageAdded, msg)
	return msg, nil
}

// React toggles the session user's reaction on a message in their current
// room and broadcasts the emoji's new aggregate.
func (r *BroadcastRouter) React(sessionID string, seq int64, emoji string) (ReactionDelta, error) {
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return ReactionDelta{}, err
	}
	if sess.RoomID == "" {
		return ReactionDelta{}, ErrNoCurrentRoom
	}

	mu := r.lockRoom(sess.RoomID)
	mu.Lock()
	defer mu.Unlock()
	delta, err := r.messages.React(sess.RoomID, seq, sess.Username, emoji)
	if err != nil {
		return ReactionDelta{}, err
	}
	r.broadcastToRoom(sess.RoomID, EventReactionUpdated, delta)
	return delta, nil
}

// TypingStart refreshes the user's typing indicator in their current room.
func (r *BroadcastRouter) TypingStart(sessionID string) error {
	return r.updateTyping(sessionID, r.typing.Start)
}

// TypingStop clears the user's typing indicator immediately.
func (r *BroadcastRouter) TypingStop(sessionID string) error {
	return r.updateTyping(sessionID, r.typing.Stop)
}

func (r *BroadcastRouter) updateTyping(sessionID string, apply func(roomID, username string) bool) error {
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.RoomID == "" {
		return ErrNoCurrentRoom
	}
	mu := r.lockRoom(sess.RoomID)
	mu.Lock()
	defer mu.Unlock()
	if apply(sess.RoomID, sess.Username) {
		r.broadcastTyping(sess.RoomID)
	}
	return nil
}

// TypingExpired broadcasts a room's typing set after the periodic sweep
// evicted entries from it.
func (r *BroadcastRouter) TypingExpired(roomID string) {
	mu := r.lockRoom(roomID)
	mu.Lock()
	defer mu.Unlock()
	r.broadcastTyping(roomID)
}

// SessionOpened records the session with the presence tracker and sends the
// current online users to the new session so its client can render presence
// immediately.
func (r *BroadcastRouter) SessionOpened(sess Session) {
	if r.presence.UserConnected(sess.Username) {
		r.broadcastPresence(sess.Username)
	}
	for _, username := range r.sessions.OnlineUsers() {
		if username == sess.Username {
			continue
		}
		r.unicast(sess.ID, EventPresenceChanged, PresenceChangedPayload{
			Username: username,
			Online:   true,
		})
	}
}

// SessionClosed releases the closed session's typing state and, when it was
// the user's last session, marks them offline and fans the transition out to
// the room they were in.
func (r *BroadcastRouter) SessionClosed(closed Session, lastOfUser bool) {
	if closed.RoomID != "" {
		mu := r.lockRoom(closed.RoomID)
		mu.Lock()
		if r.typing.Stop(closed.RoomID, closed.Username) {
			r.broadcastTyping(closed.RoomID)
		}
		mu.Unlock()
	}

	if lastOfUser && r.presence.UserDisconnected(closed.Username, r.now()) {
		if closed.RoomID != "" {
			mu := r.lockRoom(closed.RoomID)
			mu.Lock()
			r.broadcastPresenceToRoom(closed.RoomID, closed.Username)
			mu.Unlock()
		}
	}
}

// NotifyError reports a failed action back to the originating session only.
func (r *BroadcastRouter) NotifyError(sessionID string, err error) {
	r.unicast(sessionID, EventError, ErrorPayload{
		Code:    CodeOf(err),
		Message: ClientMessage(err),
	})
}

// broadcastTyping sends the room's current typing set to the room.
// Callers must hold the room's lock.
func (r *BroadcastRouter) broadcastTyping(roomID string) {
	r.broadcastToRoom(roomID, EventTypingChanged, TypingChangedPayload{
		RoomID: roomID,
		Users:  r.typing.Typing(roomID),
	})
}

// broadcastPresence fans the user's presence out to every room the user is
// currently a member of, taking each room's lock independently.
func (r *BroadcastRouter) broadcastPresence(username string) {
	for _, roomID := range r.sessions.RoomsOfUser(username) {
		mu := r.lockRoom(roomID)
		mu.Lock()
		r.broadcastPresenceToRoom(roomID, username)
		mu.Unlock()
	}
}

func (r *BroadcastRouter) broadcastPresenceToRoom(roomID, username string) {
	status := r.presence.Status(username)
	payload := PresenceChangedPayload{Username: username, Online: status.Online}
	if !status.Online && !status.LastSeenAt.IsZero() {
		at := status.LastSeenAt
		payload.LastSeenAt = &at
	}
	r.broadcastToRoom(roomID, EventPresenceChanged, payload)
}

func (r *BroadcastRouter) broadcastToRoom(roomID, eventType string, payload any) {
	e, err := NewEvent(eventType, payload)
	if err != nil {
		r.logger.Error(err.Error())
		return
	}
	r.transport.SendToSessions(e, r.sessions.SessionsInRoom(roomID)...)
}

func (r *BroadcastRouter) unicast(sessionID, eventType string, payload any) {
	e, err := NewEvent(eventType, payload)
	if err != nil {
		r.logger.Error(err.Error())
		return
	}
	r.transport.SendToSessions(e, sessionID)
}
