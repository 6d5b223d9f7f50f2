package core

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTransport records every event delivered to each session.
type mockTransport struct {
	mu     sync.Mutex
	events map[string][]*Event
	in     chan *Event
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		events: make(map[string][]*Event),
		in:     make(chan *Event, 16),
	}
}

func (t *mockTransport) SendToSessions(e *Event, sessionIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range sessionIDs {
		t.events[id] = append(t.events[id], e)
	}
}

func (t *mockTransport) Receive() <-chan *Event {
	return t.in
}

func (t *mockTransport) sentTo(sessionID string) []*Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Event(nil), t.events[sessionID]...)
}

func (t *mockTransport) lastOfType(sessionID, eventType string) *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	events := t.events[sessionID]
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == eventType {
			return events[i]
		}
	}
	return nil
}

func (t *mockTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = make(map[string][]*Event)
}

func decodePayload[T any](t *testing.T, e *Event) T {
	t.Helper()
	require.NotNil(t, e)
	var payload T
	require.NoError(t, json.Unmarshal(e.Payload, &payload))
	return payload
}

type routerFixture struct {
	transport *mockTransport
	sessions  *SessionRegistry
	rooms     *RoomRegistry
	messages  *MessageStore
	typing    *TypingAggregator
	presence  *PresenceTracker
	router    *BroadcastRouter
}

func newRouterFixture(opts ...BroadcastRouterOption) *routerFixture {
	f := &routerFixture{
		transport: newMockTransport(),
		sessions:  NewSessionRegistry(),
		rooms: NewRoomRegistry([]Room{
			{ID: "general", Name: "General"},
			{ID: "tech", Name: "Tech Talk"},
		}),
		messages: NewMessageStore(),
		typing:   NewTypingAggregator(),
		presence: NewPresenceTracker(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.router = NewBroadcastRouter(logger, f.sessions, f.rooms, f.messages, f.typing, f.presence, f.transport, opts...)
	return f
}

// open creates a session already joined to roomID and discards the events
// produced while setting it up.
func (f *routerFixture) open(t *testing.T, username, roomID string) Session {
	t.Helper()
	sess, _ := f.sessions.Open(username)
	f.router.SessionOpened(sess)
	if roomID != "" {
		require.NoError(t, f.router.Join(sess.ID, roomID))
		sess.RoomID = roomID
	}
	return sess
}

func TestBroadcastRouter_JoinSendsSnapshot(t *testing.T) {
	f := newRouterFixture()
	alice := f.open(t, "alice", "general")
	_, err := f.messages.Append("general", "alice", "earlier")
	require.NoError(t, err)
	f.typing.Start("general", "alice")
	f.transport.reset()

	bob, _ := f.sessions.Open("bob")
	require.NoError(t, f.router.Join(bob.ID, "general"))

	snapshot := decodePayload[RoomSnapshotPayload](t, f.transport.lastOfType(bob.ID, EventRoomSnapshot))
	assert.Equal(t, "general", snapshot.Room.ID)
	assert.Equal(t, 2, snapshot.MemberCount)
	require.Len(t, snapshot.Messages, 1)
	assert.Equal(t, "earlier", snapshot.Messages[0].Content)
	assert.Equal(t, []string{"alice"}, snapshot.TypingUsers)

	// the snapshot goes to the joining session only
	assert.Nil(t, f.transport.lastOfType(alice.ID, EventRoomSnapshot))
}

func TestBroadcastRouter_JoinUnknownRoom(t *testing.T) {
	f := newRouterFixture()
	sess := f.open(t, "alice", "")

	err := f.router.Join(sess.ID, "no-such-room")
	assert.ErrorIs(t, err, ErrUnknownRoom)
	assert.Empty(t, f.transport.sentTo(sess.ID))
}

func TestBroadcastRouter_JoinClearsTypingInPreviousRoom(t *testing.T) {
	f := newRouterFixture()
	alice := f.open(t, "alice", "general")
	bob := f.open(t, "bob", "general")
	require.NoError(t, f.router.TypingStart(alice.ID))
	f.transport.reset()

	require.NoError(t, f.router.Join(alice.ID, "tech"))

	changed := decodePayload[TypingChangedPayload](t, f.transport.lastOfType(bob.ID, EventTypingChanged))
	assert.Equal(t, "general", changed.RoomID)
	assert.Empty(t, changed.Users)
}

func TestBroadcastRouter_SendMessageBroadcastsToRoom(t *testing.T) {
	f := newRouterFixture()
	alice := f.open(t, "alice", "general")
	bob := f.open(t, "bob", "general")
	charlie := f.open(t, "charlie", "tech")
	f.transport.reset()

	msg, err := f.router.SendMessage(alice.ID, "hi")
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)

	for _, id := range []string{alice.ID, bob.ID} {
		got := decodePayload[Message](t, f.transport.lastOfType(id, EventMessageAdded))
		assert.Equal(t, int64(1), got.Seq)
		assert.Equal(t, "alice", got.Sender)
		assert.Equal(t, "hi", got.Content)
	}
	assert.Empty(t, f.transport.sentTo(charlie.ID))
}

func TestBroadcastRouter_SendMessageClearsSenderTyping(t *testing.T) {
	f := newRouterFixture()
	alice := f.open(t, "alice", "general")
	bob := f.open(t, "bob", "general")
	require.NoError(t, f.router.TypingStart(alice.ID))
	f.transport.reset()

	_, err := f.router.SendMessage(alice.ID, "done typing")
	require.NoError(t, err)

	events := f.transport.sentTo(bob.ID)
	require.Len(t, events, 2)
	// the typing set clears before the message lands
	assert.Equal(t, EventTypingChanged, events[0].Type)
	assert.Equal(t, EventMessageAdded, events[1].Type)
	changed := decodePayload[TypingChangedPayload](t, events[0])
	assert.Empty(t, changed.Users)
}

func TestBroadcastRouter_SendMessageRejectionConsumesNoSequence(t *testing.T) {
	f := newRouterFixture()
	alice := f.open(t, "alice", "general")
	f.transport.reset()

	_, err := f.router.SendMessage(alice.ID, strings.Repeat("a", 501))
	assert.ErrorIs(t, err, ErrContentTooLarge)
	assert.Empty(t, f.transport.sentTo(alice.ID))

	msg, err := f.router.SendMessage(alice.ID, "ok")
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)
}

func TestBroadcastRouter_SendMessageRequiresCurrentRoom(t *testing.T) {
	f := newRouterFixture()
	sess := f.open(t, "alice", "")

	_, err := f.router.SendMessage(sess.ID, "hi")
	assert.ErrorIs(t, err, ErrNoCurrentRoom)

	_, err = f.router.SendMessage("no-such-session", "hi")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestBroadcastRouter_ReactToggleBroadcastsAggregate(t *testing.T) {
	f := newRouterFixture()
	alice := f.open(t, "alice", "general")
	bob := f.open(t, "bob", "general")
	msg, err := f.router.SendMessage(alice.ID, "hi")
	require.NoError(t, err)
	f.transport.reset()

	_, err = f.router.React(bob.ID, msg.Seq, "👍")
	require.NoError(t, err)
	delta := decodePayload[ReactionDelta](t, f.transport.lastOfType(alice.ID, EventReactionUpdated))
	assert.Equal(t, msg.Seq, delta.Seq)
	assert.Equal(t, "👍", delta.Emoji)
	assert.Equal(t, []string{"bob"}, delta.Users)

	// toggling off broadcasts the emptied aggregate
	_, err = f.router.React(bob.ID, msg.Seq, "👍")
	require.NoError(t, err)
	delta = decodePayload[ReactionDelta](t, f.transport.lastOfType(alice.ID, EventReactionUpdated))
	assert.Empty(t, delta.Users)
}

func TestBroadcastRouter_ReactUnknownMessage(t *testing.T) {
	f := newRouterFixture()
	alice := f.open(t, "alice", "general")
	f.transport.reset()

	_, err := f.router.React(alice.ID, 42, "👍")
	assert.ErrorIs(t, err, ErrUnknownMessage)
	assert.Empty(t, f.transport.sentTo(alice.ID))
}

func TestBroadcastRouter_TypingStartStop(t *testing.T) {
	f := newRouterFixture()
	alice := f.open(t, "alice", "general")
	bob := f.open(t, "bob", "general")
	f.transport.reset()

	require.NoError(t, f.router.TypingStart(alice.ID))
	changed := decodePayload[TypingChangedPayload](t, f.transport.lastOfType(bob.ID, EventTypingChanged))
	assert.Equal(t, []string{"alice"}, changed.Users)

	require.NoError(t, f.router.TypingStop(alice.ID))
	changed = decodePayload[TypingChangedPayload](t, f.transport.lastOfType(bob.ID, EventTypingChanged))
	assert.Empty(t, changed.Users)
}

func TestBroadcastRouter_SessionClosedClearsTypingAndPresence(t *testing.T) {
	closedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newRouterFixture(WithRouterClock(func() time.Time { return closedAt }))
	alice := f.open(t, "alice", "general")
	bob := f.open(t, "bob", "general")
	require.NoError(t, f.router.TypingStart(bob.ID))
	f.transport.reset()

	closed, ok, lastOfUser := f.sessions.Close(bob.ID)
	require.True(t, ok)
	f.router.SessionClosed(closed, lastOfUser)

	changed := decodePayload[TypingChangedPayload](t, f.transport.lastOfType(alice.ID, EventTypingChanged))
	assert.Empty(t, changed.Users)

	presence := decodePayload[PresenceChangedPayload](t, f.transport.lastOfType(alice.ID, EventPresenceChanged))
	assert.Equal(t, "bob", presence.Username)
	assert.False(t, presence.Online)
	require.NotNil(t, presence.LastSeenAt)
	assert.Equal(t, closedAt, *presence.LastSeenAt)
}

func TestBroadcastRouter_SessionClosedKeepsUserOnlineWhileSessionsRemain(t *testing.T) {
	f := newRouterFixture()
	alice := f.open(t, "alice", "general")
	bob1 := f.open(t, "bob", "general")
	f.open(t, "bob", "general")
	f.transport.reset()

	closed, ok, lastOfUser := f.sessions.Close(bob1.ID)
	require.True(t, ok)
	assert.False(t, lastOfUser)
	f.router.SessionClosed(closed, lastOfUser)

	assert.Nil(t, f.transport.lastOfType(alice.ID, EventPresenceChanged))
	assert.True(t, f.presence.Status("bob").Online)
}

func TestBroadcastRouter_SessionOpenedSendsPresenceSnapshot(t *testing.T) {
	f := newRouterFixture()
	alice := f.open(t, "alice", "general")
	f.transport.reset()

	bob, _ := f.sessions.Open("bob")
	f.router.SessionOpened(bob)

	// the newcomer learns who is already online
	presence := decodePayload[PresenceChangedPayload](t, f.transport.lastOfType(bob.ID, EventPresenceChanged))
	assert.Equal(t, "alice", presence.Username)
	assert.True(t, presence.Online)

	require.NoError(t, f.router.Join(bob.ID, "general"))
	f.transport.reset()

	// a second session for an already-online user causes no presence event
	bob2, _ := f.sessions.Open("bob")
	f.router.SessionOpened(bob2)
	assert.Nil(t, f.transport.lastOfType(alice.ID, EventPresenceChanged))
}

func TestBroadcastRouter_TypingExpiredBroadcastsSweptRoom(t *testing.T) {
	f := newRouterFixture()
	alice := f.open(t, "alice", "general")
	f.transport.reset()

	f.router.TypingExpired("general")
	changed := decodePayload[TypingChangedPayload](t, f.transport.lastOfType(alice.ID, EventTypingChanged))
	assert.Equal(t, "general", changed.RoomID)
	assert.Empty(t, changed.Users)
}

func TestBroadcastRouter_NotifyError(t *testing.T) {
	f := newRouterFixture()
	sess := f.open(t, "alice", "")
	f.transport.reset()

	f.router.NotifyError(sess.ID, ErrUnknownRoom)
	payload := decodePayload[ErrorPayload](t, f.transport.lastOfType(sess.ID, EventError))
	assert.Equal(t, "unknown_room", payload.Code)
	assert.Equal(t, "room does not exist", payload.Message)

	// internal errors never leak their message
	f.router.NotifyError(sess.ID, errors.New("sqlite: disk I/O error"))
	payload = decodePayload[ErrorPayload](t, f.transport.lastOfType(sess.ID, EventError))
	assert.Equal(t, "internal", payload.Code)
	assert.Equal(t, "internal error", payload.Message)
}
