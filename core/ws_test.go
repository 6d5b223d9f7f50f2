package core

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTimeout = time.Second

type wsFixture struct {
	t      *testing.T
	cm     *ConnManager
	server *httptest.Server
	cancel context.CancelFunc
	connWg *sync.WaitGroup

	closed     chan string
	overflowed chan string

	mu      sync.Mutex
	clients []*websocket.Conn
}

// setUpWSFixture serves a ConnManager that binds each connection to the
// session id given in the request query.
func setUpWSFixture(t *testing.T, opts ...ConnManagerOption) *wsFixture {
	ctx, cancel := context.WithCancel(context.Background())
	f := &wsFixture{
		t:          t,
		cancel:     cancel,
		connWg:     &sync.WaitGroup{},
		closed:     make(chan string, 16),
		overflowed: make(chan string, 16),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append(opts, WithOverflowCallback(func(sessionID string) {
		f.overflowed <- sessionID
	}))
	f.cm = NewConnManager(ctx, f.connWg, logger, opts...)
	f.cm.OnSessionClosed(func(sessionID string) {
		f.closed <- sessionID
	})

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session")
		if err := f.cm.Connect(sessionID, w, r); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}))

	return f
}

func (f *wsFixture) dial(sessionID string) *websocket.Conn {
	f.t.Helper()
	url := strings.Replace(f.server.URL, "http://", "ws://", 1) + "?session=" + sessionID
	conn, res, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoErrorf(f.t, err, "session %s: failed to connect", sessionID)
	require.Equal(f.t, http.StatusSwitchingProtocols, res.StatusCode)

	f.mu.Lock()
	f.clients = append(f.clients, conn)
	f.mu.Unlock()

	f.waitForSessions()
	return conn
}

// waitForSessions blocks until every dialed client is registered with the
// manager; Connect registers after the handshake, so the dial returning does
// not guarantee the session is visible yet.
func (f *wsFixture) waitForSessions() {
	f.t.Helper()
	f.mu.Lock()
	want := len(f.clients)
	f.mu.Unlock()
	require.Eventually(f.t, func() bool {
		return f.cm.ConnectedSessions() == want
	}, baseTimeout, baseTimeout/20, "Timeout waiting for connections to be added to the manager")
}

func (f *wsFixture) tearDown() {
	f.mu.Lock()
	for _, conn := range f.clients {
		conn.Close()
	}
	f.mu.Unlock()

	f.cm.DisconnectAll()
	f.cancel()
	f.server.Close()
	f.connWg.Wait()
}

func receiveEvent(t *testing.T, f *wsFixture) *Event {
	t.Helper()
	select {
	case e := <-f.cm.Receive():
		return e
	case <-time.After(baseTimeout):
		t.Fatal("timeout waiting for inbound event")
		return nil
	}
}

func TestConnManager_InboundEventsCarrySessionID(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	conn := f.dial("s1")

	err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"join","payload":{"room_id":"general"}}`))
	require.NoError(t, err)

	e := receiveEvent(t, f)
	assert.Equal(t, "s1", e.SessionID)
	assert.Equal(t, "join", e.Type)
	assert.JSONEq(t, `{"room_id":"general"}`, string(e.Payload))
}

func TestConnManager_SendToSessionsDeliversToTarget(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	conn1 := f.dial("s1")
	conn2 := f.dial("s2")

	e, err := NewEvent("typing_changed", TypingChangedPayload{RoomID: "general", Users: []string{"alice"}})
	require.NoError(t, err)
	f.cm.SendToSessions(e, "s1")

	_, raw, err := conn1.ReadMessage()
	require.NoError(t, err)
	var got Event
	require.NoError(t, DecodeEvent(strings.NewReader(string(raw)), &got))
	assert.Equal(t, "typing_changed", got.Type)

	// the untargeted session receives nothing
	conn2.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = conn2.ReadMessage()
	assert.Error(t, err)
}

func TestConnManager_ClientDisconnectClosesSession(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	conn := f.dial("s1")
	conn.Close()

	select {
	case sessionID := <-f.closed:
		assert.Equal(t, "s1", sessionID)
	case <-time.After(baseTimeout):
		t.Fatal("timeout waiting for session close callback")
	}

	require.Eventually(t, func() bool {
		return f.cm.ConnectedSessions() == 0
	}, baseTimeout, baseTimeout/20)

	// unknown targets are skipped, not an error
	e, err := NewEvent("typing_changed", nil)
	require.NoError(t, err)
	f.cm.SendToSessions(e, "s1")
}

func TestConnManager_SendQueueOverflowDropsSession(t *testing.T) {
	f := setUpWSFixture(t, WithSendQueueSize(1))
	defer f.tearDown()

	// a conn with no write loop never drains its queue, standing in for a
	// session that cannot keep up
	stalled := &Conn{sessionID: "s1", writeStream: make(chan *Event, 1)}
	f.cm.mu.Lock()
	f.cm.conns["s1"] = stalled
	f.cm.mu.Unlock()

	e, err := NewEvent("message_added", nil)
	require.NoError(t, err)
	f.cm.SendToSessions(e, "s1") // fills the queue
	f.cm.SendToSessions(e, "s1") // overflows it

	select {
	case sessionID := <-f.overflowed:
		assert.Equal(t, "s1", sessionID)
	case <-time.After(baseTimeout):
		t.Fatal("timeout waiting for overflow callback")
	}
	select {
	case sessionID := <-f.closed:
		assert.Equal(t, "s1", sessionID)
	case <-time.After(baseTimeout):
		t.Fatal("timeout waiting for session close callback")
	}
	assert.Equal(t, 0, f.cm.ConnectedSessions())
}

func TestConnManager_DisconnectIsIdempotent(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	stalled := &Conn{sessionID: "s1", writeStream: make(chan *Event, 1)}
	f.cm.mu.Lock()
	f.cm.conns["s1"] = stalled
	f.cm.mu.Unlock()

	f.cm.Disconnect("s1")
	f.cm.Disconnect("s1")

	require.Len(t, f.closed, 1)
	assert.Equal(t, "s1", <-f.closed)
}
