package core

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultSendQueueSize bounds the outstanding events per session. A session
// whose queue overflows is forcibly disconnected rather than allowed to
// backpressure the room it is in.
const DefaultSendQueueSize = 64

// ConnManager owns the websocket connections, one per session. It
// implements EventTransport: fan-out enqueues onto each session's bounded
// write stream without blocking.
type ConnManager struct {
	conns map[string]*Conn
	mu    sync.RWMutex

	connWg  *sync.WaitGroup
	context context.Context
	logger  *slog.Logger

	onSessionClosed func(sessionID string)
	onOverflow      func(sessionID string)

	receivedEvents chan *Event

	upgrader        websocket.Upgrader
	readStreamSize  int
	writeStreamSize int
}

var defaultUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type ConnManagerOption func(*ConnManager)

func WithCheckOrigin(f func(r *http.Request) bool) ConnManagerOption {
	return func(m *ConnManager) {
		m.upgrader.CheckOrigin = f
	}
}

func WithSendQueueSize(size int) ConnManagerOption {
	return func(m *ConnManager) {
		m.writeStreamSize = size
	}
}

// WithOverflowCallback is invoked when a session is dropped because its
// send queue overflowed, before the disconnect itself.
func WithOverflowCallback(f func(sessionID string)) ConnManagerOption {
	return func(m *ConnManager) {
		m.onOverflow = f
	}
}

func NewConnManager(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, opts ...ConnManagerOption) *ConnManager {
	m := &ConnManager{
		conns:           make(map[string]*Conn),
		connWg:          wg,
		context:         ctx,
		logger:          logger,
		upgrader:        defaultUpgrader,
		readStreamSize:  100,
		writeStreamSize: DefaultSendQueueSize,
		onSessionClosed: func(string) {},
		onOverflow:      func(string) {},
	}

	for _, opt := range opts {
		opt(m)
	}

	m.receivedEvents = make(chan *Event, m.readStreamSize)

	return m
}

// Receive returns the channel carrying inbound events from all sessions.
func (m *ConnManager) Receive() <-chan *Event {
	return m.receivedEvents
}

// OnSessionClosed registers the callback invoked after a session's
// connection has been removed from the manager.
func (m *ConnManager) OnSessionClosed(f func(sessionID string)) {
	m.onSessionClosed = f
}

// Connect upgrades the request and binds the connection to the session.
func (m *ConnManager) Connect(sessionID string, w http.ResponseWriter, r *http.Request) error {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	wsConn := &Conn{
		sessionID:   sessionID,
		conn:        conn,
		context:     m.context,
		writeStream: make(chan *Event, m.writeStreamSize),
		readStream:  m.receivedEvents,
		ticker:      time.NewTicker(pingPeriod),
		logger:      m.logger.With(slog.String("session", sessionID)),
		notifyDisconnect: func() {
			m.Disconnect(sessionID)
		},
	}

	m.mu.Lock()
	m.conns[sessionID] = wsConn
	m.mu.Unlock()

	m.connWg.Add(1)
	go func() {
		defer m.connWg.Done()
		wsConn.readLoop()
	}()
	m.connWg.Add(1)
	go func() {
		defer m.connWg.Done()
		wsConn.writeLoop()
	}()

	return nil
}

// Disconnect removes the session's connection and closes it. It is a no-op
// for unknown sessions, so the read loop's exit notification and an explicit
// disconnect cannot double-close.
func (m *ConnManager) Disconnect(sessionID string) {
	m.mu.Lock()
	conn, ok := m.conns[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, sessionID)
	m.mu.Unlock()

	conn.close()
	m.onSessionClosed(sessionID)
}

// DisconnectAll closes every connection, used during shutdown.
func (m *ConnManager) DisconnectAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	for sessionID, conn := range conns {
		conn.close()
		m.onSessionClosed(sessionID)
	}
}

// SendToSessions enqueues the event on each target session's write stream.
// The send never blocks: a full stream means the session cannot keep up,
// and the session is dropped like any other disconnect.
func (m *ConnManager) SendToSessions(e *Event, sessionIDs ...string) {
	var overflowed []string
	m.mu.RLock()
	for _, id := range sessionIDs {
		conn, ok := m.conns[id]
		if !ok {
			continue
		}
		select {
		case conn.writeStream <- e:
		default:
			overflowed = append(overflowed, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range overflowed {
		m.logger.Warn("send queue overflow, dropping session", slog.String("session", id))
		m.onOverflow(id)
		m.Disconnect(id)
	}
}

// ConnectedSessions returns the number of live connections.
func (m *ConnManager) ConnectedSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
