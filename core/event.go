package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Event is the unit exchanged with clients over the event channel. For
// inbound events SessionID identifies the originating session; it is set by
// the connection, never by the client.
type Event struct {
	SessionID string          `json:"-"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Session: %s, Type: %s, Payload.Size: %d}", e.SessionID, e.Type, len(e.Payload))
}

// NewEvent marshals the payload into an event of the given type.
func NewEvent(t string, payload any) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Event{Type: t, Payload: b}, nil
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

// EventTransport delivers events to sessions. Delivery is best-effort and
// non-blocking; a session that cannot keep up is disconnected by the
// transport rather than allowed to backpressure the sender.
type EventTransport interface {
	SendToSessions(e *Event, sessionIDs ...string)
	Receive() <-chan *Event
}

type EventHandler func(context.Context, *Event) error

// EventRouter dispatches inbound client events to registered handlers.
// Dispatch is synchronous: events are handled one at a time in arrival
// order, so two actions from the same client cannot race each other to the
// room they target.
type EventRouter struct {
	handlers  map[string]EventHandler
	transport EventTransport
	logger    *slog.Logger
	wg        sync.WaitGroup
}

func NewEventRouter(logger *slog.Logger, transport EventTransport) *EventRouter {
	return &EventRouter{
		handlers:  make(map[string]EventHandler),
		transport: transport,
		logger:    logger,
	}
}

// On registers the handler for an event type. It panics on duplicate
// registration since that is always a wiring mistake.
func (em *EventRouter) On(eventType string, handler EventHandler) {
	if _, ok := em.handlers[eventType]; ok {
		panic(fmt.Sprintf("handler(%s): already registered", eventType))
	}
	em.handlers[eventType] = handler
}

// Listen consumes inbound events until the context is cancelled.
func (em *EventRouter) Listen(ctx context.Context) {
	em.wg.Add(1)
	go func() {
		defer em.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-em.transport.Receive():
				em.dispatch(ctx, e)
			}
		}
	}()
}

func (em *EventRouter) dispatch(ctx context.Context, e *Event) {
	handler, ok := em.handlers[e.Type]
	if !ok {
		em.logger.Warn("no handler for event", slog.String("type", e.Type))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			em.logger.Error(fmt.Sprintf("handler(%s) panicked: %v", e.Type, r))
		}
	}()
	if err := handler(ctx, e); err != nil {
		em.logger.Error(fmt.Sprintf("handler(%s): %v", e.Type, err))
	}
}

// Close waits for the dispatch loop to drain or the context to expire.
func (em *EventRouter) Close(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		em.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
