package talk

import (
	"context"
	"encoding/json"

	"github.com/livepulse/talk/core"
)

type JoinPayload struct {
	RoomID string `json:"room_id"`
}

type SendMessagePayload struct {
	Content string `json:"content"`
}

type ReactPayload struct {
	MessageID int64  `json:"message_id"`
	Emoji     string `json:"emoji"`
}

var errBadPayload = core.NewError(core.KindValidation, "bad_payload", "malformed event payload")

func (app *App) JoinEventHandler(ctx context.Context, e *core.Event) error {
	var payload JoinPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return app.rejectAction(e.SessionID, errBadPayload)
	}
	if err := app.broadcast.Join(e.SessionID, payload.RoomID); err != nil {
		return app.rejectAction(e.SessionID, err)
	}
	return nil
}

func (app *App) SendMessageEventHandler(ctx context.Context, e *core.Event) error {
	var payload SendMessagePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return app.rejectAction(e.SessionID, errBadPayload)
	}
	msg, err := app.broadcast.SendMessage(e.SessionID, payload.Content)
	if err != nil {
		return app.rejectAction(e.SessionID, err)
	}
	messagesSent.WithLabelValues(msg.RoomID).Inc()
	return nil
}

func (app *App) ReactEventHandler(ctx context.Context, e *core.Event) error {
	var payload ReactPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return app.rejectAction(e.SessionID, errBadPayload)
	}
	if _, err := app.broadcast.React(e.SessionID, payload.MessageID, payload.Emoji); err != nil {
		return app.rejectAction(e.SessionID, err)
	}
	reactionsToggled.Inc()
	return nil
}

func (app *App) TypingStartEventHandler(ctx context.Context, e *core.Event) error {
	if err := app.broadcast.TypingStart(e.SessionID); err != nil {
		return app.rejectAction(e.SessionID, err)
	}
	return nil
}

func (app *App) TypingStopEventHandler(ctx context.Context, e *core.Event) error {
	if err := app.broadcast.TypingStop(e.SessionID); err != nil {
		return app.rejectAction(e.SessionID, err)
	}
	return nil
}

// rejectAction reports a failed action back to the originating session only.
// Domain rejections are expected traffic and absorbed here; internal errors
// are also propagated so the event router logs them.
func (app *App) rejectAction(sessionID string, err error) error {
	actionErrors.WithLabelValues(core.CodeOf(err)).Inc()
	app.broadcast.NotifyError(sessionID, err)
	if core.KindOf(err) == core.KindInternal {
		return err
	}
	return nil
}
