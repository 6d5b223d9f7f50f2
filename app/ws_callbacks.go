package talk

import (
	"log/slog"
	"net/http"

	"github.com/livepulse/talk/core"
	"github.com/livepulse/talk/pkg/router"
)

// WSHandler opens a chat session for the authenticated user and upgrades
// the connection. Under the single-session policy the displaced sessions'
// connections are closed before the new one is admitted.
func (app *App) WSHandler(w http.ResponseWriter, r *http.Request) error {
	auth := core.AuthSessionFromRequest(r)

	sess, displaced := app.sessions.Open(auth.Username)
	for _, d := range displaced {
		app.wsManager.Disconnect(d.ID)
	}

	if err := app.wsManager.Connect(sess.ID, w, r); err != nil {
		app.sessions.Close(sess.ID)
		return router.NewJsonError(http.StatusBadRequest, "websocket upgrade failed")
	}

	sessionsActive.Set(float64(app.wsManager.ConnectedSessions()))
	app.broadcast.SessionOpened(sess)
	return nil
}

// onSessionClosed runs after a connection is gone, whatever the cause:
// client close, read error, send-queue overflow or shutdown. Closing the
// registry entry is idempotent, so racing causes are harmless.
func (app *App) onSessionClosed(sessionID string) {
	closed, ok, lastOfUser := app.sessions.Close(sessionID)
	if !ok {
		return
	}
	sessionsActive.Set(float64(app.wsManager.ConnectedSessions()))
	app.broadcast.SessionClosed(closed, lastOfUser)
}

// onSendQueueOverflow records the forced disconnect before the session is
// dropped by the conn manager.
func (app *App) onSendQueueOverflow(sessionID string) {
	sessionsDropped.Inc()
	app.logger.Warn("session dropped: send queue overflow", slog.String("session", sessionID))
}
