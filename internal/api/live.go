package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/victornm/attendance/internal/domain"
)

const (
	EventNameSnapshot = "snapshot"

	writeTimeout = 5 * time.Second
)

// Live streams the session snapshot over a websocket once per interval. When the session ends it sends the
// final report and closes the connection.
func (a *API) Live(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := a.ss.GetSnapshot(ctx, id); err != nil {
		abort(c, err)
		return
	}

	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		slog.WarnContext(ctx, "api: live: upgrade failed", "session", id, "error", err)
		return
	}
	defer conn.Close()

	t := time.NewTicker(a.liveInterval)
	defer t.Stop()

	for {
		snap, err := a.ss.GetSnapshot(ctx, id)
		if err != nil {
			closeLive(conn, websocket.CloseGoingAway, "session evicted")
			return
		}

		if err := writeLive(conn, EventNameSnapshot, toSnapshot(snap)); err != nil {
			slog.InfoContext(ctx, "api: live: client disconnected", "session", id, "error", err)
			return
		}

		if snap.Phase == domain.PhaseEnded {
			if r, err := a.ss.GetReport(ctx, id); err == nil {
				_ = writeLive(conn, domain.EventNameSessionEnded, toReport(r))
			}
			closeLive(conn, websocket.CloseNormalClosure, "session ended")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func writeLive(conn *websocket.Conn, event string, data any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}

	return conn.WriteJSON(Notification{Event: event, Data: data})
}

func closeLive(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

func allowOrigins(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}

	return func(r *http.Request) bool {
		_, ok := allowed[r.Header.Get("Origin")]
		return ok
	}
}
