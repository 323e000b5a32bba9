package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/victornm/attendance/internal/domain"
)

type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// PublishPresenceUpdated notifies subscribers of the session channel, e.g. the teacher's live screen.
func (a *API) PublishPresenceUpdated(ctx context.Context, e domain.EventPresenceUpdated) error {
	return a.publishNotification(ctx, e.Presence.SessionID, e.Name(), toPresence(&e.Presence))
}

// PublishSessionEnded notifies subscribers of the session channel with the final report.
func (a *API) PublishSessionEnded(ctx context.Context, e domain.EventSessionEnded) error {
	return a.publishNotification(ctx, e.Report.SessionID, e.Name(), toReport(&e.Report))
}

func (a *API) publishNotification(ctx context.Context, session, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %w", event, err)
	}

	return a.redis.Publish(ctx, a.channel(session), b).Err()
}

func (a *API) channel(session string) string {
	return fmt.Sprintf("%s:session:%s", a.prefix, session)
}
