package domain

const (
	EventNameSessionStarted   = "session.started"
	EventNameAttendanceMarked = "attendance.marked"
	EventNamePresenceUpdated  = "presence.updated"
	EventNameSessionEnded     = "session.ended"
)

type EventSessionStarted struct {
	Config SessionConfig
}

func (EventSessionStarted) Name() string { return EventNameSessionStarted }

type EventAttendanceMarked struct {
	SessionID string
	Mark      Mark
}

func (EventAttendanceMarked) Name() string { return EventNameAttendanceMarked }

type EventPresenceUpdated struct {
	Presence Presence
}

func (EventPresenceUpdated) Name() string { return EventNamePresenceUpdated }

type EventSessionEnded struct {
	Report Report
}

func (EventSessionEnded) Name() string { return EventNameSessionEnded }
