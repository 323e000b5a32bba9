package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Phase is the lifecycle state of an attendance session.
type Phase string

const (
	PhaseRunning Phase = "running"
	PhaseEnded   Phase = "ended"
)

// EndReason tells how a session reached PhaseEnded.
type EndReason string

const (
	EndReasonExpired EndReason = "expired"
	EndReasonStopped EndReason = "stopped"
)

// Metadata is descriptive data about a session. It is carried through unchanged.
type Metadata struct {
	Course string
	Class  string
	Type   string
	Window string
}

// SessionConfig is the immutable configuration of an attendance session.
type SessionConfig struct {
	SessionID       string
	OwnerID         string
	Capacity        int
	DurationSeconds int
	Metadata        Metadata
}

// Mark records the first time a participant registered presence.
type Mark struct {
	ParticipantKey int
	MarkedAt       time.Time
}

// Snapshot is a read-only view of a session at one point in time.
// MarkedKeys is sorted ascending.
type Snapshot struct {
	SessionID        string
	RemainingSeconds int
	Phase            Phase
	Capacity         int
	MarkedCount      int
	MarkedKeys       []int
}

// Report is the finalized summary of a session. Marks are sorted ascending by ParticipantKey.
type Report struct {
	SessionID   string
	OwnerID     string
	Metadata    Metadata
	Capacity    int
	MarkedCount int
	Marks       []Mark
	Reason      EndReason
	EndedAt     time.Time
	Rate        decimal.Decimal
}

// Clone returns a copy of the report that shares no marks with r.
func (r Report) Clone() Report {
	r.Marks = slices.Clone(r.Marks)
	return r
}

// ReportHeader is a report without its marks.
type ReportHeader struct {
	SessionID   string
	OwnerID     string
	Metadata    Metadata
	Capacity    int
	MarkedCount int
	Reason      EndReason
	EndedAt     time.Time
}

// PresenceEntry is one participant on the live presence board.
type PresenceEntry struct {
	ParticipantKey int
	MarkedAt       time.Time
}

// Presence is the live list of marked participants of a session, sorted ascending by key.
type Presence struct {
	SessionID string
	Entries   []PresenceEntry
}

// AttendanceRate returns marked/capacity as a percentage rounded to 2 decimal places.
func AttendanceRate(marked, capacity int) decimal.Decimal {
	if capacity <= 0 {
		return decimal.Zero
	}

	return decimal.NewFromInt(int64(marked)).
		Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(int64(capacity)), 2)
}
