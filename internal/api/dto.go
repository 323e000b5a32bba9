package api

import (
	"time"

	"github.com/victornm/attendance/internal/domain"
)

// Owner IDs are never rendered.
type (
	Session struct {
		SessionID       string `json:"session_id"`
		Capacity        int    `json:"capacity"`
		DurationSeconds int    `json:"duration_seconds"`
		Course          string `json:"course,omitempty"`
		Class           string `json:"class,omitempty"`
		Type            string `json:"type,omitempty"`
		Window          string `json:"window,omitempty"`
	}

	Snapshot struct {
		SessionID        string `json:"session_id"`
		RemainingSeconds int    `json:"remaining_seconds"`
		Phase            string `json:"phase"`
		Capacity         int    `json:"capacity"`
		MarkedCount      int    `json:"marked_count"`
		MarkedKeys       []int  `json:"marked_keys"`
	}

	Mark struct {
		ParticipantKey int       `json:"participant_key"`
		MarkedAt       time.Time `json:"marked_at"`
	}

	Report struct {
		ReportHeader
		Rate  string `json:"rate"`
		Marks []Mark `json:"marks"`
	}

	ReportHeader struct {
		SessionID   string    `json:"session_id"`
		Course      string    `json:"course,omitempty"`
		Class       string    `json:"class,omitempty"`
		Type        string    `json:"type,omitempty"`
		Window      string    `json:"window,omitempty"`
		Capacity    int       `json:"capacity"`
		MarkedCount int       `json:"marked_count"`
		Reason      string    `json:"reason"`
		EndedAt     time.Time `json:"ended_at"`
	}

	Presence struct {
		SessionID string `json:"session_id"`
		Entries   []Mark `json:"entries"`
	}
)

func toSession(cfg *domain.SessionConfig) Session {
	return Session{
		SessionID:       cfg.SessionID,
		Capacity:        cfg.Capacity,
		DurationSeconds: cfg.DurationSeconds,
		Course:          cfg.Metadata.Course,
		Class:           cfg.Metadata.Class,
		Type:            cfg.Metadata.Type,
		Window:          cfg.Metadata.Window,
	}
}

func toSnapshot(s *domain.Snapshot) Snapshot {
	keys := s.MarkedKeys
	if keys == nil {
		keys = []int{}
	}

	return Snapshot{
		SessionID:        s.SessionID,
		RemainingSeconds: s.RemainingSeconds,
		Phase:            string(s.Phase),
		Capacity:         s.Capacity,
		MarkedCount:      s.MarkedCount,
		MarkedKeys:       keys,
	}
}

func toReport(r *domain.Report) Report {
	marks := make([]Mark, 0, len(r.Marks))
	for _, m := range r.Marks {
		marks = append(marks, Mark{ParticipantKey: m.ParticipantKey, MarkedAt: m.MarkedAt})
	}

	return Report{
		ReportHeader: toReportHeader(domain.ReportHeader{
			SessionID:   r.SessionID,
			Metadata:    r.Metadata,
			Capacity:    r.Capacity,
			MarkedCount: r.MarkedCount,
			Reason:      r.Reason,
			EndedAt:     r.EndedAt,
		}),
		Rate:  r.Rate.StringFixed(2),
		Marks: marks,
	}
}

func toReportHeader(h domain.ReportHeader) ReportHeader {
	return ReportHeader{
		SessionID:   h.SessionID,
		Course:      h.Metadata.Course,
		Class:       h.Metadata.Class,
		Type:        h.Metadata.Type,
		Window:      h.Metadata.Window,
		Capacity:    h.Capacity,
		MarkedCount: h.MarkedCount,
		Reason:      string(h.Reason),
		EndedAt:     h.EndedAt,
	}
}

func toPresence(p *domain.Presence) Presence {
	entries := make([]Mark, 0, len(p.Entries))
	for _, e := range p.Entries {
		entries = append(entries, Mark{ParticipantKey: e.ParticipantKey, MarkedAt: e.MarkedAt})
	}

	return Presence{
		SessionID: p.SessionID,
		Entries:   entries,
	}
}
