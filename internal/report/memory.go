package report

import (
	"context"
	"sort"
	"sync"

	"github.com/victornm/attendance/internal/domain"
)

// MemoryStore keeps reports in process memory. Reports are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]domain.Report
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reports: make(map[string]domain.Report)}
}

func (s *MemoryStore) SaveReport(_ context.Context, r domain.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reports[r.SessionID]; !ok {
		s.reports[r.SessionID] = r.Clone()
	}

	return nil
}

func (s *MemoryStore) GetReport(_ context.Context, sessionID string) (*domain.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reports[sessionID]
	if !ok {
		return nil, errReportNotFound(sessionID)
	}

	r = r.Clone()
	return &r, nil
}

func (s *MemoryStore) ListReports(_ context.Context, ownerID string, limit int) ([]domain.ReportHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hs []domain.ReportHeader
	for _, r := range s.reports {
		if r.OwnerID == ownerID {
			hs = append(hs, header(r))
		}
	}

	sort.Slice(hs, func(i, j int) bool {
		return hs[i].EndedAt.After(hs[j].EndedAt)
	})

	if len(hs) > limit {
		hs = hs[:limit]
	}

	return hs, nil
}

func header(r domain.Report) domain.ReportHeader {
	return domain.ReportHeader{
		SessionID:   r.SessionID,
		OwnerID:     r.OwnerID,
		Metadata:    r.Metadata,
		Capacity:    r.Capacity,
		MarkedCount: r.MarkedCount,
		Reason:      r.Reason,
		EndedAt:     r.EndedAt,
	}
}
