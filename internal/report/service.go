// Package report persists final attendance reports and exports them.
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/victornm/attendance/internal/domain"
	"github.com/victornm/attendance/internal/errors"
	"github.com/victornm/attendance/internal/event"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type Store interface {
	SaveReport(ctx context.Context, r domain.Report) error
	GetReport(ctx context.Context, sessionID string) (*domain.Report, error)
	ListReports(ctx context.Context, ownerID string, limit int) ([]domain.ReportHeader, error)
}

type Config struct {
	EventBus *event.Bus
	Store    Store
}

type Service struct {
	eb    *event.Bus
	store Store
}

func NewService(c Config) *Service {
	s := &Service{
		eb:    c.EventBus,
		store: c.Store,
	}

	event.On(s.eb, domain.EventNameSessionEnded, s.SaveReport)

	return s
}

// SaveReport persists the report of an ended session. Saving the same session twice keeps the first report.
func (s *Service) SaveReport(ctx context.Context, e domain.EventSessionEnded) error {
	if err := s.store.SaveReport(ctx, e.Report); err != nil {
		return fmt.Errorf("save report: session=%s: %w", e.Report.SessionID, err)
	}

	slog.InfoContext(ctx, "report: saved", "session", e.Report.SessionID, "marks", e.Report.MarkedCount)
	return nil
}

func (s *Service) GetReport(ctx context.Context, sessionID string) (*domain.Report, error) {
	return s.store.GetReport(ctx, sessionID)
}

type ListReportsRequest struct {
	OwnerID string
	Limit   int
}

// ListReports returns the reports of an owner, most recent first.
func (s *Service) ListReports(ctx context.Context, req ListReportsRequest) ([]domain.ReportHeader, error) {
	if req.OwnerID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("owner ID is required"))
	}

	switch {
	case req.Limit <= 0:
		req.Limit = defaultListLimit
	case req.Limit > maxListLimit:
		req.Limit = maxListLimit
	}

	hs, err := s.store.ListReports(ctx, req.OwnerID, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("list reports: owner=%s: %w", req.OwnerID, err)
	}

	return hs, nil
}

var csvHeader = []string{"participant_key", "marked_at"}

// WriteCSV writes one row per mark, ascending by participant key, after a header row.
func WriteCSV(w io.Writer, r *domain.Report) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for _, m := range r.Marks {
		if err := cw.Write([]string{
			strconv.Itoa(m.ParticipantKey),
			m.MarkedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
