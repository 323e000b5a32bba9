package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/attendance/internal/attendance"
	"github.com/victornm/attendance/internal/domain"
	"github.com/victornm/attendance/internal/errors"
	"github.com/victornm/attendance/internal/event"
	"github.com/victornm/attendance/internal/telemetry"
)

const (
	defaultTickInterval = time.Second
	defaultRetention    = 5 * time.Minute
)

// Reports looks up reports of sessions that are no longer held in memory.
type Reports interface {
	GetReport(ctx context.Context, sessionID string) (*domain.Report, error)
}

type Config struct {
	EventBus *event.Bus
	Reports  Reports

	// Teachers is the allowlist of owner IDs that may start sessions. Empty disables the check.
	Teachers []string
	// AllowedDurations restricts session durations in seconds. Empty allows any positive duration.
	AllowedDurations []int
	// TickInterval is the wall-clock length of one countdown unit.
	TickInterval time.Duration
	// Retention is how long an ended session stays in memory to absorb late signals.
	Retention time.Duration

	NewTickerFunc func(d time.Duration) Ticker
	Now           func() time.Time
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type Service struct {
	eb        *event.Bus
	reports   Reports
	teachers  map[string]struct{}
	durations map[int]struct{}
	interval  time.Duration
	retention time.Duration
	newTicker func(d time.Duration) Ticker
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*live
	owners   map[string]string
	wg       sync.WaitGroup
}

// live is a session held in memory together with its tick driver.
type live struct {
	engine *attendance.Engine
	done   chan struct{}
	once   sync.Once
}

func (l *live) halt() {
	l.once.Do(func() { close(l.done) })
}

func NewService(c Config) *Service {
	s := &Service{
		eb:        c.EventBus,
		reports:   c.Reports,
		teachers:  make(map[string]struct{}, len(c.Teachers)),
		durations: make(map[int]struct{}, len(c.AllowedDurations)),
		interval:  c.TickInterval,
		retention: c.Retention,
		newTicker: c.NewTickerFunc,
		now:       c.Now,
		sessions:  make(map[string]*live),
		owners:    make(map[string]string),
	}

	for _, t := range c.Teachers {
		s.teachers[t] = struct{}{}
	}
	for _, d := range c.AllowedDurations {
		s.durations[d] = struct{}{}
	}

	if s.interval <= 0 {
		s.interval = defaultTickInterval
	}
	if s.retention <= 0 {
		s.retention = defaultRetention
	}
	if s.newTicker == nil {
		s.newTicker = newTimeTicker
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s
}

// CreateSessionRequest represents a request to start a new attendance session.
type CreateSessionRequest struct {
	// OwnerID is the ID of the teacher starting the session.
	OwnerID string
	// Capacity is the expected number of participants. Participant keys range over [1, Capacity].
	Capacity int
	// DurationSeconds is the countdown length.
	DurationSeconds int
	Metadata        domain.Metadata
}

// CreateSession starts a new attendance session and its countdown.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.SessionConfig, error) {
	if err := s.verifyOwner(req.OwnerID); err != nil {
		return nil, err
	}

	if _, ok := s.durations[req.DurationSeconds]; len(s.durations) > 0 && !ok {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("duration not allowed: %ds", req.DurationSeconds))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}

	cfg := domain.SessionConfig{
		SessionID:       id.String(),
		OwnerID:         req.OwnerID,
		Capacity:        req.Capacity,
		DurationSeconds: req.DurationSeconds,
		Metadata:        req.Metadata,
	}

	e, err := attendance.Start(cfg,
		attendance.WithClock(s.now),
		attendance.WithOnEnded(s.onEnded),
	)
	if err != nil {
		return nil, err
	}

	l := &live{engine: e, done: make(chan struct{})}

	s.mu.Lock()
	if running, ok := s.owners[req.OwnerID]; ok {
		s.mu.Unlock()
		return nil, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("owner already has a running session: owner=%s session=%s", req.OwnerID, running))
	}
	s.sessions[cfg.SessionID] = l
	s.owners[req.OwnerID] = cfg.SessionID
	s.wg.Add(1)
	s.mu.Unlock()

	go s.drive(l)

	telemetry.SessionsStarted.Inc()
	telemetry.SessionsActive.Inc()
	slog.InfoContext(ctx, "session: started",
		"session", cfg.SessionID,
		"owner", cfg.OwnerID,
		"capacity", cfg.Capacity,
		"duration", cfg.DurationSeconds,
	)

	s.eb.Publish(ctx, domain.EventSessionStarted{Config: cfg})

	return &cfg, nil
}

func (s *Service) verifyOwner(owner string) error {
	if owner == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("owner ID is required"))
	}

	if _, ok := s.teachers[owner]; len(s.teachers) > 0 && !ok {
		return errors.New(errors.CodeUnauthenticated, errors.WithMessagef("unknown teacher: %s", owner))
	}

	return nil
}

// drive ticks the engine once per interval until the session ends or the service shuts down.
func (s *Service) drive(l *live) {
	defer s.wg.Done()

	t := s.newTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-t.C():
			l.engine.Tick()
		}
	}
}

// onEnded runs once per session, on the goroutine that ended it. It must not be called with s.mu held.
func (s *Service) onEnded(r *domain.Report) {
	ctx := context.Background()

	s.mu.Lock()
	l, ok := s.sessions[r.SessionID]
	if s.owners[r.OwnerID] == r.SessionID {
		delete(s.owners, r.OwnerID)
	}
	s.mu.Unlock()

	if ok {
		l.halt()
		time.AfterFunc(s.retention, func() { s.evict(r.SessionID) })
	}

	telemetry.SessionsActive.Dec()
	telemetry.SessionsEnded.WithLabelValues(string(r.Reason)).Inc()
	slog.InfoContext(ctx, "session: ended",
		"session", r.SessionID,
		"reason", r.Reason,
		"marked", r.MarkedCount,
		"capacity", r.Capacity,
	)

	// Subscribers get their own marks, the engine keeps serving the cached report.
	s.eb.Publish(ctx, domain.EventSessionEnded{Report: r.Clone()})
}

func (s *Service) evict(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
}

func (s *Service) get(id string) (*live, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.sessions[id]
	return l, ok
}

type MarkAttendanceRequest struct {
	SessionID      string
	ParticipantKey int
}

type MarkAttendanceResponse struct {
	Mark      domain.Mark
	Accepted  bool
	Duplicate bool
	Late      bool
}

// MarkAttendance marks a participant as present. Repeated and late marks succeed without effect.
func (s *Service) MarkAttendance(ctx context.Context, req MarkAttendanceRequest) (*MarkAttendanceResponse, error) {
	l, ok := s.get(req.SessionID)
	if !ok {
		// The session may have ended and been evicted already.
		if _, err := s.loadReport(ctx, req.SessionID); err != nil {
			return nil, err
		}

		telemetry.Marks.WithLabelValues(telemetry.MarkResultLate).Inc()
		return &MarkAttendanceResponse{Late: true}, nil
	}

	res, err := l.engine.Mark(req.ParticipantKey)
	if err != nil {
		telemetry.Marks.WithLabelValues(telemetry.MarkResultRejected).Inc()
		return nil, err
	}

	switch {
	case res.Accepted:
		telemetry.Marks.WithLabelValues(telemetry.MarkResultAccepted).Inc()
		s.eb.Publish(ctx, domain.EventAttendanceMarked{
			SessionID: req.SessionID,
			Mark:      res.Mark,
		})
	case res.Duplicate:
		telemetry.Marks.WithLabelValues(telemetry.MarkResultDuplicate).Inc()
	case res.Late:
		telemetry.Marks.WithLabelValues(telemetry.MarkResultLate).Inc()
	}

	return &MarkAttendanceResponse{
		Mark:      res.Mark,
		Accepted:  res.Accepted,
		Duplicate: res.Duplicate,
		Late:      res.Late,
	}, nil
}

type StopSessionRequest struct {
	SessionID string
	OwnerID   string
}

// StopSession ends a session early and returns its report. Stopping an ended session returns the same report.
func (s *Service) StopSession(ctx context.Context, req StopSessionRequest) (*domain.Report, error) {
	l, ok := s.get(req.SessionID)
	if !ok {
		r, err := s.loadReport(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if r.OwnerID != req.OwnerID {
			return nil, errNotOwner(req)
		}
		return r, nil
	}

	if l.engine.Config().OwnerID != req.OwnerID {
		return nil, errNotOwner(req)
	}

	l.engine.Stop()

	return l.engine.Report(), nil
}

func errNotOwner(req StopSessionRequest) error {
	return errors.New(errors.CodeUnauthenticated,
		errors.WithMessagef("not the owner of the session: session=%s owner=%s", req.SessionID, req.OwnerID))
}

// GetSnapshot returns the current state of a session held in memory.
func (s *Service) GetSnapshot(_ context.Context, sessionID string) (*domain.Snapshot, error) {
	l, ok := s.get(sessionID)
	if !ok {
		return nil, errSessionNotFound(sessionID)
	}

	snap := l.engine.Snapshot()
	return &snap, nil
}

// GetActiveSession returns the running session of an owner.
func (s *Service) GetActiveSession(ctx context.Context, ownerID string) (*domain.Snapshot, error) {
	s.mu.RLock()
	id, ok := s.owners[ownerID]
	s.mu.RUnlock()

	if !ok {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("no running session: owner=%s", ownerID))
	}

	return s.GetSnapshot(ctx, id)
}

// GetReport returns the final report of a session. It fails with CodeFailedPrecondition while the session runs.
func (s *Service) GetReport(ctx context.Context, sessionID string) (*domain.Report, error) {
	l, ok := s.get(sessionID)
	if !ok {
		return s.loadReport(ctx, sessionID)
	}

	r := l.engine.Report()
	if r == nil {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session is still running: session=%s", sessionID))
	}

	return r, nil
}

func (s *Service) loadReport(ctx context.Context, sessionID string) (*domain.Report, error) {
	if s.reports == nil {
		return nil, errSessionNotFound(sessionID)
	}

	r, err := s.reports.GetReport(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load report: %w", err)
	}

	return r, nil
}

func errSessionNotFound(sessionID string) error {
	return errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: session=%s", sessionID))
}

// Shutdown stops every running session so its report is published, then waits for all drivers to exit.
func (s *Service) Shutdown() {
	s.mu.RLock()
	running := make([]*live, 0, len(s.owners))
	for _, id := range s.owners {
		running = append(running, s.sessions[id])
	}
	s.mu.RUnlock()

	for _, l := range running {
		l.engine.Stop()
		l.halt()
	}

	s.wg.Wait()
}

type timeTicker struct {
	t *time.Ticker
}

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }

func (t timeTicker) Stop() { t.t.Stop() }
