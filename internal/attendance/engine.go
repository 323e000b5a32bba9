// Package attendance implements the live attendance session engine.
//
// An Engine owns the countdown and the set of marked participants of exactly one session. It holds no timer:
// a driver calls Tick once per interval. All mutations are serialized by the engine, so Mark may be called
// concurrently from any number of goroutines.
package attendance

import (
	"sort"
	"sync"
	"time"

	"github.com/victornm/attendance/internal/domain"
	"github.com/victornm/attendance/internal/errors"
)

// Engine is the single authority over one attendance session.
type Engine struct {
	cfg     domain.SessionConfig
	now     func() time.Time
	onEnded func(*domain.Report)

	mu        sync.RWMutex
	remaining int
	phase     domain.Phase
	marks     map[int]domain.Mark
	report    *domain.Report
}

type Option func(e *Engine)

// WithClock sets the clock used for MarkedAt and EndedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithOnEnded registers a hook called once with the final report, after the engine lock is released.
func WithOnEnded(f func(*domain.Report)) Option {
	return func(e *Engine) {
		e.onEnded = f
	}
}

// Start validates cfg and returns a running engine.
func Start(cfg domain.SessionConfig, opts ...Option) (*Engine, error) {
	if cfg.Capacity <= 0 {
		return nil, errors.Configuration("capacity must be greater than 0: got %d", cfg.Capacity)
	}
	if cfg.DurationSeconds <= 0 {
		return nil, errors.Configuration("duration must be greater than 0: got %d", cfg.DurationSeconds)
	}

	e := &Engine{
		cfg:       cfg,
		now:       time.Now,
		remaining: cfg.DurationSeconds,
		phase:     domain.PhaseRunning,
		marks:     make(map[int]domain.Mark),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Config returns the session configuration.
func (e *Engine) Config() domain.SessionConfig {
	return e.cfg
}

// Tick advances the countdown by one unit. The tick that reaches 0 ends the session.
func (e *Engine) Tick() {
	e.mu.Lock()
	if e.phase != domain.PhaseRunning || e.remaining <= 0 {
		e.mu.Unlock()
		return
	}

	e.remaining--
	var r *domain.Report
	if e.remaining == 0 {
		r = e.end(domain.EndReasonExpired)
	}
	e.mu.Unlock()

	e.notify(r)
}

// Stop ends the session regardless of the remaining time. It is a no-op once the session has ended.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.phase != domain.PhaseRunning {
		e.mu.Unlock()
		return
	}

	r := e.end(domain.EndReasonStopped)
	e.mu.Unlock()

	e.notify(r)
}

// MarkResult describes the effect of a Mark call.
type MarkResult struct {
	// Mark is the stored mark for the key. It is zero when the call was late.
	Mark domain.Mark
	// Accepted is true only for the call that created the mark.
	Accepted bool
	// Duplicate is true when the key was already marked.
	Duplicate bool
	// Late is true when the session had already ended.
	Late bool
}

// Mark records the participant as present. Repeated and late calls are inert and never fail.
// Keys outside [1, capacity] are rejected while the session is running.
func (e *Engine) Mark(key int) (MarkResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != domain.PhaseRunning {
		return MarkResult{Late: true}, nil
	}

	if key < 1 || key > e.cfg.Capacity {
		return MarkResult{}, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("participant key out of range [1, %d]: %d", e.cfg.Capacity, key))
	}

	if m, ok := e.marks[key]; ok {
		return MarkResult{Mark: m, Duplicate: true}, nil
	}

	m := domain.Mark{
		ParticipantKey: key,
		MarkedAt:       e.now(),
	}
	e.marks[key] = m

	return MarkResult{Mark: m, Accepted: true}, nil
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() domain.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return domain.Snapshot{
		SessionID:        e.cfg.SessionID,
		RemainingSeconds: e.remaining,
		Phase:            e.phase,
		Capacity:         e.cfg.Capacity,
		MarkedCount:      len(e.marks),
		MarkedKeys:       e.sortedKeys(),
	}
}

// Report returns the final report, or nil while the session is running.
// The same pointer is returned on every call; callers must treat it as read-only.
func (e *Engine) Report() *domain.Report {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.report
}

// end must be called with e.mu held and phase Running.
func (e *Engine) end(reason domain.EndReason) *domain.Report {
	e.phase = domain.PhaseEnded

	keys := e.sortedKeys()
	marks := make([]domain.Mark, 0, len(keys))
	for _, k := range keys {
		marks = append(marks, e.marks[k])
	}

	e.report = &domain.Report{
		SessionID:   e.cfg.SessionID,
		OwnerID:     e.cfg.OwnerID,
		Metadata:    e.cfg.Metadata,
		Capacity:    e.cfg.Capacity,
		MarkedCount: len(marks),
		Marks:       marks,
		Reason:      reason,
		EndedAt:     e.now(),
		Rate:        domain.AttendanceRate(len(marks), e.cfg.Capacity),
	}

	return e.report
}

func (e *Engine) notify(r *domain.Report) {
	if r != nil && e.onEnded != nil {
		e.onEnded(r)
	}
}

func (e *Engine) sortedKeys() []int {
	keys := make([]int, 0, len(e.marks))
	for k := range e.marks {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	return keys
}
