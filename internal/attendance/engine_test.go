package attendance_test

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/attendance/internal/attendance"
	"github.com/victornm/attendance/internal/domain"
	"github.com/victornm/attendance/internal/errors"
)

func TestStart(t *testing.T) {
	tests := map[string]struct {
		cfg    domain.SessionConfig
		assert func(t *testing.T, e *attendance.Engine, err error)
	}{
		"valid config should start a running session": {
			cfg: domain.SessionConfig{SessionID: "s1", Capacity: 5, DurationSeconds: 120},
			assert: func(t *testing.T, e *attendance.Engine, err error) {
				require.NoError(t, err)
				s := e.Snapshot()
				assert.Equal(t, domain.PhaseRunning, s.Phase)
				assert.Equal(t, 120, s.RemainingSeconds)
				assert.Equal(t, 0, s.MarkedCount)
				assert.Empty(t, s.MarkedKeys)
				assert.Nil(t, e.Report())
			},
		},

		"zero capacity should be rejected": {
			cfg: domain.SessionConfig{SessionID: "s1", Capacity: 0, DurationSeconds: 5},
			assert: func(t *testing.T, e *attendance.Engine, err error) {
				require.ErrorIs(t, err, errors.ErrConfiguration)
				assert.Equal(t, errors.CodeInvalidArgument, errors.CodeOf(err))
				assert.Nil(t, e)
			},
		},

		"negative duration should be rejected": {
			cfg: domain.SessionConfig{SessionID: "s1", Capacity: 5, DurationSeconds: -1},
			assert: func(t *testing.T, e *attendance.Engine, err error) {
				require.ErrorIs(t, err, errors.ErrConfiguration)
				assert.Nil(t, e)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			e, err := attendance.Start(tt.cfg)
			tt.assert(t, e, err)
		})
	}
}

func TestEngine_Tick(t *testing.T) {
	e := makeEngine(t, 5, 3)

	for want := 2; want > 0; want-- {
		e.Tick()
		s := e.Snapshot()
		require.Equal(t, want, s.RemainingSeconds)
		require.Equal(t, domain.PhaseRunning, s.Phase)
		require.Nil(t, e.Report())
	}

	e.Tick()
	s := e.Snapshot()
	assert.Equal(t, 0, s.RemainingSeconds)
	assert.Equal(t, domain.PhaseEnded, s.Phase)
	assert.Equal(t, 0, s.MarkedCount)

	r := e.Report()
	require.NotNil(t, r)
	assert.Empty(t, r.Marks)
	assert.Equal(t, domain.EndReasonExpired, r.Reason)

	e.Tick()
	assert.Equal(t, 0, e.Snapshot().RemainingSeconds, "tick after expiry should be a no-op")
	assert.Same(t, r, e.Report())
}

func TestEngine_Mark(t *testing.T) {
	type outputs struct {
		results []attendance.MarkResult
		errs    []error
	}

	tests := map[string]struct {
		keys   []int
		before func(e *attendance.Engine)
		assert func(t *testing.T, e *attendance.Engine, out outputs)
	}{
		"first mark should be accepted": {
			keys: []int{2},
			assert: func(t *testing.T, e *attendance.Engine, out outputs) {
				require.NoError(t, out.errs[0])
				assert.True(t, out.results[0].Accepted)
				assert.Equal(t, 2, out.results[0].Mark.ParticipantKey)
				assert.Equal(t, []int{2}, e.Snapshot().MarkedKeys)
			},
		},

		"repeated mark should keep the first timestamp": {
			keys: []int{2, 2},
			assert: func(t *testing.T, e *attendance.Engine, out outputs) {
				require.NoError(t, out.errs[1])
				assert.True(t, out.results[1].Duplicate)
				assert.False(t, out.results[1].Accepted)
				assert.Equal(t, out.results[0].Mark.MarkedAt, out.results[1].Mark.MarkedAt)
				assert.Equal(t, 1, e.Snapshot().MarkedCount)
			},
		},

		"out of range key should be rejected": {
			keys: []int{99, 0},
			assert: func(t *testing.T, e *attendance.Engine, out outputs) {
				for _, err := range out.errs {
					assert.Equal(t, errors.CodeInvalidArgument, errors.CodeOf(err))
				}
				assert.Equal(t, 0, e.Snapshot().MarkedCount)
			},
		},

		"mark after stop should be inert": {
			keys:   []int{1},
			before: func(e *attendance.Engine) { e.Stop() },
			assert: func(t *testing.T, e *attendance.Engine, out outputs) {
				require.NoError(t, out.errs[0])
				assert.True(t, out.results[0].Late)
				assert.Equal(t, 0, e.Snapshot().MarkedCount)
				assert.Empty(t, e.Report().Marks)
			},
		},

		"mark after expiry should be inert": {
			keys: []int{1, 99},
			before: func(e *attendance.Engine) {
				for i := 0; i < 3; i++ {
					e.Tick()
				}
			},
			assert: func(t *testing.T, e *attendance.Engine, out outputs) {
				for i := range out.results {
					require.NoError(t, out.errs[i])
					assert.True(t, out.results[i].Late)
				}
				assert.Equal(t, 0, e.Snapshot().MarkedCount)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			e := makeEngine(t, 5, 3)
			if tt.before != nil {
				tt.before(e)
			}

			var out outputs
			for _, k := range tt.keys {
				r, err := e.Mark(k)
				out.results = append(out.results, r)
				out.errs = append(out.errs, err)
			}

			tt.assert(t, e, out)
		})
	}
}

func TestEngine_Stop(t *testing.T) {
	var (
		ended []*domain.Report
		mu    sync.Mutex
	)

	e, err := attendance.Start(
		domain.SessionConfig{SessionID: "s1", OwnerID: "t1", Capacity: 5, DurationSeconds: 3},
		attendance.WithClock(steppingClock()),
		attendance.WithOnEnded(func(r *domain.Report) {
			mu.Lock()
			ended = append(ended, r)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)

	for _, k := range []int{4, 2, 2} {
		_, err := e.Mark(k)
		require.NoError(t, err)
	}
	e.Tick()
	e.Stop()
	e.Stop()
	e.Tick()

	s := e.Snapshot()
	assert.Equal(t, domain.PhaseEnded, s.Phase)
	assert.Equal(t, 2, s.RemainingSeconds, "stop should keep the remaining time")
	assert.Equal(t, 2, s.MarkedCount)

	r := e.Report()
	require.NotNil(t, r)
	assert.Same(t, r, e.Report())
	assert.Equal(t, domain.EndReasonStopped, r.Reason)
	assert.Equal(t, "s1", r.SessionID)
	assert.Equal(t, "t1", r.OwnerID)
	assert.Equal(t, 5, r.Capacity)
	assert.Equal(t, "40", r.Rate.String())

	keys := make([]int, 0, len(r.Marks))
	for _, m := range r.Marks {
		keys = append(keys, m.ParticipantKey)
	}
	assert.Equal(t, []int{2, 4}, keys)

	require.Len(t, ended, 1, "on ended hook should be called exactly once")
	assert.Same(t, r, ended[0])
}

func TestEngine_MarkConcurrently(t *testing.T) {
	const capacity = 50

	keys := make([]int, 0, capacity*3)
	for i := 0; i < 3; i++ {
		for k := 1; k <= capacity; k++ {
			keys = append(keys, k)
		}
	}

	var reports []*domain.Report
	for i := 0; i < 5; i++ {
		shuffled := append([]int(nil), keys...)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		e := makeEngine(t, capacity, 60)

		var wg sync.WaitGroup
		for _, k := range shuffled {
			wg.Add(1)
			go func(k int) {
				defer wg.Done()
				_, _ = e.Mark(k)
				_ = e.Snapshot()
			}(k)
		}
		wg.Wait()
		e.Stop()

		reports = append(reports, e.Report())
	}

	for _, r := range reports {
		require.Equal(t, capacity, r.MarkedCount)
		for i, m := range r.Marks {
			require.Equal(t, i+1, m.ParticipantKey)
		}
	}
}

func TestEngine_Snapshot(t *testing.T) {
	e := makeEngine(t, 5, 3)
	_, err := e.Mark(3)
	require.NoError(t, err)

	s := e.Snapshot()
	s.MarkedKeys[0] = 5

	assert.Equal(t, []int{3}, e.Snapshot().MarkedKeys, "snapshot should not alias engine state")
}

func makeEngine(t *testing.T, capacity, duration int) *attendance.Engine {
	e, err := attendance.Start(domain.SessionConfig{
		SessionID:       "s1",
		OwnerID:         "t1",
		Capacity:        capacity,
		DurationSeconds: duration,
	}, attendance.WithClock(steppingClock()))
	require.NoError(t, err)

	return e
}

func steppingClock() func() time.Time {
	var (
		mu sync.Mutex
		t  = time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)
	)

	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}
