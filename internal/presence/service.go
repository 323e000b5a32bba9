package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/attendance/internal/domain"
	"github.com/victornm/attendance/internal/errors"
	"github.com/victornm/attendance/internal/event"
)

const (
	publishInterval = 200 * time.Millisecond
	defaultTTL      = 24 * time.Hour
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	// TTL bounds how long a presence board outlives its session.
	TTL time.Duration
}

// Service keeps a live presence board per session in redis, shared by every instance of the server.
type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration

	// pending tracks trailing publishes scheduled by this instance.
	pending sync.WaitGroup
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
		ttl:    c.TTL,
	}

	if s.ttl <= 0 {
		s.ttl = defaultTTL
	}

	event.On(s.eb, domain.EventNameAttendanceMarked, s.AddMark)
	event.On(s.eb, domain.EventNameSessionEnded, s.Expire)

	return s
}

type GetPresenceRequest struct {
	SessionID string
}

// GetPresence returns the marked participants of a session, sorted ascending by participant key.
func (s *Service) GetPresence(ctx context.Context, req GetPresenceRequest) (*domain.Presence, error) {
	res, err := s.redis.ZRangeWithScores(ctx, s.getPresenceKey(req.SessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get presence: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("presence not found: session=%s", req.SessionID))
	}

	entries := make([]domain.PresenceEntry, 0, len(res))
	for _, z := range res {
		key, err := strconv.Atoi(z.Member.(string))
		if err != nil {
			return nil, fmt.Errorf("parse participant key %q: %w", z.Member, err)
		}

		entries = append(entries, domain.PresenceEntry{
			ParticipantKey: key,
			MarkedAt:       time.UnixMilli(int64(z.Score)).UTC(),
		})
	}

	// Members are ordered by mark time in redis.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ParticipantKey < entries[j].ParticipantKey
	})

	return &domain.Presence{
		SessionID: req.SessionID,
		Entries:   entries,
	}, nil
}

// AddMark adds a participant to the presence board. The first mark time is kept.
func (s *Service) AddMark(ctx context.Context, e domain.EventAttendanceMarked) error {
	key := s.getPresenceKey(e.SessionID)

	// TODO: retry on error
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAddNX(ctx, key, redis.Z{
			Score:  float64(e.Mark.MarkedAt.UnixMilli()),
			Member: strconv.Itoa(e.Mark.ParticipantKey),
		})
		// A board shortened by Expire keeps its short TTL when a delayed mark lands after the session ended.
		p.ExpireNX(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add mark: %w", err)
	}

	return s.schedulePublishPresence(ctx, e.SessionID, e.Mark.MarkedAt)
}

// Expire shortens the lifetime of the presence board once the session has ended.
func (s *Service) Expire(ctx context.Context, e domain.EventSessionEnded) error {
	if err := s.redis.Expire(ctx, s.getPresenceKey(e.Report.SessionID), publishInterval*10).Err(); err != nil {
		return fmt.Errorf("expire presence: %w", err)
	}

	return nil
}

// schedulePublishPresence publishes at most one presence update per session per interval.
// Arrivals come in bursts when a QR code is shown to a classroom, so each mark does not get its own update.
// Marks that land inside a window are covered by a single trailing publish when the window closes.
func (s *Service) schedulePublishPresence(ctx context.Context, sessionID string, at time.Time) error {
	ok, err := s.redis.SetNX(ctx, s.getPresenceTimeKey(sessionID), at.UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if ok {
		return s.publishPresence(ctx, sessionID)
	}

	ok, err = s.redis.SetNX(ctx, s.getPresencePendingKey(sessionID), at.UnixMilli(), 2*publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx pending: %w", err)
	}

	if !ok {
		// Another mark already scheduled the trailing publish.
		return nil
	}

	// The handler context ends with the handler, the trailing publish outlives it.
	ctx = context.WithoutCancel(ctx)

	s.pending.Add(1)
	time.AfterFunc(publishInterval, func() {
		defer s.pending.Done()
		s.publishTrailing(ctx, sessionID)
	})

	return nil
}

func (s *Service) publishTrailing(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithTimeout(ctx, 5*publishInterval)
	defer cancel()

	// Release the pending slot first so marks arriving during the publish schedule the next one.
	if err := s.redis.Del(ctx, s.getPresencePendingKey(sessionID)).Err(); err != nil {
		slog.ErrorContext(ctx, "presence: release pending publish failed", "session", sessionID, "error", err)
	}

	if err := s.redis.Set(ctx, s.getPresenceTimeKey(sessionID), time.Now().UnixMilli(), publishInterval).Err(); err != nil {
		slog.ErrorContext(ctx, "presence: reset publish window failed", "session", sessionID, "error", err)
	}

	if err := s.publishPresence(ctx, sessionID); err != nil {
		slog.ErrorContext(ctx, "presence: trailing publish failed", "session", sessionID, "error", err)
	}
}

// Wait blocks until every scheduled trailing publish has run.
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) publishPresence(ctx context.Context, sessionID string) error {
	p, err := s.GetPresence(ctx, GetPresenceRequest{
		SessionID: sessionID,
	})
	if err != nil {
		return fmt.Errorf("get presence failed: session=%s: %w", sessionID, err)
	}

	s.eb.Publish(ctx, domain.EventPresenceUpdated{
		Presence: *p,
	})

	return nil
}

func (s *Service) getPresenceKey(session string) string {
	return fmt.Sprintf("%s:%s:presence", s.prefix, session)
}

func (s *Service) getPresenceTimeKey(session string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, session)
}

func (s *Service) getPresencePendingKey(session string) string {
	return fmt.Sprintf("%s:%s:pending", s.prefix, session)
}
