package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/victornm/attendance/internal/api"
	"github.com/victornm/attendance/internal/event"
	"github.com/victornm/attendance/internal/presence"
	"github.com/victornm/attendance/internal/report"
	"github.com/victornm/attendance/internal/session"
	"github.com/victornm/attendance/internal/telemetry"
)

const healthService = "attendance"

type Config struct {
	Log struct {
		Level string
	}

	HTTP struct {
		Port           int32
		AllowedOrigins []string
	}

	GRPC struct {
		Port int32
	}

	Redis struct {
		Presence struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Report struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Event struct {
		PoolSize int
		Timeout  time.Duration
	}

	Session struct {
		Teachers         []string
		AllowedDurations []int
		TickInterval     time.Duration
		Retention        time.Duration
		LiveInterval     time.Duration
	}
}

// DefaultConfig returns the values used for keys missing from the config file.
func DefaultConfig() Config {
	var c Config
	c.Log.Level = "info"
	c.HTTP.Port = 8080
	c.GRPC.Port = 8081
	c.Event.PoolSize = 1000
	c.Event.Timeout = 10 * time.Second
	c.Session.AllowedDurations = []int{120, 180, 240, 300}
	c.Session.TickInterval = time.Second
	c.Session.Retention = 5 * time.Minute
	c.Session.LiveInterval = time.Second
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			presence redis.UniversalClient
			pubsub   redis.UniversalClient
		}

		postgres struct {
			report *pgxpool.Pool
		}
	}

	service struct {
		session  *session.Service
		report   *report.Service
		presence *presence.Service
	}

	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus(
		event.WithPoolSize(c.Event.PoolSize),
		event.WithTimeout(c.Event.Timeout),
	)

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.presence, err = connect(s.c.Redis.Presence.Addrs, s.c.Redis.Presence.Pass)
	if err != nil {
		return fmt.Errorf("presence: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

// initPostgres connects the report database. Without an address, reports are kept in memory only.
func (s *Server) initPostgres() (err error) {
	pc := s.c.Postgres.Report
	if pc.Addr == "" {
		slog.Warn("server: postgres report address not set, reports will be kept in memory")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", pc.User, pc.Pass, pc.Addr, pc.Name))
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return fmt.Errorf("report: %w", err)
	}

	s.infra.postgres.report = db
	return nil
}

func (s *Server) initService() error {
	var store report.Store = report.NewMemoryStore()
	if db := s.infra.postgres.report; db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ps := report.NewPostgresStore(db)
		if err := ps.Migrate(ctx); err != nil {
			return fmt.Errorf("report: %w", err)
		}
		store = ps
	}

	s.service.report = report.NewService(report.Config{
		EventBus: s.eb,
		Store:    store,
	})

	s.service.presence = presence.NewService(presence.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.presence,
		Prefix:   s.c.Redis.Presence.Prefix,
	})

	s.service.session = session.NewService(session.Config{
		EventBus:         s.eb,
		Reports:          s.service.report,
		Teachers:         s.c.Session.Teachers,
		AllowedDurations: s.c.Session.AllowedDurations,
		TickInterval:     s.c.Session.TickInterval,
		Retention:        s.c.Session.Retention,
	})

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor()...)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	api.New(api.Config{
		Router:         e,
		EventBus:       s.eb,
		Session:        s.service.session,
		Report:         s.service.report,
		Presence:       s.service.presence,
		Redis:          s.infra.redis.pubsub,
		PubsubPrefix:   s.c.Redis.Pubsub.Prefix,
		LiveInterval:   s.c.Session.LiveInterval,
		AllowedOrigins: s.c.HTTP.AllowedOrigins,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	s.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

// Shutdown stops accepting requests, ends running sessions so their reports are saved, then releases infra.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}
	s.grpc.GracefulStop()

	s.service.session.Shutdown()
	s.eb.Stop()
	// Trailing presence publishes fire after the bus drained and publish once more.
	s.service.presence.Wait()
	s.eb.Stop()

	if err := s.infra.redis.presence.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close redis presence failed", "error", err)
	}
	if err := s.infra.redis.pubsub.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close redis pubsub failed", "error", err)
	}
	if s.infra.postgres.report != nil {
		s.infra.postgres.report.Close()
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
