package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/attendance/internal/domain"
	"github.com/victornm/attendance/internal/errors"
	"github.com/victornm/attendance/internal/event"
	"github.com/victornm/attendance/internal/presence"
	"github.com/victornm/attendance/internal/report"
	"github.com/victornm/attendance/internal/session"
)

const defaultLiveInterval = time.Second

type Config struct {
	Router       gin.IRouter
	EventBus     *event.Bus
	Session      *session.Service
	Report       *report.Service
	Presence     *presence.Service
	Redis        Redis
	PubsubPrefix string

	// LiveInterval is how often the live feed pushes a snapshot.
	LiveInterval time.Duration
	// AllowedOrigins lists the origins allowed to open the live feed. Empty only allows same-origin requests.
	AllowedOrigins []string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	ss *session.Service
	rs *report.Service
	ps *presence.Service

	redis  Redis
	prefix string

	liveInterval time.Duration
	upgrader     websocket.Upgrader
}

func New(c Config) *API {
	a := &API{
		ss:           c.Session,
		rs:           c.Report,
		ps:           c.Presence,
		redis:        c.Redis,
		prefix:       c.PubsubPrefix,
		liveInterval: c.LiveInterval,
	}

	if a.liveInterval <= 0 {
		a.liveInterval = defaultLiveInterval
	}

	if len(c.AllowedOrigins) > 0 {
		a.upgrader.CheckOrigin = allowOrigins(c.AllowedOrigins)
	}

	// HTTP APIs
	v1 := c.Router.Group("/v1")
	v1.POST("/sessions", a.CreateSession)
	v1.GET("/sessions/:id", a.GetSnapshot)
	v1.POST("/sessions/:id/marks", a.MarkAttendance)
	v1.POST("/sessions/:id/stop", a.StopSession)
	v1.GET("/sessions/:id/report", a.GetReport)
	v1.GET("/sessions/:id/presence", a.GetPresence)
	v1.GET("/sessions/:id/live", a.Live)
	v1.GET("/teachers/:owner_id/session", a.GetActiveSession)
	v1.GET("/teachers/:owner_id/reports", a.ListReports)

	// Register event handlers
	event.On(c.EventBus, domain.EventNamePresenceUpdated, a.PublishPresenceUpdated)
	event.On(c.EventBus, domain.EventNameSessionEnded, a.PublishSessionEnded)

	return a
}

type CreateSessionRequest struct {
	OwnerID         string `json:"owner_id" binding:"required"`
	Capacity        int    `json:"capacity"`
	DurationSeconds int    `json:"duration_seconds"`
	Course          string `json:"course"`
	Class           string `json:"class"`
	Type            string `json:"type"`
	Window          string `json:"window"`
}

func (a *API) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if !bind(c, &req) {
		return
	}

	cfg, err := a.ss.CreateSession(c.Request.Context(), session.CreateSessionRequest{
		OwnerID:         req.OwnerID,
		Capacity:        req.Capacity,
		DurationSeconds: req.DurationSeconds,
		Metadata: domain.Metadata{
			Course: req.Course,
			Class:  req.Class,
			Type:   req.Type,
			Window: req.Window,
		},
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, toSession(cfg))
}

func (a *API) GetSnapshot(c *gin.Context) {
	snap, err := a.ss.GetSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, toSnapshot(snap))
}

func (a *API) GetActiveSession(c *gin.Context) {
	snap, err := a.ss.GetActiveSession(c.Request.Context(), c.Param("owner_id"))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, toSnapshot(snap))
}

type MarkAttendanceRequest struct {
	ParticipantKey *int `json:"participant_key" binding:"required"`
}

type MarkAttendanceResponse struct {
	Accepted  bool       `json:"accepted"`
	Duplicate bool       `json:"duplicate"`
	Late      bool       `json:"late"`
	MarkedAt  *time.Time `json:"marked_at,omitempty"`
}

func (a *API) MarkAttendance(c *gin.Context) {
	var req MarkAttendanceRequest
	if !bind(c, &req) {
		return
	}

	resp, err := a.ss.MarkAttendance(c.Request.Context(), session.MarkAttendanceRequest{
		SessionID:      c.Param("id"),
		ParticipantKey: *req.ParticipantKey,
	})
	if err != nil {
		abort(c, err)
		return
	}

	out := MarkAttendanceResponse{
		Accepted:  resp.Accepted,
		Duplicate: resp.Duplicate,
		Late:      resp.Late,
	}
	if !resp.Late {
		out.MarkedAt = &resp.Mark.MarkedAt
	}

	c.JSON(http.StatusOK, out)
}

type StopSessionRequest struct {
	OwnerID string `json:"owner_id" binding:"required"`
}

func (a *API) StopSession(c *gin.Context) {
	var req StopSessionRequest
	if !bind(c, &req) {
		return
	}

	r, err := a.ss.StopSession(c.Request.Context(), session.StopSessionRequest{
		SessionID: c.Param("id"),
		OwnerID:   req.OwnerID,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, toReport(r))
}

// GetReport returns the final report as JSON, or as a CSV download with ?format=csv.
func (a *API) GetReport(c *gin.Context) {
	id := c.Param("id")

	r, err := a.ss.GetReport(c.Request.Context(), id)
	if err != nil {
		abort(c, err)
		return
	}

	switch c.DefaultQuery("format", "json") {
	case "json":
		c.JSON(http.StatusOK, toReport(r))
	case "csv":
		c.Header("Content-Disposition", `attachment; filename="attendance-`+id+`.csv"`)
		c.Header("Content-Type", "text/csv; charset=utf-8")
		c.Status(http.StatusOK)
		if err := report.WriteCSV(c.Writer, r); err != nil {
			slog.ErrorContext(c.Request.Context(), "api: write csv failed", "session", id, "error", err)
		}
	default:
		abort(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unsupported format: %s", c.Query("format"))))
	}
}

func (a *API) GetPresence(c *gin.Context) {
	p, err := a.ps.GetPresence(c.Request.Context(), presence.GetPresenceRequest{
		SessionID: c.Param("id"),
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, toPresence(p))
}

func (a *API) ListReports(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid limit: %s", c.Query("limit"))))
		return
	}

	hs, err := a.rs.ListReports(c.Request.Context(), report.ListReportsRequest{
		OwnerID: c.Param("owner_id"),
		Limit:   limit,
	})
	if err != nil {
		abort(c, err)
		return
	}

	out := make([]ReportHeader, 0, len(hs))
	for _, h := range hs {
		out = append(out, toReportHeader(h))
	}

	c.JSON(http.StatusOK, gin.H{"reports": out})
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid request: %v", err),
			errors.WithCause(err),
		))
		return false
	}

	return true
}

func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: request failed",
			"path", c.FullPath(),
			"error", err,
		)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}
