// Package httpapi exposes the push webhook and the admin endpoints over gin.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-sync/internal/jobs"
	"github.com/Martian-dev/inbox-sync/internal/mailbox"
	"github.com/Martian-dev/inbox-sync/internal/model"
	"github.com/Martian-dev/inbox-sync/internal/recovery"
	msync "github.com/Martian-dev/inbox-sync/internal/sync"
	"github.com/Martian-dev/inbox-sync/internal/webhook"
)

const maxPushBody = 1 << 20

type PushVerifier interface {
	Verify(r *http.Request) error
}

type NotificationProcessor interface {
	Process(ctx context.Context, n webhook.Notification) (webhook.Outcome, error)
}

// Recovery is the slice of recovery.Service the API drives.
type Recovery interface {
	HandleWebhookFailure(ctx context.Context, accountID string, cause error) (bool, error)
	RestorePush(ctx context.Context, accountID string) error
	DailyReport(ctx context.Context, day time.Time) (model.StatusReport, error)
}

type TaskRunner interface {
	Tick(ctx context.Context, name string) (recovery.Batch, error)
}

type FullSyncer interface {
	FullSync(ctx context.Context, accountID string) (msync.SyncResult, error)
}

type DeadLetterLister interface {
	DeadLetters(ctx context.Context, limit int) ([]jobs.DeadLetter, error)
}

// Deps are the collaborators of the server. Admin routes are mounted only
// when AdminToken is set.
type Deps struct {
	Production  bool
	AdminToken  string
	Verifier    PushVerifier
	Processor   NotificationProcessor
	Recovery    Recovery
	Tasks       TaskRunner
	Syncer      FullSyncer
	DeadLetters DeadLetterLister
	Health      func(ctx context.Context) error
}

type Server struct {
	deps   Deps
	engine *gin.Engine
	logger zerolog.Logger
	now    func() time.Time
}

func NewServer(deps Deps, logger zerolog.Logger) *Server {
	if deps.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		deps:   deps,
		engine: gin.New(),
		logger: logger.With().Str("component", "http").Logger(),
		now:    time.Now,
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

// WithClock replaces the time source used for report defaults.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)
	s.engine.POST("/webhooks/:provider", s.webhook)

	if s.deps.AdminToken == "" {
		return
	}
	admin := s.engine.Group("/admin")
	admin.Use(s.adminAuth())
	admin.POST("/recovery/:task", s.runTask)
	admin.GET("/report", s.report)
	admin.GET("/dead-letters", s.deadLetters)
	admin.POST("/accounts/:id/full-sync", s.fullSync)
	admin.POST("/accounts/:id/restore-push", s.restorePush)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := s.logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = s.logger.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		if token == "" || token == h || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.AdminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	if s.deps.Health != nil {
		if err := s.deps.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// webhook acknowledges a push once it is enqueued, absorbed or durably
// recorded as failed. Only failures that left no trace return 500 so the
// provider redelivers.
func (s *Server) webhook(c *gin.Context) {
	if c.Param("provider") != string(mailbox.ProviderGoogle) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unsupported provider"})
		return
	}
	if err := s.deps.Verifier.Verify(c.Request); err != nil {
		s.logger.Warn().Err(err).Msg("push request rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPushBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	n, err := webhook.DecodeEnvelope(body, s.now())
	if err != nil {
		s.logger.Warn().Err(err).Msg("malformed push envelope")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	outcome, err := s.deps.Processor.Process(ctx, n)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"status": outcome.String()})
		return
	}

	var perr *webhook.ProcessError
	if !errors.As(err, &perr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	if perr.AccountID != "" && s.deps.Recovery != nil {
		if _, ferr := s.deps.Recovery.HandleWebhookFailure(context.WithoutCancel(ctx), perr.AccountID, perr.Err); ferr != nil {
			s.logger.Error().Err(ferr).Str("account_id", perr.AccountID).Msg("record webhook failure")
		}
	}
	if perr.Recorded {
		c.JSON(http.StatusOK, gin.H{"status": outcome.String(), "event_id": perr.EventID})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
}

func (s *Server) runTask(c *gin.Context) {
	b, err := s.deps.Tasks.Tick(c.Request.Context(), c.Param("task"))
	switch {
	case eris.Is(err, recovery.ErrUnknownTask):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case eris.Is(err, recovery.ErrTaskBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "batch": b})
	default:
		c.JSON(http.StatusOK, b)
	}
}

type reportResponse struct {
	From                 time.Time                 `json:"from"`
	To                   time.Time                 `json:"to"`
	Counts               map[model.EventStatus]int `json:"counts"`
	Total                int                       `json:"total"`
	MeanProcessingTimeMs float64                   `json:"meanProcessingTimeMs"`
}

func (s *Server) report(c *gin.Context) {
	day := s.now().UTC().Add(-24 * time.Hour)
	if q := c.Query("day"); q != "" {
		t, err := time.Parse(time.DateOnly, q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "day must be YYYY-MM-DD"})
			return
		}
		day = t
	}
	r, err := s.deps.Recovery.DailyReport(c.Request.Context(), day)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, reportResponse{
		From:                 r.From,
		To:                   r.To,
		Counts:               r.Counts,
		Total:                r.Total,
		MeanProcessingTimeMs: r.MeanProcessingTimeMs,
	})
}

func (s *Server) deadLetters(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}
	dead, err := s.deps.DeadLetters.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if dead == nil {
		dead = []jobs.DeadLetter{}
	}
	c.JSON(http.StatusOK, dead)
}

func (s *Server) fullSync(c *gin.Context) {
	res, err := s.deps.Syncer.FullSync(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) restorePush(c *gin.Context) {
	if err := s.deps.Recovery.RestorePush(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "push restored"})
}

func statusFor(err error) int {
	if eris.Is(err, model.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
