package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zulandar/memorybridge/internal/calendar"
	"github.com/zulandar/memorybridge/internal/confirm"
	"github.com/zulandar/memorybridge/internal/models"
	"github.com/zulandar/memorybridge/internal/pact"
	"github.com/zulandar/memorybridge/internal/session"
	"github.com/zulandar/memorybridge/internal/smart"
	"github.com/zulandar/memorybridge/internal/usage"
)

// Identity headers. Authentication happens upstream.
const (
	HeaderUser   = "X-User-ID"
	HeaderDevice = "X-Device-ID"
	HeaderTier   = "X-User-Tier"

	defaultDevice = "default"
)

const (
	ctxUser   = "user_id"
	ctxDevice = "device_id"
)

// registerRoutes sets up all API routes on the router.
func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", identity())
	api.GET("/sessions/:id", s.handleGetSession)
	api.GET("/sessions/:id/actions", s.handleListActions)

	api.POST("/actions/:id/transition", s.handleTransition)
	api.GET("/actions/:id/smart", s.handleSmart)
	api.POST("/actions/:id/calendar", s.handleCalendarUpsert)
	api.POST("/actions/:id/calendar/pull", s.handleCalendarPull)

	api.GET("/preferences", s.handleGetPreferences)
	api.PUT("/preferences", s.handlePutPreferences)
	api.DELETE("/preferences", s.handleResetPreferences)
	api.POST("/preferences/hints/:hint", s.handleDismissHint)

	api.GET("/usage", s.handleUsage)
	api.POST("/usage/comments", s.handleComments)

	api.GET("/events", s.handleEvents)
}

// identity reads the caller's user and device from the request headers.
func identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := c.GetHeader(HeaderUser)
		if user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + HeaderUser})
			return
		}
		device := c.GetHeader(HeaderDevice)
		if device == "" {
			device = defaultDevice
		}
		c.Set(ctxUser, user)
		c.Set(ctxDevice, device)
		c.Next()
	}
}

func abort(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	sqlDB, err := s.opts.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		abort(c, http.StatusServiceUnavailable, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

var errRetentionExpired = errors.New("session retention has expired")

// ownedSession loads the :id session of the caller. Sessions past their
// retention deadline are reported gone even before the sweep deletes them.
func (s *Server) ownedSession(c *gin.Context) (*models.Session, bool) {
	sess, expired, err := s.opts.Retention.CheckSession(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, session.ErrNotFound):
		abort(c, http.StatusNotFound, err)
		return nil, false
	case err != nil:
		abort(c, http.StatusInternalServerError, err)
		return nil, false
	case sess.UserID != c.GetString(ctxUser):
		abort(c, http.StatusNotFound, session.ErrNotFound)
		return nil, false
	case expired:
		abort(c, http.StatusGone, errRetentionExpired)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.ownedSession(c)
	if !ok {
		return
	}
	resp := gin.H{"session": sess}
	if sess.EndedAt != nil {
		p := s.opts.Limiter.Policy(sess.Tier)
		if left, ok := usage.Countdown(p, *sess.EndedAt, s.opts.Now()); ok {
			resp["retention_days_left"] = usage.DaysLeft(left)
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleListActions applies the stored view of the device, overridden by
// any sort/filter query parameters.
func (s *Server) handleListActions(c *gin.Context) {
	sess, ok := s.ownedSession(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	// Load logs and falls back to the default view on failure.
	q, _ := s.opts.Preferences.Load(ctx, c.GetString(ctxUser), c.GetString(ctxDevice))
	for param, field := range map[string]*string{
		"sort":     &q.Sort,
		"order":    &q.Order,
		"status":   &q.Status,
		"type":     &q.Type,
		"priority": &q.Priority,
	} {
		if v, ok := c.GetQuery(param); ok {
			*field = v
		}
	}
	q = q.Normalize()
	if err := q.Validate(); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	actions, err := s.opts.Actions.List(ctx, sess.ID)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	view, err := pact.Apply(actions, q, s.opts.Now())
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"query": q, "actions": view})
}

// ownedAction loads the :id action of the caller. Actions of a session past
// its retention deadline are gone like the session.
func (s *Server) ownedAction(c *gin.Context) (models.Action, bool) {
	a, err := s.opts.Confirm.Get(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, confirm.ErrNotFound):
		abort(c, http.StatusNotFound, err)
		return a, false
	case err != nil:
		abort(c, http.StatusInternalServerError, err)
		return a, false
	case a.UserID != c.GetString(ctxUser):
		abort(c, http.StatusNotFound, confirm.ErrNotFound)
		return a, false
	}
	_, expired, err := s.opts.Retention.CheckSession(c.Request.Context(), a.SessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		abort(c, http.StatusNotFound, confirm.ErrNotFound)
		return a, false
	case err != nil:
		abort(c, http.StatusInternalServerError, err)
		return a, false
	case expired:
		abort(c, http.StatusGone, errRetentionExpired)
		return a, false
	}
	return a, true
}

type transitionBody struct {
	To           string     `json:"to" binding:"required"`
	ModifiedText string     `json:"modified_text"`
	Reason       string     `json:"reason"`
	Notes        string     `json:"notes"`
	DueDate      *time.Time `json:"due_date"`
	StartDate    *time.Time `json:"start_date"`
}

func (s *Server) handleTransition(c *gin.Context) {
	var body transitionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	a, ok := s.ownedAction(c)
	if !ok {
		return
	}
	a, err := s.opts.Confirm.Transition(c.Request.Context(), confirm.Request{
		ActionID:     a.ID,
		To:           body.To,
		ModifiedText: body.ModifiedText,
		Reason:       body.Reason,
		Notes:        body.Notes,
		DueDate:      body.DueDate,
		StartDate:    body.StartDate,
	})
	switch {
	case errors.Is(err, confirm.ErrPayloadRequired):
		abort(c, http.StatusBadRequest, err)
	case errors.Is(err, confirm.ErrInvalidTransition):
		abort(c, http.StatusUnprocessableEntity, err)
	case errors.Is(err, confirm.ErrConflict):
		abort(c, http.StatusConflict, err)
	case errors.Is(err, confirm.ErrNotFound):
		abort(c, http.StatusNotFound, err)
	case err != nil:
		abort(c, http.StatusInternalServerError, err)
	default:
		c.JSON(http.StatusOK, a)
	}
}

func (s *Server) handleSmart(c *gin.Context) {
	a, ok := s.ownedAction(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, smart.Score(smart.FromAction(a)))
}

func (s *Server) calendarEnabled(c *gin.Context) bool {
	if s.opts.Calendar == nil {
		abort(c, http.StatusNotImplemented, errors.New("calendar is not configured"))
		return false
	}
	return true
}

func (s *Server) handleCalendarUpsert(c *gin.Context) {
	if !s.calendarEnabled(c) {
		return
	}
	a, ok := s.ownedAction(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	err := s.opts.Calendar.Upsert(ctx, a)
	switch {
	case errors.Is(err, calendar.ErrNoDate):
		abort(c, http.StatusUnprocessableEntity, err)
		return
	case err != nil:
		abort(c, http.StatusBadGateway, err)
		return
	}
	link, err := s.opts.Calendar.Link(ctx, a.ID)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"link": link})
}

func (s *Server) handleCalendarPull(c *gin.Context) {
	if !s.calendarEnabled(c) {
		return
	}
	a, ok := s.ownedAction(c)
	if !ok {
		return
	}
	a, changed, err := s.opts.Calendar.Pull(c.Request.Context(), a.ID)
	if err != nil {
		abort(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": a, "changed": changed})
}

func (s *Server) handleGetPreferences(c *gin.Context) {
	ctx := c.Request.Context()
	user, device := c.GetString(ctxUser), c.GetString(ctxDevice)
	q, err := s.opts.Preferences.Load(ctx, user, device)
	hints, herr := s.opts.Preferences.DismissedHints(ctx, user, device)
	if herr != nil {
		s.log.Warn("list dismissed hints", zap.String("user_id", user), zap.Error(herr))
	}
	if hints == nil {
		hints = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"query": q, "persisted": err == nil, "dismissed_hints": hints})
}

func (s *Server) handlePutPreferences(c *gin.Context) {
	var q pact.Query
	if err := c.ShouldBindJSON(&q); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	saved, err := s.opts.Preferences.Save(c.Request.Context(), c.GetString(ctxUser), c.GetString(ctxDevice), q)
	switch {
	case errors.Is(err, pact.ErrInvalidQuery):
		abort(c, http.StatusBadRequest, err)
	case err != nil:
		abort(c, http.StatusServiceUnavailable, err)
	default:
		c.JSON(http.StatusOK, saved)
	}
}

func (s *Server) handleResetPreferences(c *gin.Context) {
	if err := s.opts.Preferences.Reset(c.Request.Context(), c.GetString(ctxUser), c.GetString(ctxDevice)); err != nil {
		abort(c, http.StatusServiceUnavailable, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDismissHint(c *gin.Context) {
	err := s.opts.Preferences.DismissHint(c.Request.Context(), c.GetString(ctxUser), c.GetString(ctxDevice), c.Param("hint"))
	if err != nil {
		abort(c, http.StatusServiceUnavailable, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUsage(c *gin.Context) {
	user := c.GetString(ctxUser)
	rec, err := s.opts.Limiter.Current(c.Request.Context(), user)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	p := s.opts.Limiter.Policy(c.GetHeader(HeaderTier))
	d := usage.CanStart(p, usage.Usage{Recordings: rec.RecordingCount})
	remaining := usage.Unlimited
	if p.MaxRecordings > 0 {
		remaining = max(p.MaxRecordings-rec.RecordingCount, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"tier":              p.Tier,
		"period_start":      rec.PeriodStart,
		"period_end":        rec.PeriodEnd,
		"recordings":        rec.RecordingCount,
		"recording_minutes": rec.RecordingMinutes(),
		"comments":          rec.CommentCount,
		"max_recordings":    p.MaxRecordings,
		"max_duration":      p.MaxDuration.String(),
		"remaining":         remaining,
		"can_start":         d.Allowed,
	})
}

type commentsBody struct {
	Count int `json:"count"`
}

func (s *Server) handleComments(c *gin.Context) {
	var body commentsBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}
	if body.Count <= 0 {
		body.Count = 1
	}
	rec, err := s.opts.Limiter.RecordUsage(c.Request.Context(), c.GetString(ctxUser), c.GetHeader(HeaderTier),
		usage.Delta{Comments: body.Count})
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": rec.CommentCount})
}
