// Package httpapi exposes the REST surface: queue admission and withdrawal,
// queue stats, and report filing. Realtime traffic stays on the WebSocket
// server; this API covers the request/response operations.
package httpapi

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ventline/ventline/internal/backend"
	"github.com/ventline/ventline/internal/matching"
	"github.com/ventline/ventline/internal/metrics"
	"github.com/ventline/ventline/internal/moderation"
	"github.com/ventline/ventline/internal/ratelimit"
	"github.com/ventline/ventline/internal/session"
)

// API bundles the services behind the REST endpoints.
type API struct {
	matcher  *matching.Matcher
	sessions *session.Manager
	engine   *moderation.Engine
	limiter  *ratelimit.Limiter
	store    backend.Store
}

// New creates the API. The limiter may be nil to disable throttling.
func New(matcher *matching.Matcher, sessions *session.Manager, engine *moderation.Engine, limiter *ratelimit.Limiter, store backend.Store) *API {
	return &API{
		matcher:  matcher,
		sessions: sessions,
		engine:   engine,
		limiter:  limiter,
		store:    store,
	}
}

// Router builds the gin engine with all routes registered.
func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", a.handleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	{
		api.POST("/match", a.handleMatch)
		api.DELETE("/match/:participantID", a.handleWithdraw)
		api.GET("/match/stats", a.handleStats)
		api.POST("/report", a.handleReport)
	}

	return r
}

func (a *API) handleHealth(c *gin.Context) {
	status := "ok"
	if err := a.store.Ping(c.Request.Context()); err != nil {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "backend": a.store.Name()})
}

type matchRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	Role          string `json:"role" binding:"required"`
}

// handleMatch admits a participant into the queue. The response is either
// an immediate match or a queue confirmation with a wait estimate.
func (a *API) handleMatch(c *gin.Context) {
	var req matchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participant_id and role are required"})
		return
	}

	role, ok := backend.ParseRole(req.Role)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be \"speaker\" or \"listener\""})
		return
	}

	if a.limiter != nil && !a.limiter.Allow(c.Request.Context(), req.ParticipantID, ratelimit.RuleAdmit) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many admission requests"})
		return
	}

	outcome, err := a.matcher.Admit(c.Request.Context(), req.ParticipantID, role)
	if err != nil {
		var restricted *matching.RestrictedError
		switch {
		case errors.As(err, &restricted):
			c.JSON(http.StatusForbidden, gin.H{
				"error":             "restricted",
				"kind":              restricted.Kind,
				"reason":            restricted.Reason,
				"remaining_seconds": restricted.RemainingSeconds,
			})
		case errors.Is(err, matching.ErrActiveSession):
			c.JSON(http.StatusConflict, gin.H{"error": "already in an active session"})
		default:
			log.Printf("[api] admit %s: %v", req.ParticipantID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "admission failed"})
		}
		return
	}

	if outcome.Matched {
		c.JSON(http.StatusOK, gin.H{
			"status":     "matched",
			"session_id": outcome.Match.SessionID,
			"role":       string(role),
		})
		return
	}

	stats, err := a.matcher.Stats(c.Request.Context())
	if err != nil {
		log.Printf("[api] stats after admit: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{
		"status":                 "queued",
		"role":                   string(role),
		"estimated_wait_seconds": outcome.EstimatedWaitSeconds,
		"queue_depths": gin.H{
			"speakers":  stats.SpeakersWaiting,
			"listeners": stats.ListenersWaiting,
		},
	})
}

// handleWithdraw removes a waiting participant from the queue. Withdrawing
// a participant who is not queued succeeds.
func (a *API) handleWithdraw(c *gin.Context) {
	participantID := c.Param("participantID")

	removed, err := a.matcher.Withdraw(c.Request.Context(), participantID)
	if err != nil {
		log.Printf("[api] withdraw %s: %v", participantID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "withdrawal failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cancelled": removed})
}

func (a *API) handleStats(c *gin.Context) {
	stats, err := a.matcher.Stats(c.Request.Context())
	if err != nil {
		log.Printf("[api] stats: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

type reportRequest struct {
	SessionID  string `json:"session_id" binding:"required"`
	ReporterID string `json:"reporter_id" binding:"required"`
	Category   string `json:"category" binding:"required"`
}

// handleReport files a report against the reporter's counterpart. The
// session is taken down no matter what the risk analysis concludes; the
// restriction outcome rides along in the response.
func (a *API) handleReport(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id, reporter_id and category are required"})
		return
	}

	category, ok := moderation.ParseCategory(req.Category)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown report category"})
		return
	}

	if a.limiter != nil && !a.limiter.Allow(c.Request.Context(), req.ReporterID, ratelimit.RuleReport) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many reports"})
		return
	}

	rec, err := a.sessions.Get(c.Request.Context(), req.SessionID)
	if err != nil {
		log.Printf("[api] report lookup %s: %v", req.SessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if !rec.IsParticipant(req.ReporterID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "reporter is not in this session"})
		return
	}

	subjectID := rec.OtherParticipant(req.ReporterID)
	reporterRole, _ := rec.RoleOf(req.ReporterID)

	outcome, err := a.engine.ProcessReport(c.Request.Context(), subjectID, req.SessionID, category, reporterRole)
	if err != nil {
		log.Printf("[api] report against %s: %v", subjectID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}

	// The session ends regardless of what the analysis decided.
	if err := a.sessions.Takedown(c.Request.Context(), req.SessionID); err != nil {
		log.Printf("[api] takedown %s: %v", req.SessionID, err)
	}

	resp := gin.H{
		"report_id":           outcome.Record.ID,
		"session_ended":       true,
		"restriction_applied": outcome.Restriction != nil,
	}
	if outcome.Restriction != nil {
		resp["restriction_kind"] = string(outcome.Restriction.Kind)
	}
	c.JSON(http.StatusOK, resp)
}
