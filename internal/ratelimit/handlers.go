package ratelimit

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/luvio/trustengine/internal/validation"
)

// Handler provides HTTP endpoints for rate limit decisions.
type Handler struct {
	limiter *Limiter
}

// NewHandler creates a new rate limit handler.
func NewHandler(limiter *Limiter) *Handler {
	return &Handler{limiter: limiter}
}

// RegisterRoutes sets up rate limit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/ratelimit/check", h.Check)
	r.POST("/ratelimit/penalize", h.Penalize)
	r.GET("/ratelimit/:subject/:action", h.Remaining)
}

// CheckRequest is the payload for POST /v1/ratelimit/check.
type CheckRequest struct {
	Subject Subject `json:"subject" binding:"required"`
	Action  Action  `json:"actionType" binding:"required"`
}

// Check handles POST /v1/ratelimit/check. It consumes one unit.
func (h *Handler) Check(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidSubjectID("subject.id", req.Subject.ID),
	); len(errs) > 0 {
		validation.RespondInvalid(c, errs)
		return
	}
	if req.Subject.Tier == "" {
		req.Subject.Tier = TierStandard
	}

	res := h.limiter.Consume(c.Request.Context(), req.Subject, req.Action, time.Now().UTC())
	c.JSON(http.StatusOK, gin.H{
		"allowed":           res.Allowed,
		"remaining":         res.Remaining,
		"retryAfterSeconds": res.RetryAfterSeconds(),
		"blocked":           res.Blocked,
	})
}

// PenalizeRequest is the payload for POST /v1/ratelimit/penalize.
type PenalizeRequest struct {
	Subject         Subject `json:"subject" binding:"required"`
	Action          Action  `json:"actionType" binding:"required"`
	DurationSeconds int64   `json:"durationSeconds"`
}

// Penalize handles POST /v1/ratelimit/penalize.
func (h *Handler) Penalize(c *gin.Context) {
	var req PenalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	duration := time.Duration(req.DurationSeconds) * time.Second
	if err := h.limiter.Penalize(c.Request.Context(), req.Subject, req.Action, duration, time.Now().UTC()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "dependency_unavailable",
			"message": "Failed to record block",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": true})
}

// Remaining handles GET /v1/ratelimit/:subject/:action. Non-mutating.
func (h *Handler) Remaining(c *gin.Context) {
	subject := Subject{ID: c.Param("subject"), Tier: Tier(c.DefaultQuery("tier", string(TierStandard)))}
	action := Action(c.Param("action"))

	remaining := h.limiter.Remaining(c.Request.Context(), subject, action, time.Now().UTC())
	c.JSON(http.StatusOK, gin.H{
		"subject":   subject.ID,
		"action":    action,
		"remaining": remaining,
	})
}
