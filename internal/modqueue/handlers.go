package modqueue

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/luvio/trustengine/internal/pagination"
	"github.com/luvio/trustengine/internal/validation"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Handler provides HTTP endpoints for the moderation queue.
type Handler struct {
	service *Service
}

// NewHandler creates a new queue handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up queue routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/queue", h.List)
	r.POST("/queue", h.Enqueue)
	r.GET("/queue/:id", h.GetItem)
	r.POST("/queue/:id/assign", h.Assign)
	r.POST("/queue/:id/complete", h.Complete)
	r.POST("/queue/auto-assign", h.AutoAssign)
	r.POST("/queue/escalate", h.Escalate)
}

// List handles GET /v1/queue?status&priorityLevel&assignedTo&limit&cursor
func (h *Handler) List(c *gin.Context) {
	filter := ListFilter{
		Status:        Status(c.Query("status")),
		AssignedTo:    c.Query("assignedTo"),
		PriorityLevel: PriorityLevel(c.Query("priorityLevel")),
	}

	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageSize {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and 200",
			})
			return
		}
		limit = n
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Malformed pagination cursor",
		})
		return
	}

	items, err := h.service.List(c.Request.Context(), filter, time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list queue items",
		})
		return
	}

	// The cursor marks the last item the caller saw. Priority order can
	// shift between pages, so resume by position of that item rather
	// than by sort key.
	if cursor != nil {
		for i, item := range items {
			if item.ID == cursor.ID {
				items = items[i+1:]
				break
			}
		}
	}
	if len(items) > limit+1 {
		items = items[:limit+1]
	}
	page, next, hasMore := pagination.ComputePage(items, limit, func(v *ItemView) (time.Time, string) {
		return v.EnqueuedAt, v.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"items":      page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// Enqueue handles POST /v1/queue
func (h *Handler) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidSubjectID("subjectId", req.SubjectID),
		validation.MaxLen("contentRef", req.ContentRef, 512),
	); len(errs) > 0 {
		validation.RespondInvalid(c, errs)
		return
	}
	if !ValidSeverity(req.Severity) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Unknown severity",
		})
		return
	}

	item, err := h.service.Enqueue(c.Request.Context(), req, time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to enqueue item",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"item": item})
}

// GetItem handles GET /v1/queue/:id
func (h *Handler) GetItem(c *gin.Context) {
	view, err := h.service.Get(c.Request.Context(), c.Param("id"), time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Unknown queue item",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load queue item",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": view})
}

// AssignRequest is the payload for POST /v1/queue/:id/assign.
type AssignRequest struct {
	ReviewerID string `json:"reviewerId" binding:"required"`
}

// Assign handles POST /v1/queue/:id/assign
func (h *Handler) Assign(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	item, err := h.service.Assign(c.Request.Context(), c.Param("id"), req.ReviewerID, time.Now().UTC())
	if err != nil {
		respondQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": item})
}

// CompleteRequest is the payload for POST /v1/queue/:id/complete.
type CompleteRequest struct {
	Decision   Decision `json:"decision" binding:"required"`
	Note       string   `json:"note"`
	ReviewerID string   `json:"reviewerId" binding:"required"`
}

// Complete handles POST /v1/queue/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !ValidDecision(req.Decision) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Unknown decision",
		})
		return
	}

	item, err := h.service.Complete(c.Request.Context(), c.Param("id"), req.Decision, req.Note, req.ReviewerID, time.Now().UTC())
	if err != nil {
		respondQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": item})
}

// AutoAssign handles POST /v1/queue/auto-assign
func (h *Handler) AutoAssign(c *gin.Context) {
	assigned, err := h.service.AutoAssign(c.Request.Context(), time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Auto-assign pass failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assigned": assigned})
}

// Escalate handles POST /v1/queue/escalate
func (h *Handler) Escalate(c *gin.Context) {
	escalated, err := h.service.EscalateStale(c.Request.Context(), time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Escalation pass failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalated": escalated})
}

func respondQueueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Unknown queue item",
		})
	case errors.Is(err, ErrCompleted):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_completed",
			"message": "Item review is already completed",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": "Item is not in an assignable state",
		})
	case errors.Is(err, ErrReviewerSaturated):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "reviewer_saturated",
			"message": "Reviewer is at maximum workload",
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Concurrent update, retry the request",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Queue operation failed",
		})
	}
}

// RegisterAdminRoutes sets up roster management routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reviewers", h.ListReviewers)
	r.PUT("/reviewers/:id", h.UpsertReviewer)
}

// ListReviewers handles GET /v1/admin/reviewers
func (h *Handler) ListReviewers(c *gin.Context) {
	reviewers, err := h.service.Reviewers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list reviewers",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviewers": reviewers})
}

// UpsertReviewerRequest is the payload for PUT /v1/admin/reviewers/:id.
type UpsertReviewerRequest struct {
	Name   string `json:"name" binding:"required"`
	Active *bool  `json:"active"`
}

// UpsertReviewer handles PUT /v1/admin/reviewers/:id
func (h *Handler) UpsertReviewer(c *gin.Context) {
	var req UpsertReviewerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	reviewer := &Reviewer{
		ID:     c.Param("id"),
		Name:   req.Name,
		Active: active,
	}
	if err := h.service.UpsertReviewer(c.Request.Context(), reviewer, time.Now().UTC()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to save reviewer",
		})
		return
	}
	c.JSON(http.StatusOK, reviewer)
}
