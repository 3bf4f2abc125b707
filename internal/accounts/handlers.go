package accounts

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for account state.
type Handler struct {
	service *Service
}

// NewHandler creates a new accounts handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up account routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id", h.GetAccount)
}

// RegisterAdminRoutes sets up admin-only account routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:id/suspend", h.Suspend)
	r.POST("/accounts/:id/reinstate", h.Reinstate)
}

// GetAccount handles GET /v1/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	account, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Unknown subject",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load account",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account})
}

// SuspendRequest is the payload for POST /v1/admin/accounts/:id/suspend.
type SuspendRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Suspend handles POST /v1/admin/accounts/:id/suspend
func (h *Handler) Suspend(c *gin.Context) {
	var req SuspendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.service.Suspend(c.Request.Context(), c.Param("id"), req.Reason, time.Now().UTC()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to suspend account",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"suspended": true})
}

// Reinstate handles POST /v1/admin/accounts/:id/reinstate
func (h *Handler) Reinstate(c *gin.Context) {
	err := h.service.Reinstate(c.Request.Context(), c.Param("id"), time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Unknown subject",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to reinstate account",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reinstated": true})
}
