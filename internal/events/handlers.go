package events

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/luvio/trustengine/internal/accounts"
	"github.com/luvio/trustengine/internal/counterstore"
	"github.com/luvio/trustengine/internal/modqueue"
	"github.com/luvio/trustengine/internal/ratelimit"
	"github.com/luvio/trustengine/internal/risk"
	"github.com/luvio/trustengine/internal/validation"
)

// Handler provides HTTP endpoints for event ingestion.
type Handler struct {
	service *Service
}

// NewHandler creates a new events handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up event ingestion routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/events/purchase-validated", h.PurchaseValidated)
	r.POST("/events/content-flagged", h.ContentFlagged)
	r.POST("/events/user-warned", h.UserWarned)
}

// PurchaseValidated handles POST /v1/events/purchase-validated
func (h *Handler) PurchaseValidated(c *gin.Context) {
	var ev PurchaseValidated
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidSubjectID("subjectId", ev.SubjectID),
	); len(errs) > 0 {
		validation.RespondInvalid(c, errs)
		return
	}

	result, admission, err := h.service.HandlePurchaseValidated(c.Request.Context(), ev, time.Now().UTC())
	if err != nil {
		respondEventError(c, admission, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ContentFlagged handles POST /v1/events/content-flagged
func (h *Handler) ContentFlagged(c *gin.Context) {
	var ev ContentFlagged
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !modqueue.ValidSeverity(ev.Severity) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_severity",
			"message": "Severity must be one of: low, medium, high, critical",
		})
		return
	}

	item, admission, err := h.service.HandleContentFlagged(c.Request.Context(), ev, time.Now().UTC())
	if err != nil {
		respondEventError(c, admission, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

// UserWarned handles POST /v1/events/user-warned
func (h *Handler) UserWarned(c *gin.Context) {
	var ev UserWarned
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, admission, err := h.service.HandleUserWarned(c.Request.Context(), ev, time.Now().UTC())
	if err != nil {
		respondEventError(c, admission, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func respondEventError(c *gin.Context, admission ratelimit.Result, err error) {
	switch {
	case errors.Is(err, ErrRateLimited):
		c.Header("Retry-After", strconv.FormatInt(admission.RetryAfterSeconds(), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":             "rate_limited",
			"message":           "Too many events for this subject",
			"retryAfterSeconds": admission.RetryAfter.Seconds(),
		})
	case errors.Is(err, accounts.ErrSuspended):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "account_suspended",
			"message": "Subject account is suspended",
		})
	case errors.Is(err, risk.ErrReceiptReplayed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "receipt_replayed",
			"message": "Transaction has already been redeemed",
		})
	case errors.Is(err, counterstore.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Backing store is unavailable",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to process event",
		})
	}
}
