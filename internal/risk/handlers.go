package risk

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/luvio/trustengine/internal/validation"
)

// Handler provides HTTP endpoints for risk scoring.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new risk handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up risk routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/risk/score", h.ScoreSubject)
	r.GET("/risk/subjects/:id", h.GetProfile)
	r.POST("/risk/receipts/redeem", h.RedeemReceipt)
}

// ScoreRequest is the payload for POST /v1/risk/score.
type ScoreRequest struct {
	SubjectID string    `json:"subjectId" binding:"required"`
	Context   Context   `json:"context"`
	Now       time.Time `json:"now,omitzero"`
}

// ScoreSubject handles POST /v1/risk/score
func (h *Handler) ScoreSubject(c *gin.Context) {
	var req ScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidSubjectID("subjectId", req.SubjectID),
	); len(errs) > 0 {
		validation.RespondInvalid(c, errs)
		return
	}

	// Callers may pin the evaluation time for reproducible scoring.
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	assessment, err := h.engine.Score(c.Request.Context(), req.SubjectID, req.Context, now)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "scoring_failed",
			"message": "Failed to score subject",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"assessment": assessment})
}

// GetProfile handles GET /v1/risk/subjects/:id
func (h *Handler) GetProfile(c *gin.Context) {
	id := c.Param("id")

	profile, err := h.engine.Profile(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No risk profile for subject",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"profile": profile})
}

// RedeemRequest is the payload for POST /v1/risk/receipts/redeem.
type RedeemRequest struct {
	TransactionID string `json:"transactionId" binding:"required"`
	SubjectID     string `json:"subjectId" binding:"required"`
}

// RedeemReceipt handles POST /v1/risk/receipts/redeem
func (h *Handler) RedeemReceipt(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	err := h.engine.RedeemReceipt(c.Request.Context(), req.TransactionID, req.SubjectID)
	switch {
	case errors.Is(err, ErrReceiptReplayed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "receipt_replayed",
			"message": "Transaction id already redeemed",
		})
	case IsUnavailable(err):
		// Hard deny rules never fail open: without a consistent read we
		// cannot prove first use.
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "dependency_unavailable",
			"message": "Receipt store unavailable, try again",
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to redeem receipt",
		})
	default:
		c.JSON(http.StatusOK, gin.H{"redeemed": true})
	}
}
