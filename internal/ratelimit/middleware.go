package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// SubjectFunc derives the limited subject from a request.
type SubjectFunc func(c *gin.Context) Subject

// ByClientIP limits anonymous traffic per source address.
func ByClientIP(c *gin.Context) Subject {
	return Subject{ID: "ip:" + c.ClientIP(), Tier: TierStandard}
}

// RequireQuota returns middleware that consumes one unit of the
// subject's quota for an action and rejects with 429 when exhausted.
func (l *Limiter) RequireQuota(action Action, subjectFn SubjectFunc) gin.HandlerFunc {
	if subjectFn == nil {
		subjectFn = ByClientIP
	}
	return func(c *gin.Context) {
		res := l.Consume(c.Request.Context(), subjectFn(c), action, time.Now().UTC())
		if !res.Allowed {
			c.Header("Retry-After", strconv.FormatInt(res.RetryAfterSeconds(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate_limit_exceeded",
				"message":           "Too many requests",
				"retryAfterSeconds": res.RetryAfterSeconds(),
			})
			return
		}
		c.Next()
	}
}
