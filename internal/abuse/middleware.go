package abuse

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/consignguard/internal/identity"
	"github.com/mbd888/consignguard/internal/metrics"
)

// Middleware guards the remaining handler chain with action. The caller's
// identity comes from identity.FromGin. Any response, including 4xx and 5xx,
// counts as an attempt.
func (g *Guard) Middleware(action string) gin.HandlerFunc {
	label := g.metricAction(action)
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := identity.FromGin(c)

		if err := g.admit(ctx, action, id); err != nil {
			outcome := deniedOutcome(err)
			metrics.GuardedOperationsTotal.WithLabelValues(label, outcome).Inc()
			if outcome == "cancelled" {
				// Client went away; nobody reads this status.
				c.AbortWithStatus(http.StatusRequestTimeout)
				return
			}
			abortLimited(c, err)
			return
		}

		outcome := "panic"
		defer func() {
			g.record(ctx, action, id)
			metrics.GuardedOperationsTotal.WithLabelValues(label, outcome).Inc()
		}()

		c.Next()

		if c.Writer.Status() >= http.StatusBadRequest || len(c.Errors) > 0 {
			outcome = "error"
		} else {
			outcome = "ok"
		}
	}
}

func abortLimited(c *gin.Context, err error) {
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "rate_limited",
			"message": "Too many attempts. Please try again later.",
		})
		return
	}
	seconds := max(int(rl.RetryAfter.Seconds()), 1)
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":      "rate_limited",
		"message":    rl.UserMessage(),
		"status":     rl.Status,
		"retryAfter": seconds,
		"resetAt":    rl.ResetAt,
	})
}
