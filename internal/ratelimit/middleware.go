package ratelimit

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/phonginreallife/chats/internal/apperr"
	"github.com/phonginreallife/chats/internal/logging"
)

// IdentityFunc names the caller of c and reports whether it may
// communicate internally.
type IdentityFunc func(c *gin.Context) (identity string, internal bool)

// Middleware applies every limiter in order; the first one that refuses
// aborts with RATE_LIMITED. Store failures let the request through.
func Middleware(identify IdentityFunc, limiters ...*Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, internal := identify(c)
		for _, l := range limiters {
			ok, err := l.Allow(c.Request.Context(), identity, internal)
			if err != nil {
				logging.FromContext(c.Request.Context()).Error("rate limit store failed",
					"scope", l.Scope, "error", err)
				continue
			}
			if !ok {
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"error":  apperr.RateLimited,
					"detail": l.Scope,
				})
				return
			}
		}
		c.Next()
	}
}
