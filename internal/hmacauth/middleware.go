package hmacauth

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/phonginreallife/chats/internal/apperr"
	"github.com/phonginreallife/chats/internal/logging"
)

// Context keys set on successful verification.
const (
	ContextIntegrationKey = "hmac_integration"
	ContextInternalKey    = "can_communicate_internally"
)

// HasSignature reports whether the request carries HMAC headers at all.
func HasSignature(c *gin.Context) bool {
	return c.GetHeader(SignatureHeader) != ""
}

// Middleware rejects requests whose signature does not verify. The body is
// restored so handlers can bind it again.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := Verify(c, v); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":  apperr.KindOf(err),
				"detail": apperr.DetailOf(err),
			})
			return
		}
		c.Next()
	}
}

// Verify authenticates c and marks it as an internal caller.
func Verify(c *gin.Context, v *Verifier) error {
	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(c.Request.Body)
		if err != nil {
			return apperr.Wrap(apperr.Unauthenticated, err, "NO_SIGNATURE")
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
	}

	name, err := v.Authenticate(
		c.GetHeader(IntegrationHeader),
		c.Request.Method,
		body,
		c.GetHeader(SignatureHeader),
		c.GetHeader(TimestampHeader),
	)
	if err != nil {
		logging.FromContext(c.Request.Context()).Warn("hmac authentication failed",
			"reason", apperr.DetailOf(err), "path", c.Request.URL.Path)
		return err
	}

	c.Set(ContextIntegrationKey, name)
	c.Set(ContextInternalKey, true)
	return nil
}
