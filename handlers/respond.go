package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/phonginreallife/chats/internal/apperr"
	"github.com/phonginreallife/chats/internal/logging"
)

// respondError writes err as {"error": kind, "detail": ...}. Untagged errors
// are logged and reported as INTERNAL without detail.
func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		logging.FromContext(c.Request.Context()).Error("request failed",
			"path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": apperr.Internal})
		return
	}
	c.JSON(status, gin.H{"error": kind, "detail": apperr.DetailOf(err)})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": apperr.InvalidInput, "detail": err.Error()})
}
