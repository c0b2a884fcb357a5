package authz

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/apperr"
	"github.com/phonginreallife/chats/internal/logging"
)

// Context keys
const (
	ContextKeyUserID     = "user_id"
	ContextKeyProjectID  = "project_id"
	ContextKeyPermission = "permission"
)

// BearerToken reads "Authorization: Bearer x", falling back to the Token
// query parameter used by websocket handshakes.
func BearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return c.Query("Token")
}

// AgentAuth validates the agent JWT and stores the email under user_id.
func AgentAuth(tokens *TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			abort(c, apperr.New(apperr.Unauthenticated, "Authorization header is required"))
			return
		}
		email, err := tokens.Validate(token)
		if err != nil {
			abort(c, err)
			return
		}
		c.Set(ContextKeyUserID, email)
		c.Next()
	}
}

// RequireProjectPermission resolves the caller's permission in the project
// named by the "project" query parameter or :project_id route param.
func RequireProjectPermission(az Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(ContextKeyUserID)
		if userID == "" {
			abort(c, apperr.New(apperr.Unauthenticated, "User not authenticated"))
			return
		}

		projectID := c.Param("project_id")
		if projectID == "" {
			projectID = c.Query("project")
		}
		if projectID == "" {
			abort(c, apperr.New(apperr.InvalidInput, "Project ID is required"))
			return
		}

		perm := az.PermissionOf(c.Request.Context(), userID, projectID)
		if perm == nil {
			logging.FromContext(c.Request.Context()).Info("authz denied", "user", userID, "project", projectID)
			abort(c, apperr.New(apperr.PermissionDenied, "You don't have access to this project"))
			return
		}

		c.Set(ContextKeyProjectID, projectID)
		c.Set(ContextKeyPermission, perm)
		c.Next()
	}
}

// PermissionFrom returns the permission stored by RequireProjectPermission.
func PermissionFrom(c *gin.Context) *db.ProjectPermission {
	v, ok := c.Get(ContextKeyPermission)
	if !ok {
		return nil
	}
	perm, _ := v.(*db.ProjectPermission)
	return perm
}

func abort(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	c.AbortWithStatusJSON(apperr.HTTPStatus(kind), gin.H{"error": kind, "detail": apperr.DetailOf(err)})
}
