package handlers

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/phonginreallife/chats/authz"
	"github.com/phonginreallife/chats/internal/apperr"
	"github.com/phonginreallife/chats/internal/hmacauth"
	"github.com/phonginreallife/chats/internal/ratelimit"
)

// ProjectTokenValidator resolves an external bearer token to its project.
type ProjectTokenValidator interface {
	Validate(ctx context.Context, token string) (string, error)
}

// InternalUsers lets agents listed in CHATS_INTERNAL_USERS call the external
// surface with their own bearer token.
type InternalUsers struct {
	Tokens *authz.TokenService
	emails map[string]bool
}

func NewInternalUsers(tokens *authz.TokenService, emails []string) *InternalUsers {
	u := &InternalUsers{Tokens: tokens, emails: make(map[string]bool, len(emails))}
	for _, e := range emails {
		u.emails[strings.ToLower(strings.TrimSpace(e))] = true
	}
	return u
}

// Resolve returns the email behind token when it belongs to an internal user.
func (u *InternalUsers) Resolve(token string) (string, bool) {
	if u == nil || u.Tokens == nil || len(u.emails) == 0 {
		return "", false
	}
	email, err := u.Tokens.Validate(token)
	if err != nil || !u.emails[strings.ToLower(email)] {
		return "", false
	}
	return email, true
}

// ExternalAuth accepts an HMAC signed request, a project bearer token or the
// agent token of an internal user. Signed callers and internal users may
// name any project through the "project" query parameter; project token
// callers are pinned to their project.
func ExternalAuth(tokens ProjectTokenValidator, verifier *hmacauth.Verifier, internal *InternalUsers) gin.HandlerFunc {
	return func(c *gin.Context) {
		if hmacauth.HasSignature(c) {
			if verifier == nil || !verifier.Enabled() {
				abortWith(c, hmacauth.ErrInvalidSignature)
				return
			}
			if err := hmacauth.Verify(c, verifier); err != nil {
				abortWith(c, err)
				return
			}
			if project := c.Query("project"); project != "" {
				c.Set(authz.ContextKeyProjectID, project)
			}
			c.Next()
			return
		}

		token := authz.BearerToken(c)
		if token == "" {
			abortWith(c, apperr.New(apperr.Unauthenticated, "Authorization header is required"))
			return
		}
		if email, ok := internal.Resolve(token); ok {
			c.Set(hmacauth.ContextIntegrationKey, email)
			c.Set(hmacauth.ContextInternalKey, true)
			if project := c.Query("project"); project != "" {
				c.Set(authz.ContextKeyProjectID, project)
			}
			c.Next()
			return
		}
		projectID, err := tokens.Validate(c.Request.Context(), token)
		if err != nil {
			abortWith(c, err)
			return
		}
		c.Set(authz.ContextKeyProjectID, projectID)
		c.Next()
	}
}

// ExternalIdentity names an external caller for rate limiting.
func ExternalIdentity(c *gin.Context) (string, bool) {
	if isInternal(c) {
		return "internal:" + c.GetString(hmacauth.ContextIntegrationKey), true
	}
	if project := c.GetString(authz.ContextKeyProjectID); project != "" {
		return "project:" + project, false
	}
	return "ip:" + c.ClientIP(), false
}

// AnonymousIdentity keys limits by client address before authentication.
// Correctly signed requests and internal users are recognized here so they
// never count against the anonymous scope.
func AnonymousIdentity(verifier *hmacauth.Verifier, internal *InternalUsers) ratelimit.IdentityFunc {
	return func(c *gin.Context) (string, bool) {
		if hmacauth.HasSignature(c) {
			if verifier != nil && verifier.Enabled() && hmacauth.Verify(c, verifier) == nil {
				return "internal:" + c.GetString(hmacauth.ContextIntegrationKey), true
			}
		} else if email, ok := internal.Resolve(authz.BearerToken(c)); ok {
			return "internal:" + email, true
		}
		return "ip:" + c.ClientIP(), false
	}
}

func isInternal(c *gin.Context) bool {
	return c.GetBool(hmacauth.ContextInternalKey)
}

func abortWith(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	c.AbortWithStatusJSON(apperr.HTTPStatus(kind), gin.H{"error": kind, "detail": apperr.DetailOf(err)})
}
