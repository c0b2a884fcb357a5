package router

import (
	"fmt"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/phonginreallife/chats/authz"
	"github.com/phonginreallife/chats/handlers"
	"github.com/phonginreallife/chats/internal/app"
	"github.com/phonginreallife/chats/internal/hmacauth"
	"github.com/phonginreallife/chats/internal/logging"
	"github.com/phonginreallife/chats/internal/ratelimit"
)

// NewGinRouter wires every HTTP and websocket route of the API process.
func NewGinRouter(a *app.App) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.Middleware(a.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", hmacauth.SignatureHeader, hmacauth.TimestampHeader, hmacauth.IntegrationHeader, logging.RequestIDHeader},
		ExposeHeaders:    []string{logging.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	limits, err := newExternalLimits(a)
	if err != nil {
		return nil, err
	}

	healthHandler := handlers.NewHealthHandler(a.PG, a.Redis)
	externalHandler := handlers.NewExternalHandler(a.Rooms, a.Messages, a.Statuses, a.Metrics)
	agentHandler := handlers.NewAgentHandler(a.Rooms, a.Messages, a.Media, a.Archive, a.Authz, a.InService)
	wsHandler := handlers.NewWSHandler(a.Hub, a.Tokens, a.ProjectTokens, a.Authz, a.Authz, a.InService, a.Rooms, a.WSOptions())

	verifier := hmacauth.NewVerifier(a.Config.HMACSecrets, a.Clock)
	internalUsers := handlers.NewInternalUsers(a.Tokens, a.Config.InternalUsers)

	// PUBLIC ENDPOINTS
	r.GET("/health", healthHandler.Health)

	// WEBSOCKETS (token in the query string, checked before upgrade)
	r.GET("/ws/agent/rooms", wsHandler.AgentRooms)
	r.GET("/ws/rooms/:id", wsHandler.Room)

	// EXTERNAL INTEGRATIONS (HMAC or project token)
	external := r.Group("/external")
	external.Use(ratelimit.Middleware(handlers.AnonymousIdentity(verifier, internalUsers), limits.anon))
	external.Use(handlers.ExternalAuth(a.ProjectTokens, verifier, internalUsers))
	external.Use(ratelimit.Middleware(handlers.ExternalIdentity, limits.second, limits.minute, limits.hour))
	{
		critical := ratelimit.Middleware(handlers.ExternalIdentity, limits.critical)

		external.POST("/rooms", critical, externalHandler.CreateRoom)
		external.PATCH("/rooms/:id/close", externalHandler.CloseRoom)
		external.POST("/rooms/:id/history", externalHandler.CreateHistory)
		external.GET("/rooms_metrics", externalHandler.RoomMetrics)

		external.POST("/msgs", critical, externalHandler.CreateMessage)
		external.PATCH("/msgs/:id", externalHandler.EditMessage)
		external.POST("/msgs/status", externalHandler.UpdateStatus)
	}

	// AGENT ENDPOINTS (agent JWT + project permission)
	agent := r.Group("/")
	agent.Use(authz.AgentAuth(a.Tokens))
	agent.Use(authz.RequireProjectPermission(a.Authz))
	{
		// static segment before :id
		agent.GET("/rooms/archived_media", agentHandler.ArchivedMedia)
		agent.PATCH("/rooms/bulk_transfer", agentHandler.BulkTransfer)

		rooms := agent.Group("/rooms/:id")
		{
			rooms.GET("", agentHandler.GetRoom)
			rooms.PATCH("/pick", agentHandler.PickRoom)
			rooms.PATCH("/assign", agentHandler.AssignRoom)
			rooms.PATCH("/unassign", agentHandler.UnassignRoom)
			rooms.PATCH("/transfer", agentHandler.TransferRoom)
			rooms.PATCH("/close", agentHandler.CloseRoom)
			rooms.GET("/messages", agentHandler.ListMessages)
			rooms.POST("/messages", agentHandler.CreateMessage)
			rooms.GET("/media", agentHandler.ListMedia)
			rooms.POST("/media", agentHandler.UploadMedia)
			rooms.POST("/pin", agentHandler.PinRoom)
			rooms.DELETE("/pin", agentHandler.UnpinRoom)
			rooms.POST("/notes", agentHandler.AddNote)
		}

		agent.PATCH("/permission/status", agentHandler.UpdateStatus)
	}

	return r, nil
}

type externalLimits struct {
	anon, second, minute, hour, critical *ratelimit.Limiter
}

func newExternalLimits(a *app.App) (*externalLimits, error) {
	var store ratelimit.Store
	if a.Redis != nil {
		store = ratelimit.NewRedisStore(a.Redis)
	} else {
		store = ratelimit.NewMemoryStore()
	}

	cfg := a.Config.RateLimits
	limits := &externalLimits{}
	scopes := []struct {
		scope string
		rate  string
		dest  **ratelimit.Limiter
	}{
		{ratelimit.ScopeExternalAnon, cfg.ExternalAnon, &limits.anon},
		{ratelimit.ScopeExternalSecond, cfg.ExternalSecond, &limits.second},
		{ratelimit.ScopeExternalMinute, cfg.ExternalMinute, &limits.minute},
		{ratelimit.ScopeExternalHour, cfg.ExternalHour, &limits.hour},
		{ratelimit.ScopeExternalCritical, cfg.ExternalCritical, &limits.critical},
	}
	for _, s := range scopes {
		rate, err := ratelimit.ParseRate(s.rate)
		if err != nil {
			return nil, fmt.Errorf("invalid %s rate: %w", s.scope, err)
		}
		*s.dest = ratelimit.NewLimiter(s.scope, rate, store, a.Clock)
	}
	return limits, nil
}
