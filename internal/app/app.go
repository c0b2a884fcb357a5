// Package app builds the shared object graph used by the API server, the
// worker process and the ops CLI.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"github.com/phonginreallife/chats/authz"
	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/clock"
	"github.com/phonginreallife/chats/internal/config"
	"github.com/phonginreallife/chats/internal/realtime"
	"github.com/phonginreallife/chats/internal/storage"
	"github.com/phonginreallife/chats/services"
)

type App struct {
	Config config.Config
	Logger *slog.Logger
	Clock  clock.Clock

	PG    *sql.DB
	Redis *redis.Client
	Store storage.ObjectStore
	Hub   *realtime.Hub
	// Bridge is nil without redis; events then stay in this process.
	Bridge *realtime.RedisBridge

	Authz         *authz.SimpleAuthorizer
	Tokens        *authz.TokenService
	ProjectTokens *authz.ProjectTokens

	Cache        services.Cache
	Callbacks    *services.CallbackDispatcher
	Notifier     *services.RoomNotifier
	Hours        *services.WorkingHoursService
	InService    *services.InServiceCounter
	Rooms        *services.RoomService
	Messages     *services.MessageService
	Statuses     *services.MessageStatusBatcher
	Media        *services.MediaService
	AutoMessages *services.AutomaticMessageService
	Push         *services.PushService
	Metrics      *services.MetricsService
	Archive      *services.ArchiveService
	Holidays     *services.HolidayService
	Reconciler   *services.Reconciler
	// RoutingQueue is nil without redis; routing jobs then run inline.
	RoutingQueue *services.RedisRoutingQueue
}

// New connects to postgres, redis and the object store and wires every
// service. Redis and minio are optional: without them the in-memory cache,
// rate-limit store and object store are used, which only suits a single
// process.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Clock: clock.Real()}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable (or config) is required")
	}
	pg, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.PG = pg

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			pg.Close()
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		logger.Info("connected to redis")
	} else {
		logger.Warn("REDIS_URL not set, using in-process cache and routing")
	}

	if cfg.Minio.Endpoint != "" {
		store, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
			PublicURL: cfg.Minio.PublicURL,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Store = store
	} else {
		logger.Warn("MINIO_ENDPOINT not set, media is kept in memory")
		a.Store = storage.NewMemoryStore()
	}

	a.wire(ctx)
	return a, nil
}

func (a *App) wire(ctx context.Context) {
	cfg := a.Config
	clk := a.Clock

	a.Hub = realtime.NewHub()
	if a.Redis != nil {
		a.Bridge = realtime.NewRedisBridge(a.Redis)
		a.Hub.UsePublisher(a.Bridge)
		a.Cache = services.NewRedisCache(a.Redis)
		a.RoutingQueue = services.NewRedisRoutingQueue(a.Redis)
	} else {
		a.Cache = services.NewMemoryCache(clk)
	}

	a.Authz = authz.NewSimpleAuthorizer(a.PG, clk)
	a.Tokens = authz.NewTokenService(cfg.JWTSecret)
	a.ProjectTokens = authz.NewProjectTokens(a.PG)

	a.Callbacks = services.NewCallbackDispatcher(cfg.Callback, clk)
	a.Notifier = services.NewRoomNotifier(a.Hub, a.Authz, a.Callbacks)
	a.Hours = services.NewWorkingHoursService(a.PG, a.Cache, a.Authz, clk)
	a.InService = services.NewInServiceCounter(a.Cache, a.PG, clk)

	a.Rooms = services.NewRoomService(a.PG, clk, a.Authz, a.Hours, services.NewRoutingService(a.Authz), a.Notifier, a.InService)
	a.Rooms.MaxPins = cfg.MaxRoomPinsLimit
	if a.RoutingQueue != nil {
		a.Rooms.SetScheduler(a.RoutingQueue)
	} else {
		a.Rooms.SetScheduler(&services.InlineRoutingScheduler{Router: a.Rooms})
	}

	a.Push = services.NewPushService(ctx, a.PG, cfg.FirebaseCredentialsFile)
	a.Rooms.SetPush(a.Push)

	var tickets services.TicketChecker
	if flows := services.NewFlowsClient(cfg.Flows, cfg.AutomaticMessageFlowsGetTicketRetries, clk); flows.IsConfigured() {
		tickets = flows
	}
	a.AutoMessages = services.NewAutomaticMessageService(a.PG, clk, a.Notifier, tickets, cfg.UseDenormalizedAgentMessages)
	a.Rooms.SetAutoMessages(a.AutoMessages)

	a.Messages = services.NewMessageService(a.PG, clk, a.Notifier, a.Store)
	a.Messages.SetAutoMessages(a.AutoMessages)
	a.Statuses = services.NewMessageStatusBatcher(a.PG, clk, a.Authz, a.Notifier,
		cfg.MessageBulkSize, cfg.MessageStatusMaxRetries, cfg.MessageStatusRetryDelay)
	a.Media = services.NewMediaService(a.PG, a.Store, services.FFmpegTranscoder{Path: cfg.FFmpegPath}, cfg.UnpermittedAudioTypes)
	a.Metrics = services.NewMetricsService(a.PG)
	a.Archive = services.NewArchiveService(a.PG, a.Store, clk,
		cfg.ArchiveChatsMaxRooms, cfg.ArchiveChatsMaxHour, cfg.ArchiveChatsBatchSize)
	a.Holidays = services.NewHolidayService(a.PG, services.DefaultHolidayCalendar())
	a.Reconciler = services.NewReconciler(a.PG, clk, 0)
}

// WSOptions are the websocket heartbeat settings.
func (a *App) WSOptions() realtime.ConnOptions {
	return realtime.ConnOptions{
		PingInterval: a.Config.WSPingInterval,
		PingTimeout:  a.Config.WSPingTimeout,
		Clock:        a.Clock,
	}
}

// Drain waits for background sends started by requests.
func (a *App) Drain() {
	if a.AutoMessages != nil {
		a.AutoMessages.Wait()
	}
	if a.Callbacks != nil {
		a.Callbacks.Wait()
	}
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.PG != nil {
		_ = a.PG.Close()
	}
}
