package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/huddle-chat/core/internal/config"
	"github.com/huddle-chat/core/internal/database"
	"github.com/huddle-chat/core/internal/middleware"
	"github.com/huddle-chat/core/internal/modules/chat"
	"github.com/huddle-chat/core/internal/modules/gateway/delivery"
	"github.com/huddle-chat/core/internal/modules/gateway/gateway"
	"github.com/huddle-chat/core/internal/modules/gateway/ws"
	"github.com/huddle-chat/core/internal/modules/presence"
	"github.com/huddle-chat/core/internal/modules/presence/gormstore"
	"github.com/huddle-chat/core/internal/modules/presence/memstore"
	"github.com/huddle-chat/core/internal/modules/presence/redisstore"
	"github.com/huddle-chat/core/internal/pkg/bus"
	pkgcron "github.com/huddle-chat/core/internal/pkg/cron"
	"github.com/huddle-chat/core/internal/pkg/jwt"
	pkgredis "github.com/huddle-chat/core/internal/pkg/redis"
	"github.com/huddle-chat/core/internal/pkg/telemetry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const serviceName = "huddle"

// App holds all application dependencies.
type App struct {
	cfg     *config.AppConfig
	router  *gin.Engine
	db      *gorm.DB
	rc      *pkgredis.Client
	bus     bus.Bus
	metrics *telemetry.Provider
	signer  *jwt.Signer
	logger  *zap.Logger

	presence *presence.Service
	delivery *delivery.Router
	hub      *gateway.Hub
	ws       *ws.Server
	chat     *chat.Service
	sched    *pkgcron.Scheduler

	cancel context.CancelFunc
}

// New initializes the application: config → DB → Redis → presence → routes.
func New(logger *zap.Logger, cfg *config.AppConfig) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := applyRuntimeSettings(cfg); err != nil {
		return nil, err
	}

	metrics := telemetry.Setup(serviceName, cfg.Cluster.NodeID)

	signer, err := jwt.NewSigner(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("jwt: %w", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	rc, err := pkgredis.Connect(cfg.RedisURL, cfg.Redis.Prefix)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	store, err := newPresenceStore(cfg, db, rc)
	if err != nil {
		return nil, err
	}
	clusterBus, err := newBus(cfg, rc, logger.Named("bus"))
	if err != nil {
		return nil, err
	}

	presenceSvc := presence.NewService(store, presence.Options{
		HeartbeatTimeout:  cfg.Presence.HeartbeatTimeout,
		ReconcileInterval: cfg.Presence.ReconcileInterval,
		OutboxSize:        cfg.Presence.OutboxSize,
		Logger:            logger.Named("presence"),
		NodeID:            cfg.Cluster.NodeID,
	})
	router := delivery.NewRouter(presenceSvc, clusterBus, cfg.Cluster.NodeID, logger.Named("delivery"))
	hub := gateway.NewHub(router, signer, cfg.Presence.HeartbeatInterval, logger.Named("socket.io"))
	wsServer := ws.NewServer(router, signer, cfg.AllowedOrigins, cfg.Presence.HeartbeatInterval, logger.Named("websocket"))
	chatSvc := chat.NewService(db, router,
		chat.WithLogger(logger.Named("chat")),
		chat.WithMaxMessageLength(cfg.Chat.MaxMessageLength),
	)

	sched := pkgcron.New(pkgcron.WithLogger(logger.Named("cron")))
	registerCronJobs(sched, presenceSvc, chatSvc, cfg)

	app := &App{
		cfg:      cfg,
		router:   newEngine(cfg, logger),
		db:       db,
		rc:       rc,
		bus:      clusterBus,
		metrics:  metrics,
		signer:   signer,
		logger:   logger,
		presence: presenceSvc,
		delivery: router,
		hub:      hub,
		ws:       wsServer,
		chat:     chatSvc,
		sched:    sched,
	}
	app.registerRoutes()
	return app, nil
}

func newEngine(cfg *config.AppConfig, logger *zap.Logger) *gin.Engine {
	if cfg.IsDev() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger.Named("http")))

	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Idempotence"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
	}
	if len(cfg.AllowedOrigins) > 0 && !cfg.IsDev() {
		corsConfig.AllowOriginFunc = allowOrigins(cfg.AllowedOrigins)
	} else {
		corsConfig.AllowOriginFunc = func(string) bool { return true }
	}
	router.Use(cors.New(corsConfig))
	return router
}

func newPresenceStore(cfg *config.AppConfig, db *gorm.DB, rc *pkgredis.Client) (presence.Store, error) {
	switch cfg.Presence.Store {
	case config.StoreDatabase:
		return gormstore.New(db), nil
	case config.StoreRedis:
		return redisstore.New(rc), nil
	case config.StoreMemory:
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unsupported presence store %q", cfg.Presence.Store)
	}
}

func newBus(cfg *config.AppConfig, rc *pkgredis.Client, logger *zap.Logger) (bus.Bus, error) {
	switch cfg.Cluster.Bus {
	case config.BusRedis:
		return bus.NewRedis(rc, cfg.Cluster.Channel, logger), nil
	case config.BusNATS:
		b, err := bus.ConnectNATS(cfg.Cluster.NATSURL, serviceName+"-"+cfg.Cluster.NodeID, cfg.Cluster.Channel, logger)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		return b, nil
	case config.BusNone:
		return bus.NewLocal(), nil
	default:
		return nil, fmt.Errorf("unsupported cluster bus %q", cfg.Cluster.Bus)
	}
}

// Start recovers presence, subscribes to the bus and starts the scheduler.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.presence.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("presence: %w", err)
	}
	if err := a.delivery.Start(ctx); err != nil {
		cancel()
		return err
	}
	a.sched.Start(ctx)
	return nil
}

// Addr returns the listen address.
func (a *App) Addr() string { return fmt.Sprintf(":%d", a.cfg.Port) }

// Router returns the HTTP handler.
func (a *App) Router() http.Handler { return a.router }

// CloseTransports disconnects every socket and detaches its session.
func (a *App) CloseTransports() {
	a.hub.Close()
	a.ws.Close()
}

// Shutdown stops background work, persists the final presence state and
// releases connections. It should run after CloseTransports and after the
// HTTP server stopped.
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.sched.Wait()

	var errs []error
	if err := a.presence.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("presence: %w", err))
	}
	if err := a.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bus: %w", err))
	}
	if err := a.metrics.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	}
	if err := a.rc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis: %w", err))
	}
	if err := database.Close(a.db); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	return errors.Join(errs...)
}

var processStart = time.Now()
