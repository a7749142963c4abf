package app

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huddle-chat/core/internal/middleware"
	"github.com/huddle-chat/core/internal/modules/auth/user"
	"github.com/huddle-chat/core/internal/modules/chat"
	"github.com/huddle-chat/core/internal/modules/gateway/gateway"
	"github.com/huddle-chat/core/internal/modules/gateway/ws"
	"github.com/huddle-chat/core/internal/modules/presence"
	"github.com/huddle-chat/core/internal/modules/system/health"
	"github.com/huddle-chat/core/internal/modules/system/servertime"
	"github.com/huddle-chat/core/internal/pkg/response"
)

const apiPrefix = "/api/v1"

func (a *App) registerRoutes() {
	r := a.router
	authMW := middleware.Auth(a.signer)

	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c)
	})
	r.NoMethod(func(c *gin.Context) {
		response.MethodNotAllowed(c)
	})

	// Socket transports authenticate in their own handshake.
	root := r.Group("")
	gateway.RegisterRoutes(root, a.hub)
	ws.RegisterRoutes(root, a.ws)

	api := r.Group(apiPrefix)
	api.Use(middleware.OptionalAuth(a.signer))
	api.Use(middleware.RateLimit(a.rc, a.cfg.RateLimit))
	api.Use(middleware.Idempotence(a.rc))

	api.GET("", func(c *gin.Context) {
		response.OK(c, gin.H{
			"name":   serviceName,
			"node":   a.cfg.Cluster.NodeID,
			"uptime": humanizeDuration(time.Since(processStart)),
		})
	})

	servertime.RegisterRoutes(api, a.cfg.Presence.HeartbeatInterval)
	user.NewHandler(user.NewService(a.db, a.signer)).RegisterRoutes(api, authMW)
	presence.NewHandler(a.presence).RegisterRoutes(api, authMW)
	chat.NewHandler(a.chat).RegisterRoutes(api, authMW)
	health.RegisterRoutes(api, health.Deps{
		DB:       a.db,
		Redis:    a.rc,
		Sched:    a.sched,
		Presence: a.presence,
		Router:   a.delivery,
		Metrics:  a.metrics,
		NodeID:   a.cfg.Cluster.NodeID,
	}, authMW)
}
