// Package health serves liveness, gateway stats, scheduler admin and the
// metrics snapshot.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huddle-chat/core/internal/modules/gateway/delivery"
	"github.com/huddle-chat/core/internal/modules/presence"
	"github.com/huddle-chat/core/internal/pkg/cron"
	pkgredis "github.com/huddle-chat/core/internal/pkg/redis"
	"github.com/huddle-chat/core/internal/pkg/response"
	"github.com/huddle-chat/core/internal/pkg/telemetry"
	"gorm.io/gorm"
)

const pingTimeout = 2 * time.Second

// Deps are the components inspected by the health endpoints. Redis and
// Metrics may be nil.
type Deps struct {
	DB       *gorm.DB
	Redis    *pkgredis.Client
	Sched    *cron.Scheduler
	Presence *presence.Service
	Router   *delivery.Router
	Metrics  *telemetry.Provider
	NodeID   string
}

func RegisterRoutes(rg *gin.RouterGroup, deps Deps, authMW gin.HandlerFunc) {
	rg.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
		defer cancel()

		dbOK := pingDB(ctx, deps.DB)
		redisOK := deps.Redis == nil || deps.Redis.Ping(ctx) == nil

		status := "ok"
		code := http.StatusOK
		if !dbOK || !redisOK {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		c.JSON(code, gin.H{
			"status":   status,
			"node":     deps.NodeID,
			"database": dbOK,
			"redis":    redisOK,
			"presence": deps.Presence.Stats(),
		})
	})

	rg.GET("/gateway/stats", authMW, func(c *gin.Context) {
		stats := deps.Presence.Stats()
		response.OK(c, gin.H{
			"node":        deps.NodeID,
			"connections": stats.Connections,
			"users":       stats.Users,
			"transports":  deps.Router.Stats(),
		})
	})

	rg.GET("/metrics", authMW, func(c *gin.Context) {
		if deps.Metrics == nil {
			response.ServiceUnavailable(c, "metrics disabled")
			return
		}
		points, err := deps.Metrics.Snapshot(c.Request.Context())
		if err != nil {
			response.InternalError(c, err)
			return
		}
		response.OK(c, points)
	})

	cronGroup := rg.Group("/health/cron", authMW)
	{
		cronGroup.GET("", func(c *gin.Context) {
			items := deps.Sched.List()
			byName := make(map[string]cron.ListItem, len(items))
			for _, item := range items {
				byName[item.Name] = item
			}
			response.OK(c, byName)
		})

		cronGroup.POST("/run/:name", func(c *gin.Context) {
			result, err := deps.Sched.RunNow(c.Request.Context(), c.Param("name"))
			if err != nil {
				response.NotFoundMsg(c, err.Error())
				return
			}
			response.OK(c, result)
		})

		cronGroup.GET("/task/:name", func(c *gin.Context) {
			result, err := deps.Sched.GetTask(c.Param("name"))
			if err != nil {
				response.NotFoundMsg(c, err.Error())
				return
			}
			response.OK(c, result)
		})
	}
}

func pingDB(ctx context.Context, db *gorm.DB) bool {
	if db == nil {
		return false
	}
	sqlDB, err := db.DB()
	return err == nil && sqlDB.PingContext(ctx) == nil
}
