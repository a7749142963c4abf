package servertime

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

var now = time.Now

// RegisterRoutes mounts the clock sync endpoint. Clients pace heartbeats
// against the server clock, so the advertised interval rides along.
func RegisterRoutes(rg *gin.RouterGroup, heartbeatInterval time.Duration) {
	rg.GET("/server-time", func(c *gin.Context) {
		received := now().UnixMilli()
		c.JSON(http.StatusOK, gin.H{
			"t2":                 received,
			"t3":                 now().UnixMilli(),
			"heartbeat_interval": heartbeatInterval.Milliseconds(),
		})
	})
}
