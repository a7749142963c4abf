package presence

import (
	"github.com/gin-gonic/gin"
	"github.com/huddle-chat/core/internal/pkg/response"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/presence", authMW)
	g.GET("/online", h.listOnline)
	g.GET("/:userId", h.getStatus)
}

func (h *Handler) getStatus(c *gin.Context) {
	rec, err := h.svc.Status(c.Request.Context(), c.Param("userId"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, rec)
}

func (h *Handler) listOnline(c *gin.Context) {
	records, err := h.svc.Online(c.Request.Context())
	if err != nil {
		response.InternalError(c, err)
		return
	}
	if records == nil {
		records = []PresenceRecord{}
	}
	response.OK(c, records)
}
