package chat

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/huddle-chat/core/internal/middleware"
	"github.com/huddle-chat/core/internal/pkg/pagination"
	"github.com/huddle-chat/core/internal/pkg/response"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/chats", authMW)
	g.GET("", h.list)
	g.POST("", h.create)
	g.GET("/:id/messages", h.history)
	g.POST("/:id/messages", h.post)
	g.POST("/:id/read", h.markRead)
}

func (h *Handler) list(c *gin.Context) {
	chats, err := h.svc.ListChats(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, chats)
}

func (h *Handler) create(c *gin.Context) {
	var dto CreateChatDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	conv, err := h.svc.CreateChat(c.Request.Context(), middleware.CurrentUserID(c), &dto)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Created(c, conv)
}

func (h *Handler) history(c *gin.Context) {
	q, err := pagination.FromContext(c)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	messages, cursor, err := h.svc.History(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id"), q)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Cursored(c, messages, cursor)
}

func (h *Handler) post(c *gin.Context) {
	var dto PostMessageDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	msg, err := h.svc.PostMessage(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id"), dto.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Created(c, msg)
}

func (h *Handler) markRead(c *gin.Context) {
	if err := h.svc.MarkRead(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	response.NoContent(c)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errConversationNotFound):
		response.NotFoundMsg(c, err.Error())
	case errors.Is(err, errNotMember):
		response.ForbiddenMsg(c, err.Error())
	case errors.Is(err, errUnknownMember):
		response.UnprocessableEntity(c, err.Error())
	case errors.Is(err, errEmptyMessage), errors.Is(err, errMessageTooLong):
		response.BadRequest(c, err.Error())
	default:
		response.InternalError(c, err)
	}
}
