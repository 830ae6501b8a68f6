package sessions

import (
	"errors"
	"net/url"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/session"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/log"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/router"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/validation"
)

// Controller is the slot lifecycle as the HTTP API sees it.
type Controller interface {
	Statuses() []session.Status
	Status(id int) (session.Status, error)
	Reconnect(id int) error
	Logout(id int) error
	OpenConversation(id int, chat string) error
	CloseConversation(id int) error
}

// Cache is the read side of the conversation store.
type Cache interface {
	Conversations(slot int) []session.Summary
	Conversation(slot int, chat string) (session.Conversation, bool)
	Unread(slot int) session.Unread
}

// Handler serves the slot routes. Register Resolve in front of every
// handler that takes an :id param.
type Handler struct {
	ctl   Controller
	cache Cache
}

func New(ctl Controller, cache Cache) *Handler {
	return &Handler{ctl: ctl, cache: cache}
}

// Mount registers the slot routes on r.
func (h *Handler) Mount(r fiber.Router) {
	r.Get("/", h.List)
	slot := r.Group("/:id", h.Resolve)
	slot.Get("/", h.Get)
	slot.Get("/conversations", h.Conversations)
	slot.Post("/conversations/close", h.CloseConversation)
	slot.Get("/conversations/:chat", h.Conversation)
	slot.Post("/conversations/:chat/open", h.OpenConversation)
	slot.Post("/reconnect", h.Reconnect)
	slot.Post("/logout", h.Logout)
}

// Detail is one slot with its unread badge.
type Detail struct {
	session.Status
	Unread session.Unread `json:"unread"`
}

// List
// @Summary     List Session Slots
// @Description Get the connection status of every slot
// @Tags        Sessions
// @Produce     json
// @Success     200 {object} router.Response
// @Router      /api/sessions [get]
func (h *Handler) List(c *fiber.Ctx) error {
	statuses := h.ctl.Statuses()
	details := make([]Detail, 0, len(statuses))
	for _, st := range statuses {
		details = append(details, Detail{Status: st, Unread: h.cache.Unread(st.Slot)})
	}
	return router.ResponseSuccessWithData(c, "", details)
}

// Get
// @Summary     Show Session Slot
// @Tags        Sessions
// @Produce     json
// @Param       id path int true "Slot"
// @Success     200 {object} router.Response
// @Failure     404 {object} router.Response
// @Router      /api/sessions/{id} [get]
func (h *Handler) Get(c *fiber.Ctx) error {
	id := slotOf(c)
	st, err := h.ctl.Status(id)
	if err != nil {
		return h.fail(c, err)
	}
	return router.ResponseSuccessWithData(c, "", Detail{Status: st, Unread: h.cache.Unread(id)})
}

// Conversations
// @Summary     List Conversations
// @Description Cached conversations of a slot, most recent first
// @Tags        Sessions
// @Produce     json
// @Param       id path int true "Slot"
// @Success     200 {object} router.Response
// @Router      /api/sessions/{id}/conversations [get]
func (h *Handler) Conversations(c *fiber.Ctx) error {
	id := slotOf(c)
	return router.ResponseSuccessWithData(c, "", h.cache.Conversations(id))
}

// Conversation
// @Summary     Show Conversation
// @Tags        Sessions
// @Produce     json
// @Param       id   path int    true "Slot"
// @Param       chat path string true "Chat JID"
// @Success     200 {object} router.Response
// @Failure     404 {object} router.Response
// @Router      /api/sessions/{id}/conversations/{chat} [get]
func (h *Handler) Conversation(c *fiber.Ctx) error {
	id := slotOf(c)
	chat, err := chatParam(c)
	if err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}
	conv, ok := h.cache.Conversation(id, chat)
	if !ok {
		return router.ResponseNotFound(c, "conversation not found")
	}
	return router.ResponseSuccessWithData(c, "", conv)
}

// OpenConversation
// @Summary     Open Conversation
// @Description Mark a conversation as being read. The new badge is pushed as an unread event
// @Tags        Sessions
// @Produce     json
// @Param       id   path int    true "Slot"
// @Param       chat path string true "Chat JID"
// @Success     202 {object} router.Response
// @Router      /api/sessions/{id}/conversations/{chat}/open [post]
func (h *Handler) OpenConversation(c *fiber.Ctx) error {
	id := slotOf(c)
	chat, err := chatParam(c)
	if err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}
	if err := h.ctl.OpenConversation(id, chat); err != nil {
		return h.fail(c, err)
	}
	return router.ResponseAccepted(c, "conversation opened")
}

// CloseConversation
// @Summary     Close Conversation
// @Tags        Sessions
// @Produce     json
// @Param       id path int true "Slot"
// @Success     202 {object} router.Response
// @Router      /api/sessions/{id}/conversations/close [post]
func (h *Handler) CloseConversation(c *fiber.Ctx) error {
	id := slotOf(c)
	if err := h.ctl.CloseConversation(id); err != nil {
		return h.fail(c, err)
	}
	return router.ResponseAccepted(c, "conversation closed")
}

// Reconnect
// @Summary     Reconnect Session Slot
// @Description Drop the current connection and create a new one, also for logged out slots
// @Tags        Sessions
// @Produce     json
// @Param       id path int true "Slot"
// @Success     202 {object} router.Response
// @Router      /api/sessions/{id}/reconnect [post]
func (h *Handler) Reconnect(c *fiber.Ctx) error {
	id := slotOf(c)
	if err := h.ctl.Reconnect(id); err != nil {
		return h.fail(c, err)
	}
	log.SlotOp(id, "reconnect").Info("Reconnect requested")
	return router.ResponseAccepted(c, "reconnect scheduled")
}

// Logout
// @Summary     Logout Session Slot
// @Description Unlink the device and stop the slot until it is reconnected
// @Tags        Sessions
// @Produce     json
// @Param       id path int true "Slot"
// @Success     202 {object} router.Response
// @Router      /api/sessions/{id}/logout [post]
func (h *Handler) Logout(c *fiber.Ctx) error {
	id := slotOf(c)
	if err := h.ctl.Logout(id); err != nil {
		return h.fail(c, err)
	}
	log.SlotOp(id, "logout").Info("Logout requested")
	return router.ResponseAccepted(c, "logout scheduled")
}

const localSlot = "slot"

// Resolve parses the :id param of every slot route and rejects slots the
// controller does not know.
func (h *Handler) Resolve(c *fiber.Ctx) error {
	id, err := validation.ParseSlot(c.Params("id"))
	if err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}
	if _, err := h.ctl.Status(id); err != nil {
		return h.fail(c, err)
	}
	c.Locals(localSlot, id)
	return c.Next()
}

func slotOf(c *fiber.Ctx) int {
	id, _ := c.Locals(localSlot).(int)
	return id
}

func (h *Handler) fail(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, session.ErrUnknownSlot):
		return router.ResponseNotFound(c, err.Error())
	case errors.Is(err, session.ErrStopped):
		return router.ResponseConflict(c, err.Error())
	default:
		return router.ResponseInternalError(c, err.Error())
	}
}

func chatParam(c *fiber.Ctx) (string, error) {
	chat, err := url.PathUnescape(c.Params("chat"))
	if err != nil {
		return "", validation.ErrInvalidChat
	}
	if err := validation.ValidateChatJID(chat); err != nil {
		return "", err
	}
	return chat, nil
}
