package messaging

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/dispatch"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/session"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/log"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/router"
)

type Sender interface {
	Send(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

type Recorder interface {
	RecordOutbound(id int, msg session.Message)
}

type Handler struct {
	sender   Sender
	recorder Recorder
}

func New(sender Sender, recorder Recorder) *Handler {
	return &Handler{sender: sender, recorder: recorder}
}

// SendMessage
// @Summary     Send Text Message
// @Description Send a text message from a connected session slot
// @Tags        Messaging
// @Accept      json
// @Produce     json
// @Param       body body dispatch.Payload true "sessionId, to and message"
// @Success     200 {object} router.Result
// @Failure     400 {object} router.Result
// @Failure     404 {object} router.Result
// @Failure     429 {object} router.Result
// @Failure     500 {object} router.Result
// @Router      /api/send-message [post]
func (h *Handler) SendMessage(c *fiber.Ctx) error {
	var payload dispatch.Payload
	if err := c.BodyParser(&payload); err != nil {
		log.Print(c).WithError(err).Warn("Failed to parse body request")
		return router.ResponseResult(c, fiber.StatusBadRequest, router.Result{Error: "sessionId, to and message are required"})
	}
	req := payload.Request()

	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := h.sender.Send(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrInvalidRequest):
		return router.ResponseResult(c, fiber.StatusBadRequest, router.Result{Error: err.Error()})
	case errors.Is(err, dispatch.ErrSessionNotConnected):
		return router.ResponseResult(c, fiber.StatusNotFound, router.Result{Error: dispatch.ErrSessionNotConnected.Error()})
	case errors.Is(err, dispatch.ErrRateLimited):
		return router.ResponseResult(c, fiber.StatusTooManyRequests, router.Result{Error: err.Error()})
	default:
		log.SlotOp(req.Slot, "send").WithError(err).Error("Failed to send text message")
		var de *dispatch.DeliveryError
		if errors.As(err, &de) {
			err = de.Err
		}
		return router.ResponseResult(c, fiber.StatusInternalServerError, router.Result{Error: err.Error()})
	}

	h.recorder.RecordOutbound(req.Slot, dispatch.Outbound(req, res))
	log.SlotOp(req.Slot, "send").WithField("message_id", res.MessageID).Info("Text message sent successfully")
	return router.ResponseResult(c, fiber.StatusOK, router.Result{
		Success: true,
		Message: "message sent",
		To:      res.DeliveredTo,
	})
}
