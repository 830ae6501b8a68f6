// Package push serves the dashboard's Socket.IO connection.
package push

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/dispatch"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/relay"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/session"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/log"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/socketio"
)

// Inbound event names.
const (
	EventSendMessage       = "send-message"
	EventOpenConversation  = "open-conversation"
	EventCloseConversation = "close-conversation"
)

// Error codes carried by message-error.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotConnected   = "session_not_active"
	CodeRateLimited    = "rate_limited"
	CodeDelivery       = "delivery_failed"
)

const sendTimeout = 45 * time.Second

type Sender interface {
	Send(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

// Conversations is the part of the session controller the dashboard drives.
type Conversations interface {
	OpenConversation(id int, chat string) error
	CloseConversation(id int) error
	RecordOutbound(id int, msg session.Message)
}

type Server struct {
	hub    *relay.Hub
	sender Sender
	convs  Conversations
	// spawn runs sends off the read loop so heartbeats keep flowing.
	spawn func(func())
}

func New(hub *relay.Hub, sender Sender, convs Conversations) *Server {
	return &Server{
		hub:    hub,
		sender: sender,
		convs:  convs,
		spawn:  func(f func()) { go f() },
	}
}

// Upgrade only lets Engine.IO websocket handshakes through. Long polling
// is not offered.
func (s *Server) Upgrade() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Query("EIO") != "4" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"code": 5, "message": "Unsupported protocol version"})
		}
		if c.Query("transport") != "websocket" || !websocket.IsWebSocketUpgrade(c) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"code": 0, "message": "Transport unknown"})
		}
		return c.Next()
	}
}

func (s *Server) Handler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		socketio.NewConn(conn).Serve(s)
	}, websocket.Config{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	})
}

func (s *Server) OnConnect(c *socketio.Conn) {
	s.hub.Join(c)
}

func (s *Server) OnDisconnect(c *socketio.Conn) {
	s.hub.Leave(c)
}

func (s *Server) OnEvent(c *socketio.Conn, ev socketio.Event) {
	s.handle(c, ev, func(args ...any) {
		if err := c.Ack(ev, args...); err != nil {
			log.Component("push").WithError(err).Debug("Ack dropped")
		}
	})
}

type ackFunc func(args ...any)

type conversationRequest struct {
	SessionID dispatch.SlotID `json:"sessionId"`
	ChatID    string          `json:"chatId"`
}

type ackResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handle(o relay.Observer, ev socketio.Event, ack ackFunc) {
	switch ev.Name {
	case EventSendMessage:
		var payload dispatch.Payload
		if err := ev.Bind(&payload); err != nil {
			s.hub.Reply(o, relay.EventMessageError, relay.SendErrorPayload{Error: "sessionId, to and message are required", Code: CodeInvalidRequest})
			ack(ackResult{Error: err.Error()})
			return
		}
		s.spawn(func() { s.send(o, payload.Request(), ack) })
	case EventOpenConversation:
		var req conversationRequest
		err := ev.Bind(&req)
		if err == nil {
			err = s.convs.OpenConversation(int(req.SessionID), req.ChatID)
		}
		s.ackErr(ev.Name, ack, err)
	case EventCloseConversation:
		var req conversationRequest
		err := ev.Bind(&req)
		if err == nil {
			err = s.convs.CloseConversation(int(req.SessionID))
		}
		s.ackErr(ev.Name, ack, err)
	default:
		log.Component("push").WithField("event", ev.Name).Debug("Unknown event ignored")
	}
}

func (s *Server) ackErr(event string, ack ackFunc, err error) {
	if err != nil {
		log.Component("push").WithField("event", event).WithError(err).Warn("Dashboard request rejected")
		ack(ackResult{Error: err.Error()})
		return
	}
	ack(ackResult{Success: true})
}

func (s *Server) send(o relay.Observer, req dispatch.Request, ack ackFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	res, err := s.sender.Send(ctx, req)
	if err != nil {
		log.SlotOp(req.Slot, "send").WithError(err).Warn("Socket send failed")
		p := relay.SendErrorPayload{SessionID: req.Slot, Error: err.Error(), Code: errorCode(err)}
		s.hub.Reply(o, relay.EventMessageError, p)
		ack(ackResult{Error: p.Error})
		return
	}

	s.convs.RecordOutbound(req.Slot, dispatch.Outbound(req, res))
	s.hub.Reply(o, relay.EventMessageSent, relay.SentPayload{
		SessionID: req.Slot,
		To:        res.DeliveredTo,
		Message:   req.Text,
		MessageID: res.MessageID,
		Success:   true,
	})
	ack(ackResult{Success: true})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, dispatch.ErrSessionNotConnected):
		return CodeNotConnected
	case errors.Is(err, dispatch.ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeDelivery
	}
}
