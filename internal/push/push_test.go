package push

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/dispatch"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/relay"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/session"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/socketio"
)

type observer struct {
	mu     sync.Mutex
	events []string
	last   any
}

func (o *observer) ID() string { return "dash-1" }

func (o *observer) Emit(event string, payload any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	o.last = payload
	return nil
}

type sender struct {
	err error
}

func (s sender) Send(_ context.Context, req dispatch.Request) (dispatch.Result, error) {
	if s.err != nil {
		return dispatch.Result{}, s.err
	}
	return dispatch.Result{DeliveredTo: req.To + "@s.whatsapp.net", MessageID: "3EB0", Timestamp: 1}, nil
}

type convs struct {
	opened   map[int]string
	closed   []int
	recorded []session.Message
}

func (c *convs) OpenConversation(id int, chat string) error {
	if id > 4 {
		return session.ErrUnknownSlot
	}
	c.opened[id] = chat
	return nil
}

func (c *convs) CloseConversation(id int) error {
	c.closed = append(c.closed, id)
	return nil
}

func (c *convs) RecordOutbound(_ int, msg session.Message) {
	c.recorded = append(c.recorded, msg)
}

func newServer(s Sender) (*Server, *convs) {
	cv := &convs{opened: map[int]string{}}
	srv := New(relay.NewHub(nil), s, cv)
	srv.spawn = func(f func()) { f() }
	return srv, cv
}

func event(t *testing.T, raw string) socketio.Event {
	t.Helper()
	ev, err := socketio.ParseEvent(raw)
	require.NoError(t, err)
	return ev
}

func TestSendMessageReplies(t *testing.T) {
	srv, cv := newServer(sender{})
	o := &observer{}
	var acked []any
	srv.handle(o, event(t, `2["send-message",{"sessionId":2,"to":"5585999990000","message":"oi"}]`), func(args ...any) { acked = args })

	assert.Equal(t, []string{relay.EventMessageSent}, o.events)
	sent := o.last.(relay.SentPayload)
	assert.Equal(t, relay.SentPayload{SessionID: 2, To: "5585999990000@s.whatsapp.net", Message: "oi", MessageID: "3EB0", Success: true}, sent)
	require.Len(t, cv.recorded, 1)
	assert.True(t, cv.recorded[0].FromMe)
	assert.Equal(t, []any{ackResult{Success: true}}, acked)
}

func TestSendMessageErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("%w: message is required", dispatch.ErrInvalidRequest), CodeInvalidRequest},
		{fmt.Errorf("%w: slot 1", dispatch.ErrSessionNotConnected), CodeNotConnected},
		{dispatch.ErrRateLimited, CodeRateLimited},
		{&dispatch.DeliveryError{Slot: 1, Err: errors.New("timeout")}, CodeDelivery},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			srv, cv := newServer(sender{err: tt.err})
			o := &observer{}
			srv.handle(o, event(t, `2["send-message",{"sessionId":1,"to":"1","message":"x"}]`), func(...any) {})
			assert.Equal(t, []string{relay.EventMessageError}, o.events)
			p := o.last.(relay.SendErrorPayload)
			assert.Equal(t, tt.code, p.Code)
			assert.Equal(t, 1, p.SessionID)
			assert.Empty(t, cv.recorded)
		})
	}

	srv, _ := newServer(sender{})
	o := &observer{}
	srv.handle(o, event(t, `2["send-message"]`), func(...any) {})
	assert.Equal(t, CodeInvalidRequest, o.last.(relay.SendErrorPayload).Code)
}

func TestConversationEvents(t *testing.T) {
	srv, cv := newServer(sender{})
	o := &observer{}
	var acks []any
	ack := func(args ...any) { acks = append(acks, args[0]) }

	srv.handle(o, event(t, `2["open-conversation",{"sessionId":"1","chatId":"5585999990000@s.whatsapp.net"}]`), ack)
	srv.handle(o, event(t, `2["close-conversation",{"sessionId":1}]`), ack)
	srv.handle(o, event(t, `2["open-conversation",{"sessionId":9,"chatId":"x@s.whatsapp.net"}]`), ack)
	srv.handle(o, event(t, `2["typing",{}]`), ack)

	assert.Equal(t, "5585999990000@s.whatsapp.net", cv.opened[1])
	assert.Equal(t, []int{1}, cv.closed)
	require.Len(t, acks, 3)
	assert.Equal(t, ackResult{Success: true}, acks[0])
	assert.Equal(t, ackResult{Error: session.ErrUnknownSlot.Error()}, acks[2])
	assert.Empty(t, o.events)
}

func TestUpgradeRejectsPolling(t *testing.T) {
	srv, _ := newServer(sender{})
	app := fiber.New()
	app.Get("/socket.io/", srv.Upgrade(), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusSwitchingProtocols) })

	resp, err := app.Test(httptest.NewRequest("GET", "/socket.io/?EIO=4&transport=polling", nil))
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/socket.io/?EIO=3&transport=websocket", nil))
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}
