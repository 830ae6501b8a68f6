package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/dispatch"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/session"
)

type fakeSender struct {
	got []dispatch.Request
	err error
}

func (f *fakeSender) Send(_ context.Context, req dispatch.Request) (dispatch.Result, error) {
	f.got = append(f.got, req)
	if f.err != nil {
		return dispatch.Result{}, f.err
	}
	to, err := dispatch.Normalize(req.To)
	if err != nil {
		return dispatch.Result{}, err
	}
	return dispatch.Result{DeliveredTo: to, MessageID: "3EB0", Timestamp: 1700000000}, nil
}

type fakeRecorder struct {
	slots []int
	msgs  []session.Message
}

func (f *fakeRecorder) RecordOutbound(id int, msg session.Message) {
	f.slots = append(f.slots, id)
	f.msgs = append(f.msgs, msg)
}

func post(t *testing.T, h *Handler, body string) (int, map[string]any) {
	t.Helper()
	app := fiber.New()
	app.Post("/api/send-message", h.SendMessage)
	req := httptest.NewRequest("POST", "/api/send-message", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestSendMessageDelivered(t *testing.T) {
	sender, rec := &fakeSender{}, &fakeRecorder{}
	code, body := post(t, New(sender, rec), `{"sessionId":1,"to":"+55 (85) 99999-0000","message":"oi"}`)

	assert.Equal(t, 200, code)
	assert.Equal(t, map[string]any{"success": true, "message": "message sent", "to": "5585999990000@s.whatsapp.net"}, body)
	require.Len(t, rec.msgs, 1)
	assert.Equal(t, 1, rec.slots[0])
	assert.True(t, rec.msgs[0].FromMe)
	assert.Equal(t, "oi", rec.msgs[0].Text)
}

func TestSendMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		code int
		msg  string
	}{
		{name: "malformed", body: `{`, code: 400},
		{name: "invalid", body: `{"sessionId":1}`, err: fmt.Errorf("%w: to is required", dispatch.ErrInvalidRequest), code: 400},
		{name: "not connected", body: `{"sessionId":3,"to":"1","message":"x"}`, err: fmt.Errorf("%w: slot 3", dispatch.ErrSessionNotConnected), code: 404, msg: "session not active"},
		{name: "rate limited", body: `{"sessionId":3,"to":"1","message":"x"}`, err: dispatch.ErrRateLimited, code: 429},
		{name: "delivery", body: `{"sessionId":3,"to":"1","message":"x"}`, err: &dispatch.DeliveryError{Slot: 3, To: "1@s.whatsapp.net", Err: errors.New("websocket not connected")}, code: 500, msg: "websocket not connected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			code, body := post(t, New(&fakeSender{err: tt.err}, rec), tt.body)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
			if tt.msg != "" {
				assert.Equal(t, tt.msg, body["error"])
			}
			assert.Empty(t, rec.msgs)
		})
	}
}
