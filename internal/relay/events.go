package relay

import (
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/session"
)

// Outward event names understood by the dashboard.
const (
	EventQR            = "qr"
	EventStatus        = "status"
	EventState         = "session-state"
	EventMessage       = "message"
	EventChatHistory   = "chat-history"
	EventHistoryLoaded = "history-loaded"
	EventUnread        = "unread"
	EventSessions      = "sessions"
	EventMessageSent   = "message-sent"
	EventMessageError  = "message-error"
)

type QRPayload struct {
	ID      int    `json:"id"`
	QR      string `json:"qr"`
	QRImage string `json:"qrImage,omitempty"`
}

type StatusPayload struct {
	ID              int               `json:"id"`
	Status          string            `json:"status"`
	State           string            `json:"state"`
	User            *session.Identity `json:"user,omitempty"`
	ShouldReconnect *bool             `json:"shouldReconnect,omitempty"`
	Reason          string            `json:"reason,omitempty"`
}

type MessagePayload struct {
	ID       int               `json:"id"`
	Messages []session.Message `json:"messages"`
}

type ChatHistoryPayload struct {
	ID       int               `json:"id"`
	ChatID   string            `json:"chatId"`
	Name     string            `json:"name,omitempty"`
	Messages []session.Message `json:"messages"`
}

type HistoryLoadedPayload struct {
	ID       int `json:"id"`
	Count    int `json:"count"`
	Messages int `json:"messages"`
}

type UnreadPayload struct {
	ID            int            `json:"id"`
	Total         int            `json:"total"`
	Conversations map[string]int `json:"conversations"`
}

type SentPayload struct {
	SessionID int    `json:"sessionId"`
	To        string `json:"to"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
	Success   bool   `json:"success"`
}

type SendErrorPayload struct {
	SessionID int    `json:"sessionId"`
	Error     string `json:"error"`
	Code      string `json:"code"`
}

// Envelope is one outward event.
type Envelope struct {
	Name    string
	Payload any
}

// Translate maps a controller event to the outward events it produces.
func Translate(e session.Event) []Envelope {
	switch v := e.(type) {
	case session.PairingChallenge:
		return []Envelope{{EventQR, QRPayload{ID: v.Slot, QR: v.Raw, QRImage: v.Image}}}
	case session.StatusChanged:
		out := []Envelope{{EventState, statusPayload(v.Status)}}
		if v.State == session.StateConnected || v.State == session.StateDisconnected {
			out = append(out, Envelope{EventStatus, statusPayload(v.Status)})
		}
		return out
	case session.MessagesReceived:
		return []Envelope{{EventMessage, MessagePayload{ID: v.Slot, Messages: v.Messages}}}
	case session.HistoryReceived:
		return []Envelope{{EventChatHistory, ChatHistoryPayload{ID: v.Slot, ChatID: v.Chat, Name: v.Name, Messages: v.Messages}}}
	case session.HistoryLoaded:
		return []Envelope{{EventHistoryLoaded, HistoryLoadedPayload{ID: v.Slot, Count: v.Count, Messages: v.Messages}}}
	case session.UnreadChanged:
		return []Envelope{{EventUnread, UnreadPayload{ID: v.Slot, Total: v.Unread.Total, Conversations: v.Unread.Conversations}}}
	}
	return nil
}

func statusPayload(st session.Status) StatusPayload {
	p := StatusPayload{
		ID:     st.Slot,
		Status: "disconnected",
		State:  st.State.String(),
		User:   st.Identity,
		Reason: st.Reason,
	}
	switch st.State {
	case session.StateConnected:
		p.Status = "connected"
	case session.StateDisconnected:
		retry := st.RetryEligible
		p.ShouldReconnect = &retry
	}
	return p
}
