package dispatch

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/session"
)

// SlotID accepts a slot number sent either as a JSON number or a string.
// Anything unreadable decodes to 0, which Send rejects as missing.
type SlotID int

func (s *SlotID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			*s = 0
			return nil
		}
		*s = SlotID(n)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		*s = 0
		return nil
	}
	v, err := n.Int64()
	if err != nil {
		*s = 0
		return nil
	}
	*s = SlotID(v)
	return nil
}

// Payload is the send request as the dashboard submits it.
type Payload struct {
	SessionID SlotID `json:"sessionId"`
	To        string `json:"to"`
	Message   string `json:"message"`
}

func (p Payload) Request() Request {
	return Request{Slot: int(p.SessionID), To: p.To, Text: p.Message}
}

// Outbound is the cache entry for a delivered send.
func Outbound(req Request, res Result) session.Message {
	return session.Message{
		Key:       res.MessageID,
		Chat:      res.DeliveredTo,
		FromMe:    true,
		Kind:      session.KindText,
		Text:      req.Text,
		Timestamp: res.Timestamp,
	}
}
