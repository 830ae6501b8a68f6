// Package session tracks the WhatsApp account slots: their connection
// lifecycle and the in-memory conversation cache the dashboard reads.
package session

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnknownSlot       = errors.New("unknown session slot")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrConnectionLost    = errors.New("connection lost")
	ErrSessionInit       = errors.New("session init failed")
	ErrEventOutOfState   = errors.New("event not accepted in current state")
	ErrStopped           = errors.New("controller stopped")
)

// InitError reports a failed session creation for one slot.
type InitError struct {
	Slot int
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("slot %d: %v: %v", e.Slot, ErrSessionInit, e.Err)
}

func (e *InitError) Unwrap() []error {
	return []error{ErrSessionInit, e.Err}
}

// Identity is the account a slot is authenticated as.
type Identity struct {
	JID  string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Kind classifies message content.
type Kind string

const (
	KindText        Kind = "text"
	KindImage       Kind = "image"
	KindVideo       Kind = "video"
	KindAudio       Kind = "audio"
	KindDocument    Kind = "document"
	KindSticker     Kind = "sticker"
	KindContact     Kind = "contact"
	KindLocation    Kind = "location"
	KindUnsupported Kind = "unsupported"
)

// Message is a normalized chat message. Chat is the counterpart address
// the conversation is keyed by; Sender differs from it only in groups.
type Message struct {
	Key         string `json:"key"`
	Chat        string `json:"from"`
	Sender      string `json:"sender,omitempty"`
	FromMe      bool   `json:"fromMe"`
	Kind        Kind   `json:"messageType"`
	Text        string `json:"text"`
	Timestamp   int64  `json:"timestamp"`
	History     bool   `json:"history"`
	ContactName string `json:"contactName,omitempty"`
	PushName    string `json:"pushName,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
}

// HistoryBatch is the backfilled history of one conversation.
type HistoryBatch struct {
	Chat     string
	Name     string
	Messages []Message
}

// Handle is one live connection to the protocol library.
type Handle interface {
	Connected() bool
	Identity() Identity
	SendText(ctx context.Context, to, text string) (string, error)
	FetchHistory(ctx context.Context) ([]HistoryBatch, error)
	Logout(ctx context.Context) error
	Close()
}

// Sink receives the signals a handle produces. It must not block.
type Sink func(Signal)

// Dialer creates a handle for a slot, reusing stored credentials when present.
type Dialer interface {
	Dial(ctx context.Context, slot int, sink Sink) (Handle, error)
}

// Signal is something a handle reports about its connection.
type Signal interface {
	signal()
}

// PairingCode carries a QR payload to be scanned by the phone.
type PairingCode struct {
	Code string
}

// Opened reports an authenticated connection.
type Opened struct {
	Identity Identity
}

// CloseReason says why a connection went away.
type CloseReason string

const (
	ReasonLoggedOut      CloseReason = "logged-out"
	ReasonConnectionLost CloseReason = "connection-lost"
	ReasonReplaced       CloseReason = "stream-replaced"
	ReasonPairingTimeout CloseReason = "pairing-timeout"
	ReasonFailure        CloseReason = "connect-failure"
	ReasonHealthCheckFailed    CloseReason = "health-check-failed"
	ReasonManual         CloseReason = "manual-reconnect"
	ReasonInitFailed     CloseReason = "init-failed"
)

// Closed reports the end of a connection.
type Closed struct {
	Reason CloseReason
	Detail string
}

// Incoming carries live messages.
type Incoming struct {
	Messages []Message
}

// HistoryAvailable reports that the library received more history.
type HistoryAvailable struct{}

func (PairingCode) signal()      {}
func (Opened) signal()           {}
func (Closed) signal()           {}
func (Incoming) signal()         {}
func (HistoryAvailable) signal() {}

// Terminal reports whether the reason ends the slot without retry.
func (r CloseReason) Terminal() bool {
	return r == ReasonLoggedOut
}

// Status is a point-in-time view of a slot.
type Status struct {
	Slot          int       `json:"id"`
	State         State     `json:"state"`
	Connected     bool      `json:"connected"`
	RetryEligible bool      `json:"shouldReconnect"`
	Identity      *Identity `json:"user,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}
