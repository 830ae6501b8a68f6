// Package dispatch sends outbound text through a slot's live connection.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/session"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/text"
)

// DefaultServer is appended to bare phone numbers.
const DefaultServer = "s.whatsapp.net"

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrSessionNotConnected = errors.New("session not active")
	ErrDeliveryFailed      = errors.New("delivery failed")
	ErrRateLimited         = errors.New("send rate exceeded")
)

// DeliveryError wraps the protocol error of a failed send.
type DeliveryError struct {
	Slot int
	To   string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("send to %s via slot %d: %v", e.To, e.Slot, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDeliveryFailed, e.Err}
}

// Handles looks up the live handle of a slot.
type Handles interface {
	Get(slot int) (session.Handle, bool)
}

type Request struct {
	Slot int
	To   string
	Text string
}

type Result struct {
	DeliveredTo string
	MessageID   string
	Timestamp   int64
}

type Options struct {
	Timeout time.Duration
	// Interval between sends per slot once Burst is spent. Zero disables
	// limiting.
	Interval time.Duration
	Burst    int
	// Wait makes a limited send block for its turn instead of failing.
	Wait bool
	Now  func() time.Time
}

// Dispatcher validates, normalizes and forwards send requests. It does not
// touch the conversation cache.
type Dispatcher struct {
	handles Handles
	opts    Options

	mu       sync.Mutex
	limiters map[int]*rate.Limiter
}

func New(handles Handles, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		handles:  handles,
		opts:     opts,
		limiters: make(map[int]*rate.Limiter),
	}
}

func (d *Dispatcher) Send(ctx context.Context, req Request) (Result, error) {
	if req.Slot <= 0 {
		return Result{}, fmt.Errorf("%w: sessionId is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.To) == "" {
		return Result{}, fmt.Errorf("%w: to is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Text) == "" {
		return Result{}, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	to, err := Normalize(req.To)
	if err != nil {
		return Result{}, err
	}

	h, ok := d.handles.Get(req.Slot)
	if !ok || !h.Connected() {
		return Result{}, fmt.Errorf("%w: slot %d", ErrSessionNotConnected, req.Slot)
	}

	if err := d.admit(ctx, req.Slot); err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	id, err := h.SendText(ctx, to, req.Text)
	if err != nil {
		return Result{}, &DeliveryError{Slot: req.Slot, To: to, Err: err}
	}
	return Result{DeliveredTo: to, MessageID: id, Timestamp: d.opts.Now().Unix()}, nil
}

// Normalize qualifies a destination: anything containing "@" is kept as
// is, otherwise non-digits are stripped and the default server appended.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "@") {
		return raw, nil
	}
	digits := text.Digits(raw)
	if digits == "" {
		return "", fmt.Errorf("%w: destination has no digits", ErrInvalidRequest)
	}
	return digits + "@" + DefaultServer, nil
}

func (d *Dispatcher) admit(ctx context.Context, slot int) error {
	if d.opts.Interval <= 0 {
		return nil
	}
	l := d.limiter(slot)
	if d.opts.Wait {
		if err := l.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return nil
	}
	if !l.Allow() {
		return fmt.Errorf("%w: slot %d", ErrRateLimited, slot)
	}
	return nil
}

func (d *Dispatcher) limiter(slot int) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[slot]
	if !ok {
		l = rate.NewLimiter(rate.Every(d.opts.Interval), d.opts.Burst)
		d.limiters[slot] = l
	}
	return l
}
