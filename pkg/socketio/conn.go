package socketio

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	textMessage = 1

	MaxPayload   int64 = 1000000
	PingInterval       = 25 * time.Second
	PingTimeout        = 20 * time.Second
	WriteTimeout       = 10 * time.Second
	SendQueue          = 256
)

var (
	ErrClosed       = errors.New("socket closed")
	ErrSlowConsumer = errors.New("socket send queue full")
)

// Transport is the websocket underneath a Conn.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Handler receives the lifecycle of one client.
type Handler interface {
	OnConnect(c *Conn)
	OnEvent(c *Conn, ev Event)
	OnDisconnect(c *Conn)
}

// Conn is one Socket.IO client. Writes go through a bounded queue drained
// by a single writer so a slow browser never blocks the emitter.
type Conn struct {
	sid       string
	ws        Transport
	namespace string
	queue     chan string
	closed    atomic.Bool
	done      chan struct{}
	joined    atomic.Bool

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time

	pingInterval time.Duration
	pingTimeout  time.Duration
}

type Option func(*Conn)

// WithPing overrides the heartbeat timings; used by tests.
func WithPing(interval, timeout time.Duration) Option {
	return func(c *Conn) {
		c.pingInterval = interval
		c.pingTimeout = timeout
	}
}

func NewConn(ws Transport, opts ...Option) *Conn {
	c := &Conn{
		sid:          uuid.NewString(),
		ws:           ws,
		namespace:    "/",
		queue:        make(chan string, SendQueue),
		done:         make(chan struct{}),
		pingInterval: PingInterval,
		pingTimeout:  PingTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) ID() string { return c.sid }

// Emit queues an event. It fails instead of blocking when the client is
// gone or not keeping up.
func (c *Conn) Emit(event string, payload any) error {
	packet, err := EncodeEvent(c.namespace, event, payload)
	if err != nil {
		return err
	}
	return c.enqueue(packet)
}

// Ack answers an event that asked for an acknowledgement.
func (c *Conn) Ack(ev Event, args ...any) error {
	if ev.AckID == nil {
		return nil
	}
	packet, err := encodeAck(ev.Namespace, *ev.AckID, args...)
	if err != nil {
		return err
	}
	return c.enqueue(packet)
}

func (c *Conn) enqueue(packet string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.queue <- packet:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSlowConsumer
	}
}

// Close shuts the transport; Serve returns soon after.
func (c *Conn) Close() {
	if c.closed.Swap(true) {
		return
	}
	close(c.done)
	_ = c.ws.Close()
}

// Serve runs the engine handshake, heartbeat and read loop. It blocks
// until the client goes away.
func (c *Conn) Serve(h Handler) {
	defer func() {
		c.Close()
		if c.joined.Load() {
			h.OnDisconnect(c)
		}
	}()

	open, err := encodeOpen(openPayload{
		SID:          c.sid,
		PingInterval: c.pingInterval.Milliseconds(),
		PingTimeout:  c.pingTimeout.Milliseconds(),
		MaxPayload:   MaxPayload,
	})
	if err != nil || c.write(open) != nil {
		return
	}

	go c.writeLoop()
	go c.pingLoop()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if !c.handleEngine(h, string(data)) {
			return
		}
	}
}

func (c *Conn) handleEngine(h Handler, msg string) bool {
	if msg == "" {
		return true
	}
	switch enginePacket(msg[0]) {
	case enginePong:
		c.pingMu.Lock()
		c.awaitingPong = false
		c.pingMu.Unlock()
	case enginePing:
		_ = c.enqueue(string(enginePong) + msg[1:])
	case engineClose:
		return false
	case engineMessage:
		return c.handleSocket(h, msg[1:])
	}
	return true
}

func (c *Conn) handleSocket(h Handler, payload string) bool {
	if payload == "" {
		return true
	}
	switch socketPacket(payload[0]) {
	case socketConnect:
		ns, _ := splitNamespace(payload[1:])
		if ns != "/" {
			if packet, err := encodeConnectError(ns, "Invalid namespace"); err == nil {
				_ = c.enqueue(packet)
			}
			return true
		}
		if c.joined.Swap(true) {
			return true
		}
		packet, err := encodeConnect(ns, c.sid)
		if err != nil {
			return false
		}
		if c.enqueue(packet) != nil {
			return false
		}
		h.OnConnect(c)
	case socketDisconnect:
		return false
	case socketEvent:
		if !c.joined.Load() {
			return true
		}
		ev, err := ParseEvent(payload)
		if err != nil {
			return true
		}
		h.OnEvent(c, ev)
	}
	return true
}

func (c *Conn) write(msg string) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(textMessage, []byte(msg))
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.queue:
			if err := c.write(msg); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.pingMu.Lock()
			if c.awaitingPong && now.Sub(c.pingSentAt) > c.pingTimeout {
				c.pingMu.Unlock()
				c.Close()
				return
			}
			if !c.awaitingPong {
				c.awaitingPong = true
				c.pingSentAt = now
			}
			c.pingMu.Unlock()
			_ = c.enqueue(string(enginePing))
		}
	}
}
