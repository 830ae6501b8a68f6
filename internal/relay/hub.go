// Package relay fans controller events out to every connected dashboard.
package relay

import (
	"sync"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/session"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/log"
)

// Observer is one connected dashboard.
type Observer interface {
	ID() string
	Emit(event string, payload any) error
}

// Hub broadcasts to all observers, best effort and at most once. There is
// no replay: an observer that fails an emit is dropped.
type Hub struct {
	mu        sync.RWMutex
	observers map[string]Observer
	statuses  func() []session.Status
}

// NewHub takes the status source used to greet observers on join.
func NewHub(statuses func() []session.Status) *Hub {
	return &Hub{
		observers: make(map[string]Observer),
		statuses:  statuses,
	}
}

// Join registers an observer and sends it the current slot statuses.
func (h *Hub) Join(o Observer) {
	h.mu.Lock()
	h.observers[o.ID()] = o
	count := len(h.observers)
	h.mu.Unlock()

	log.Component("relay").WithField("observer", o.ID()).WithField("observers", count).Info("Dashboard joined")
	if h.statuses == nil {
		return
	}
	statuses := h.statuses()
	list := make([]StatusPayload, 0, len(statuses))
	for _, st := range statuses {
		list = append(list, statusPayload(st))
	}
	if err := o.Emit(EventSessions, list); err != nil {
		h.Leave(o)
		return
	}
	for _, p := range list {
		if p.State != "connected" && p.State != "disconnected" {
			continue
		}
		if err := o.Emit(EventStatus, p); err != nil {
			h.Leave(o)
			return
		}
	}
}

func (h *Hub) Leave(o Observer) {
	h.mu.Lock()
	_, ok := h.observers[o.ID()]
	delete(h.observers, o.ID())
	h.mu.Unlock()
	if ok {
		log.Component("relay").WithField("observer", o.ID()).Info("Dashboard left")
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Broadcast emits to every observer and returns how many accepted it.
func (h *Hub) Broadcast(event string, payload any) int {
	h.mu.RLock()
	targets := make([]Observer, 0, len(h.observers))
	for _, o := range h.observers {
		targets = append(targets, o)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, o := range targets {
		if err := o.Emit(event, payload); err != nil {
			log.Component("relay").WithField("observer", o.ID()).WithError(err).Warn("Dropping dashboard")
			h.Leave(o)
			continue
		}
		delivered++
	}
	return delivered
}

// Publish implements session.Publisher.
func (h *Hub) Publish(e session.Event) {
	for _, env := range Translate(e) {
		h.Broadcast(env.Name, env.Payload)
	}
}

// Reply sends an event to one observer only, e.g. a send result.
func (h *Hub) Reply(o Observer, event string, payload any) {
	if err := o.Emit(event, payload); err != nil {
		h.Leave(o)
	}
}
