package session

import (
	"fmt"
	"sync"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/log"
)

// mailbox is an unbounded FIFO of work for one slot. Producers never
// block, so protocol callbacks can post from any goroutine.
type mailbox struct {
	slot   int
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newMailbox(slot int) *mailbox {
	return &mailbox{
		slot: slot,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// close stops accepting work. Already queued work still runs.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
}

// drain runs queued work until the queue is empty, including work that
// the running items post themselves.
func (m *mailbox) drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.run(fn)
	}
}

func (m *mailbox) run(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.SlotOp(m.slot, "mailbox").Error(fmt.Sprintf("panic recovered: %v", rec))
		}
	}()
	fn()
}

func (m *mailbox) loop() {
	for {
		select {
		case <-m.wake:
			m.drain()
		case <-m.done:
			m.drain()
			return
		}
	}
}
