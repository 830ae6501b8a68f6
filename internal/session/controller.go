package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/log"
)

const logoutTimeout = 15 * time.Second

type Options struct {
	ReconnectDelay time.Duration
	HistoryDelay   time.Duration
	HistoryTimeout time.Duration

	// RenderQR turns a pairing payload into a displayable image.
	RenderQR func(code string) (string, error)

	Scheduler Scheduler
	// Go runs dials, history fetches and logouts off the slot timeline.
	Go func(func())
}

func (o Options) withDefaults() Options {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.HistoryDelay <= 0 {
		o.HistoryDelay = 5 * time.Second
	}
	if o.HistoryTimeout <= 0 {
		o.HistoryTimeout = 30 * time.Second
	}
	if o.Scheduler == nil {
		o.Scheduler = wallClock{}
	}
	if o.Go == nil {
		o.Go = func(f func()) { go f() }
	}
	return o
}

// Controller drives the connection lifecycle of every slot. Each slot
// has its own timeline: a mailbox consumed by one goroutine, so a slot's
// signals are handled in order and one slot never waits on another.
type Controller struct {
	store  *Store
	dialer Dialer
	pub    Publisher
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	slots  map[int]*slot

	started  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

type slot struct {
	id  int
	box *mailbox

	// owned by the slot timeline
	state         State
	retryEligible bool
	reason        string
	gen           uint64
	creating      bool
	handle        Handle
	identity      *Identity
	timers        map[timerKind]*pendingTimer
	timerSeq      uint64
	historyCancel context.CancelFunc
	backfilled    bool

	statusMu sync.RWMutex
	status   Status
}

func NewController(store *Store, dialer Dialer, pub Publisher, opts Options) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:  store,
		dialer: dialer,
		pub:    pub,
		opts:   opts.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		slots:  make(map[int]*slot),
	}
	for _, id := range store.Slots() {
		s := &slot{
			id:            id,
			box:           newMailbox(id),
			state:         StateDisconnected,
			retryEligible: true,
			timers:        make(map[timerKind]*pendingTimer),
		}
		s.status = Status{Slot: id, State: StateDisconnected, RetryEligible: true}
		c.slots[id] = s
	}
	return c
}

// Start launches every slot timeline and begins connecting all slots.
func (c *Controller) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	for _, s := range c.slots {
		go s.box.loop()
	}
	c.connectAll()
}

func (c *Controller) connectAll() {
	for _, s := range c.ordered() {
		s := s
		c.post(s, func() { c.create(s, "startup") })
	}
}

// Stop tears down every slot: timers are cancelled, in-flight work is
// abandoned and handles are closed. Credentials are left in place.
func (c *Controller) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.cancel()
		g, ctx := errgroup.WithContext(ctx)
		for _, s := range c.slots {
			s := s
			g.Go(func() error {
				done := make(chan struct{})
				if !s.box.post(func() { c.shutdown(s); close(done) }) {
					return nil
				}
				s.box.close()
				if !c.started.Load() {
					s.box.drain()
				}
				select {
				case <-done:
					return nil
				case <-ctx.Done():
					return fmt.Errorf("slot %d: %w", s.id, ctx.Err())
				}
			})
		}
		c.stopErr = g.Wait()
	})
	return c.stopErr
}

// Reconnect drops the current connection, if any, and creates a new one.
func (c *Controller) Reconnect(id int) error {
	return c.command(id, func(s *slot) {
		if s.creating {
			log.SlotOp(s.id, "reconnect").Info("Session creation already in flight")
			return
		}
		if s.state != StateDisconnected {
			if err := c.transition(s, StateDisconnected, true, string(ReasonManual)); err != nil {
				log.SlotOp(s.id, "reconnect").WithError(err).Warn("Reconnect rejected")
				return
			}
			c.publishStatus(s)
		}
		c.create(s, "manual")
	})
}

// Logout ends the slot for good: the account is logged out remotely when
// a handle exists and no reconnect happens until Reconnect is called.
func (c *Controller) Logout(id int) error {
	return c.command(id, func(s *slot) {
		err := c.terminate(s, "logged out by request", func(h Handle) {
			c.opts.Go(func() {
				ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
				defer cancel()
				if err := h.Logout(ctx); err != nil {
					log.SlotOp(s.id, "logout").WithError(err).Warn("Remote logout failed")
				}
				h.Close()
			})
		})
		if err != nil {
			log.SlotOp(s.id, "logout").WithError(err).Warn("Logout rejected")
		}
	})
}

// CheckHealth checks that a slot marked connected still has a live connection
// and treats it as lost otherwise.
func (c *Controller) CheckHealth(id int) error {
	return c.command(id, func(s *slot) {
		if s.state != StateConnected || s.handle == nil || s.handle.Connected() {
			return
		}
		log.SlotOp(s.id, "health").Warn("Connected slot has a dead handle")
		if err := c.onClosed(s, Closed{Reason: ReasonHealthCheckFailed}); err != nil {
			log.SlotOp(s.id, "health").WithError(err).Warn("Health check transition rejected")
		}
	})
}

func (c *Controller) Status(id int) (Status, error) {
	s, ok := c.slots[id]
	if !ok {
		return Status{}, ErrUnknownSlot
	}
	return s.snapshot(), nil
}

// Statuses returns every slot's status ordered by slot id.
func (c *Controller) Statuses() []Status {
	out := make([]Status, 0, len(c.slots))
	for _, s := range c.ordered() {
		out = append(out, s.snapshot())
	}
	return out
}

// OpenConversation marks a conversation as read and publishes the new
// badge. It runs on the slot timeline so the badge is ordered with the
// ones incoming messages publish.
func (c *Controller) OpenConversation(id int, chat string) error {
	return c.command(id, func(s *slot) {
		if err := c.store.OpenConversation(s.id, chat); err != nil {
			log.SlotOp(s.id, "open").WithError(err).Warn("Open conversation rejected")
			return
		}
		c.pub.Publish(UnreadChanged{Slot: s.id, Unread: c.store.Unread(s.id)})
	})
}

func (c *Controller) CloseConversation(id int) error {
	return c.command(id, func(s *slot) {
		if err := c.store.CloseConversation(s.id); err != nil {
			log.SlotOp(s.id, "close").WithError(err).Warn("Close conversation rejected")
			return
		}
		c.pub.Publish(UnreadChanged{Slot: s.id, Unread: c.store.Unread(s.id)})
	})
}

// RecordOutbound caches a message sent through the slot and publishes it.
func (c *Controller) RecordOutbound(id int, msg Message) {
	msg.FromMe = true
	err := c.command(id, func(s *slot) {
		if c.store.AppendMessage(s.id, msg.Chat, msg) {
			c.pub.Publish(MessagesReceived{Slot: s.id, Messages: []Message{msg}})
		}
	})
	if err != nil {
		log.SlotOp(id, "outbound").WithError(err).Debug("Outbound message not recorded")
	}
}

func (c *Controller) command(id int, fn func(*slot)) error {
	s, ok := c.slots[id]
	if !ok {
		return ErrUnknownSlot
	}
	if !s.box.post(func() { fn(s) }) {
		return ErrStopped
	}
	return nil
}

func (c *Controller) post(s *slot, fn func()) bool {
	if !s.box.post(fn) {
		log.Slot(s.id).Debug("Slot stopped, work dropped")
		return false
	}
	return true
}

// sinkFor tags every signal of one handle with its generation so signals
// from a discarded handle can be told apart.
func (c *Controller) sinkFor(s *slot, gen uint64) Sink {
	return func(sig Signal) {
		c.post(s, func() { c.handleSignal(s, gen, sig) })
	}
}

// =============================================================================
// Slot timeline
// =============================================================================

func (c *Controller) create(s *slot, why string) {
	entry := log.SlotOp(s.id, "create")
	if s.creating {
		entry.Info("Session creation already in flight")
		return
	}
	if c.ctx.Err() != nil {
		return
	}
	if err := c.transition(s, StateInitializing, true, ""); err != nil {
		entry.WithError(err).Warn("Session creation rejected")
		return
	}
	c.discard(s, nil)
	s.creating = true
	c.publishStatus(s)
	entry.WithField("trigger", why).Info("Creating session")

	gen := s.gen
	sink := c.sinkFor(s, gen)
	c.opts.Go(func() {
		h, err := c.dial(s.id, sink)
		if !c.post(s, func() { c.onDialed(s, gen, h, err) }) && h != nil {
			h.Close()
		}
	})
}

func (c *Controller) dial(id int, sink Sink) (h Handle, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			h, err = nil, fmt.Errorf("dial panic: %v", rec)
		}
	}()
	return c.dialer.Dial(c.ctx, id, sink)
}

func (c *Controller) onDialed(s *slot, gen uint64, h Handle, err error) {
	if gen != s.gen {
		if h != nil {
			h.Close()
		}
		return
	}
	s.creating = false
	if err != nil {
		initErr := &InitError{Slot: s.id, Err: err}
		log.SlotOp(s.id, "create").WithError(initErr).Error("Session creation failed")
		if rerr := c.retry(s, string(ReasonInitFailed)); rerr != nil {
			log.SlotOp(s.id, "create").WithError(rerr).Warn("Retry not scheduled")
		}
		return
	}
	s.handle = h
	c.store.Set(s.id, h)
}

func (c *Controller) handleSignal(s *slot, gen uint64, sig Signal) {
	if gen != s.gen {
		log.Slot(s.id).WithField("signal", fmt.Sprintf("%T", sig)).Debug("Stale signal dropped")
		return
	}
	var err error
	switch v := sig.(type) {
	case PairingCode:
		err = c.onPairing(s, v)
	case Opened:
		err = c.onOpened(s, v)
	case Closed:
		err = c.onClosed(s, v)
	case Incoming:
		err = c.onIncoming(s, v)
	case HistoryAvailable:
		c.onHistoryAvailable(s)
	}
	if err != nil {
		log.Slot(s.id).WithError(err).WithField("signal", fmt.Sprintf("%T", sig)).Warn("Signal dropped")
	}
}

func (c *Controller) onPairing(s *slot, v PairingCode) error {
	rotated := s.state == StateAwaitingPairing
	if err := c.transition(s, StateAwaitingPairing, true, ""); err != nil {
		return err
	}
	if !rotated {
		c.publishStatus(s)
	}

	ev := PairingChallenge{Slot: s.id, Raw: v.Code}
	if c.opts.RenderQR != nil {
		img, err := c.opts.RenderQR(v.Code)
		if err != nil {
			log.SlotOp(s.id, "pairing").WithError(err).Warn("QR render failed, sending raw code")
		} else {
			ev.Image = img
		}
	}
	c.pub.Publish(ev)
	return nil
}

func (c *Controller) onOpened(s *slot, v Opened) error {
	if err := checkTransition(s.state, StateConnected); err != nil {
		return err
	}
	id := v.Identity
	s.identity = &id
	s.backfilled = false
	_ = c.transition(s, StateConnected, true, "")
	c.publishStatus(s)
	c.schedule(s, timerBackfill, c.opts.HistoryDelay, func() { c.backfill(s) })

	log.Slot(s.id).WithFields(logrus.Fields{
		"jid":  id.JID,
		"name": id.Name,
	}).Info("Session connected")
	return nil
}

func (c *Controller) onClosed(s *slot, v Closed) error {
	reason := string(v.Reason)
	if v.Detail != "" {
		reason += ": " + v.Detail
	}
	log.Slot(s.id).WithError(fmt.Errorf("%w: %s", ErrConnectionLost, reason)).Warn("Session closed")
	if v.Reason.Terminal() {
		return c.terminate(s, reason, nil)
	}
	return c.retry(s, reason)
}

func (c *Controller) onIncoming(s *slot, v Incoming) error {
	if s.state != StateConnected {
		return fmt.Errorf("%w: %s", ErrEventOutOfState, s.state)
	}
	var fresh []Message
	counted := false
	for _, m := range v.Messages {
		if m.Chat == "" {
			continue
		}
		if !m.FromMe && (m.Sender == "" || m.Sender == m.Chat) {
			c.store.UpsertConversation(s.id, m.Chat, Patch{ContactName: m.ContactName, PushName: m.PushName})
		}
		if !c.store.AppendMessage(s.id, m.Chat, m) {
			continue
		}
		fresh = append(fresh, m)
		if !m.FromMe && !m.History {
			counted = true
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	c.pub.Publish(MessagesReceived{Slot: s.id, Messages: fresh})
	if counted {
		c.pub.Publish(UnreadChanged{Slot: s.id, Unread: c.store.Unread(s.id)})
	}
	return nil
}

// onHistoryAvailable reschedules the backfill when history arrives after
// the first run. Before that the pending backfill picks it up.
func (c *Controller) onHistoryAvailable(s *slot) {
	if s.state != StateConnected || !s.backfilled {
		return
	}
	c.schedule(s, timerBackfill, c.opts.HistoryDelay, func() { c.backfill(s) })
}

func (c *Controller) backfill(s *slot) {
	if s.state != StateConnected || s.handle == nil || s.historyCancel != nil {
		return
	}
	h, gen := s.handle, s.gen
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.HistoryTimeout)
	s.historyCancel = cancel
	c.opts.Go(func() {
		defer cancel()
		batches, err := fetchHistory(ctx, h)
		c.post(s, func() { c.onHistory(s, gen, batches, err) })
	})
}

func fetchHistory(ctx context.Context, h Handle) (batches []HistoryBatch, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			batches, err = nil, fmt.Errorf("history panic: %v", rec)
		}
	}()
	return h.FetchHistory(ctx)
}

func (c *Controller) onHistory(s *slot, gen uint64, batches []HistoryBatch, err error) {
	if gen != s.gen || s.state != StateConnected {
		return
	}
	s.historyCancel = nil
	s.backfilled = true
	if err != nil {
		log.SlotOp(s.id, "history").WithError(err).Warn("History backfill failed")
		return
	}

	messages, chats := 0, 0
	for _, b := range batches {
		if b.Chat == "" || len(b.Messages) == 0 {
			continue
		}
		if b.Name != "" {
			c.store.UpsertConversation(s.id, b.Chat, Patch{ContactName: b.Name})
		}
		added := c.store.RecordHistory(s.id, b.Chat, b.Messages)
		if len(added) == 0 {
			continue
		}
		messages += len(added)
		chats++
		c.pub.Publish(HistoryReceived{Slot: s.id, Chat: b.Chat, Name: b.Name, Messages: added})
	}
	c.pub.Publish(HistoryLoaded{Slot: s.id, Count: chats, Messages: messages})
	log.SlotOp(s.id, "history").WithFields(logrus.Fields{
		"messages":      messages,
		"conversations": chats,
	}).Info("History loaded")
}

// retry moves the slot to disconnected and schedules exactly one new
// session creation.
func (c *Controller) retry(s *slot, reason string) error {
	if err := c.transition(s, StateDisconnected, true, reason); err != nil {
		return err
	}
	c.publishStatus(s)
	c.schedule(s, timerRetry, c.opts.ReconnectDelay, func() { c.create(s, "retry") })
	log.Slot(s.id).WithField("delay", c.opts.ReconnectDelay.String()).Info("Reconnect scheduled")
	return nil
}

// terminate moves the slot to disconnected with no retry and discards
// its handle. finalize, when set, takes ownership of the old handle.
func (c *Controller) terminate(s *slot, reason string, finalize func(Handle)) error {
	if err := c.transition(s, StateDisconnected, false, reason); err != nil {
		return err
	}
	c.cancelTimers(s, func(*pendingTimer) bool { return true })
	c.discard(s, finalize)
	c.publishStatus(s)
	log.Slot(s.id).WithField("reason", reason).Info("Session terminated")
	return nil
}

func (c *Controller) shutdown(s *slot) {
	c.cancelTimers(s, func(*pendingTimer) bool { return true })
	c.cancelHistory(s)
	c.discard(s, nil)
	s.state = StateDisconnected
	s.retryEligible = false
	s.reason = "shutdown"
	s.setStatus(c.statusOf(s))
}

// discard invalidates the current handle generation and releases the
// handle. The cache is kept.
func (c *Controller) discard(s *slot, finalize func(Handle)) {
	s.gen++
	s.creating = false
	s.identity = nil
	h := s.handle
	s.handle = nil
	c.store.Clear(s.id)
	if h == nil {
		return
	}
	if finalize != nil {
		finalize(h)
		return
	}
	h.Close()
}

func (c *Controller) transition(s *slot, to State, retryEligible bool, reason string) error {
	if err := checkTransition(s.state, to); err != nil {
		return err
	}
	from := s.state
	s.state = to
	s.retryEligible = retryEligible
	s.reason = reason
	c.cancelTimers(s, func(pt *pendingTimer) bool { return pt.state != to })
	if to != StateConnected {
		c.cancelHistory(s)
	}
	if from != to {
		log.Slot(s.id).WithFields(logrus.Fields{
			"from": from.String(),
			"to":   to.String(),
		}).Debug("State changed")
	}
	return nil
}

func (c *Controller) schedule(s *slot, kind timerKind, d time.Duration, fn func()) {
	c.cancelTimers(s, func(pt *pendingTimer) bool { return s.timers[kind] == pt })
	s.timerSeq++
	token := s.timerSeq
	pt := &pendingTimer{token: token, state: s.state}
	s.timers[kind] = pt
	pt.timer = c.opts.Scheduler.AfterFunc(d, func() {
		c.post(s, func() {
			cur, ok := s.timers[kind]
			if !ok || cur.token != token {
				return
			}
			delete(s.timers, kind)
			fn()
		})
	})
}

func (c *Controller) cancelTimers(s *slot, match func(*pendingTimer) bool) {
	for kind, pt := range s.timers {
		if !match(pt) {
			continue
		}
		if pt.timer != nil {
			pt.timer.Stop()
		}
		delete(s.timers, kind)
	}
}

func (c *Controller) cancelHistory(s *slot) {
	if s.historyCancel != nil {
		s.historyCancel()
		s.historyCancel = nil
	}
}

func (c *Controller) publishStatus(s *slot) {
	st := c.statusOf(s)
	s.setStatus(st)
	c.pub.Publish(StatusChanged{Status: st})
}

func (c *Controller) statusOf(s *slot) Status {
	st := Status{
		Slot:      s.id,
		State:     s.state,
		Connected: s.state == StateConnected,
		Reason:    s.reason,
	}
	if s.state == StateDisconnected {
		st.RetryEligible = s.retryEligible
	}
	if s.identity != nil {
		id := *s.identity
		st.Identity = &id
	}
	return st
}

func (c *Controller) ordered() []*slot {
	out := make([]*slot, 0, len(c.slots))
	for _, s := range c.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *slot) setStatus(st Status) {
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}

func (s *slot) snapshot() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st := s.status
	if st.Identity != nil {
		id := *st.Identity
		st.Identity = &id
	}
	return st
}
