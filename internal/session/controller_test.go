package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	mu        sync.Mutex
	dead      bool
	identity  Identity
	history   []HistoryBatch
	historyFn func(ctx context.Context) ([]HistoryBatch, error)
	closed    int
	loggedOut int
}

func (h *fakeHandle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.dead && h.closed == 0
}

func (h *fakeHandle) Identity() Identity { return h.identity }

func (h *fakeHandle) SendText(context.Context, string, string) (string, error) {
	return "ID", nil
}

func (h *fakeHandle) FetchHistory(ctx context.Context) ([]HistoryBatch, error) {
	if h.historyFn != nil {
		return h.historyFn(ctx)
	}
	return h.history, nil
}

func (h *fakeHandle) Logout(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loggedOut++
	return nil
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
}

type fakeDialer struct {
	mu      sync.Mutex
	errs    map[int]error
	panics  map[int]bool
	handles map[int][]*fakeHandle
	sinks   map[int][]Sink
	history []HistoryBatch
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		errs:    map[int]error{},
		panics:  map[int]bool{},
		handles: map[int][]*fakeHandle{},
		sinks:   map[int][]Sink{},
	}
}

func (d *fakeDialer) Dial(_ context.Context, slot int, sink Sink) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[slot] = append(d.sinks[slot], sink)
	if d.panics[slot] {
		panic("boom")
	}
	if err := d.errs[slot]; err != nil {
		return nil, err
	}
	h := &fakeHandle{history: d.history}
	d.handles[slot] = append(d.handles[slot], h)
	return h, nil
}

func (d *fakeDialer) dials(slot int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sinks[slot])
}

func (d *fakeDialer) sink(slot int) Sink {
	d.mu.Lock()
	defer d.mu.Unlock()
	sinks := d.sinks[slot]
	return sinks[len(sinks)-1]
}

func (d *fakeDialer) handle(slot int) *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs := d.handles[slot]
	return hs[len(hs)-1]
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

type fakeScheduler struct {
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) pending() []*fakeTimer {
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (s *fakeScheduler) fire(t *fakeTimer) {
	t.fired = true
	t.f()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func eventsOf[T Event](r *recorder) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []T
	for _, e := range r.events {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type harness struct {
	c     *Controller
	store *Store
	dial  *fakeDialer
	sched *fakeScheduler
	rec   *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: NewStore(4),
		dial:  newFakeDialer(),
		sched: &fakeScheduler{},
		rec:   &recorder{},
	}
	h.c = NewController(h.store, h.dial, h.rec, Options{
		ReconnectDelay: 3 * time.Second,
		HistoryDelay:   5 * time.Second,
		HistoryTimeout: time.Second,
		RenderQR: func(code string) (string, error) {
			if code == "unrenderable" {
				return "", errors.New("too long")
			}
			return "data:image/png;base64," + code, nil
		},
		Scheduler: h.sched,
		Go:        func(f func()) { f() },
	})
	t.Cleanup(func() { _ = h.c.Stop(context.Background()) })
	return h
}

func (h *harness) drain() {
	for _, s := range h.c.ordered() {
		s.box.drain()
	}
}

func (h *harness) state(slot int) Status {
	st, _ := h.c.Status(slot)
	return st
}

// connect brings a slot from start to connected.
func (h *harness) connect(t *testing.T, slot int) *fakeHandle {
	t.Helper()
	require.NoError(t, h.c.Reconnect(slot))
	h.drain()
	h.dial.sink(slot)(Opened{Identity: Identity{JID: "5511000000000@s.whatsapp.net", Name: "Ops"}})
	h.drain()
	require.Equal(t, StateConnected, h.state(slot).State)
	return h.dial.handle(slot)
}

func (h *harness) pendingOf(d time.Duration) []*fakeTimer {
	var out []*fakeTimer
	for _, t := range h.sched.pending() {
		if t.d == d {
			out = append(out, t)
		}
	}
	return out
}

func TestControllerPairingThenConnected(t *testing.T) {
	h := newHarness(t)
	h.c.connectAll()
	h.drain()

	for slot := 1; slot <= 4; slot++ {
		assert.Equal(t, 1, h.dial.dials(slot))
		assert.Equal(t, StateInitializing, h.state(slot).State)
		_, ok := h.store.Get(slot)
		assert.True(t, ok)
	}

	h.dial.sink(1)(PairingCode{Code: "qr-1"})
	h.dial.sink(1)(PairingCode{Code: "qr-2"})
	h.dial.sink(1)(PairingCode{Code: "unrenderable"})
	h.drain()

	assert.Equal(t, StateAwaitingPairing, h.state(1).State)
	challenges := eventsOf[PairingChallenge](h.rec)
	require.Len(t, challenges, 3)
	assert.Equal(t, "data:image/png;base64,qr-1", challenges[0].Image)
	assert.Equal(t, "qr-2", challenges[1].Raw)
	assert.Empty(t, challenges[2].Image, "raw code still sent when rendering fails")
	assert.Equal(t, "unrenderable", challenges[2].Raw)

	h.dial.sink(1)(Opened{Identity: Identity{JID: "5511000000000@s.whatsapp.net", Name: "Ops"}})
	h.drain()

	st := h.state(1)
	assert.Equal(t, StateConnected, st.State)
	require.NotNil(t, st.Identity)
	assert.Equal(t, "Ops", st.Identity.Name)
	assert.Len(t, h.pendingOf(5*time.Second), 1, "one backfill scheduled")
}

func TestControllerLoggedOutIsTerminal(t *testing.T) {
	h := newHarness(t)
	old := h.connect(t, 1)

	h.dial.sink(1)(Closed{Reason: ReasonLoggedOut})
	h.drain()

	st := h.state(1)
	assert.Equal(t, StateDisconnected, st.State)
	assert.False(t, st.RetryEligible)
	assert.Nil(t, st.Identity)
	_, ok := h.store.Get(1)
	assert.False(t, ok, "handle cleared")
	assert.Equal(t, 1, old.closed)
	assert.Empty(t, h.sched.pending(), "no retry and no backfill")

	for _, tm := range h.sched.timers {
		if !tm.fired {
			h.sched.fire(tm)
		}
	}
	h.drain()
	assert.Equal(t, 1, h.dial.dials(1), "no reconnect attempt")
	assert.Equal(t, StateDisconnected, h.state(1).State)
}

func TestControllerConnectionLostRetriesOnce(t *testing.T) {
	h := newHarness(t)
	old := h.connect(t, 2)

	h.dial.sink(2)(Closed{Reason: ReasonConnectionLost})
	h.dial.sink(2)(Closed{Reason: ReasonConnectionLost, Detail: "again"})
	h.drain()

	st := h.state(2)
	assert.Equal(t, StateDisconnected, st.State)
	assert.True(t, st.RetryEligible)
	retries := h.pendingOf(3 * time.Second)
	require.Len(t, retries, 1, "exactly one retry pending")
	assert.Empty(t, h.pendingOf(5*time.Second), "backfill cancelled on disconnect")

	h.sched.fire(retries[0])
	h.drain()

	assert.Equal(t, 2, h.dial.dials(2))
	assert.Equal(t, 1, old.closed, "old handle discarded before the new one")
	cur, ok := h.store.Get(2)
	require.True(t, ok)
	assert.Same(t, h.dial.handle(2), cur)
	assert.Equal(t, StateInitializing, h.state(2).State)
}

func TestControllerStaleSignalsIgnored(t *testing.T) {
	h := newHarness(t)
	h.connect(t, 1)
	oldSink := h.dial.sink(1)

	require.NoError(t, h.c.Reconnect(1))
	h.drain()
	assert.Equal(t, 2, h.dial.dials(1))

	oldSink(Opened{Identity: Identity{JID: "old"}})
	oldSink(Closed{Reason: ReasonLoggedOut})
	oldSink(Incoming{Messages: []Message{inbound("x", 1)}})
	h.drain()

	assert.Equal(t, StateInitializing, h.state(1).State)
	_, ok := h.store.Conversation(1, chatA)
	assert.False(t, ok)
}

func TestControllerLogoutCancelsPendingRetry(t *testing.T) {
	h := newHarness(t)
	old := h.connect(t, 1)

	h.dial.sink(1)(Closed{Reason: ReasonConnectionLost})
	h.drain()
	retries := h.pendingOf(3 * time.Second)
	require.Len(t, retries, 1)

	require.NoError(t, h.c.Logout(1))
	h.drain()
	assert.True(t, retries[0].stopped)
	assert.Equal(t, 1, old.loggedOut)
	assert.Equal(t, 1, old.closed)

	// a timer that already fired before the logout must still be inert
	h.sched.fire(retries[0])
	h.drain()
	assert.Equal(t, 1, h.dial.dials(1))
	st := h.state(1)
	assert.Equal(t, StateDisconnected, st.State)
	assert.False(t, st.RetryEligible)
}

func TestControllerInitErrorIsIsolated(t *testing.T) {
	h := newHarness(t)
	h.dial.errs[3] = errors.New("credentials unreadable")
	h.dial.panics[4] = true
	h.c.connectAll()
	h.drain()

	for _, slot := range []int{3, 4} {
		st := h.state(slot)
		assert.Equal(t, StateDisconnected, st.State, "slot %d", slot)
		assert.True(t, st.RetryEligible)
		assert.Equal(t, string(ReasonInitFailed), st.Reason)
	}
	assert.Len(t, h.pendingOf(3*time.Second), 2)
	assert.Equal(t, StateInitializing, h.state(1).State)
	assert.Equal(t, StateInitializing, h.state(2).State)

	delete(h.dial.errs, 3)
	for _, tm := range h.pendingOf(3 * time.Second) {
		h.sched.fire(tm)
	}
	h.drain()
	assert.Equal(t, StateInitializing, h.state(3).State)
	assert.Equal(t, 2, h.dial.dials(3))
}

func TestControllerUnreadBadge(t *testing.T) {
	h := newHarness(t)
	h.connect(t, 2)
	h.rec.reset()

	h.dial.sink(2)(Incoming{Messages: []Message{inbound("m1", 100)}})
	h.dial.sink(2)(Incoming{Messages: []Message{inbound("m2", 101)}})
	h.drain()

	assert.Equal(t, 2, h.store.Unread(2).Total)
	assert.Len(t, eventsOf[MessagesReceived](h.rec), 2)
	badges := eventsOf[UnreadChanged](h.rec)
	require.Len(t, badges, 2)
	assert.Equal(t, 2, badges[1].Unread.Total)

	require.NoError(t, h.c.OpenConversation(2, chatA))
	h.drain()
	badges = eventsOf[UnreadChanged](h.rec)
	assert.Equal(t, 0, badges[len(badges)-1].Unread.Total)

	h.dial.sink(2)(Incoming{Messages: []Message{
		inbound("m3", 102),
		{Key: "b1", Chat: chatB, Timestamp: 103, PushName: "Bea"},
	}})
	h.drain()

	badges = eventsOf[UnreadChanged](h.rec)
	last := badges[len(badges)-1].Unread
	assert.Equal(t, 1, last.Total, "open conversation excluded from badge")
	assert.NotContains(t, last.Conversations, chatA)
	conv, _ := h.store.Conversation(2, chatB)
	assert.Equal(t, "Bea", conv.Name)
}

func TestControllerDropsMessagesOutsideConnected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Reconnect(1))
	h.drain()

	h.dial.sink(1)(Incoming{Messages: []Message{inbound("early", 1)}})
	h.drain()

	_, ok := h.store.Conversation(1, chatA)
	assert.False(t, ok)
	assert.Empty(t, eventsOf[MessagesReceived](h.rec))
}

func TestControllerHistoryBackfill(t *testing.T) {
	h := newHarness(t)
	h.dial.history = []HistoryBatch{
		{Chat: chatA, Name: "Alice", Messages: []Message{inbound("h2", 20), inbound("h1", 10)}},
		{Chat: chatB},
	}
	h.connect(t, 1)

	backfills := h.pendingOf(5 * time.Second)
	require.Len(t, backfills, 1)
	h.sched.fire(backfills[0])
	h.drain()

	hist := eventsOf[HistoryReceived](h.rec)
	require.Len(t, hist, 1)
	assert.Equal(t, chatA, hist[0].Chat)
	require.Len(t, hist[0].Messages, 2)
	assert.Equal(t, "h1", hist[0].Messages[0].Key)
	for _, m := range hist[0].Messages {
		assert.True(t, m.History)
	}
	loaded := eventsOf[HistoryLoaded](h.rec)
	require.Len(t, loaded, 1)
	assert.Equal(t, 1, loaded[0].Count, "count is conversations")
	assert.Equal(t, 2, loaded[0].Messages)
	assert.Equal(t, 0, h.store.Unread(1).Total, "history never unread")
	conv, _ := h.store.Conversation(1, chatA)
	assert.Equal(t, "Alice", conv.Name)

	h.dial.sink(1)(HistoryAvailable{})
	h.drain()
	assert.Len(t, h.pendingOf(5*time.Second), 1, "late history schedules another backfill")
}

func TestControllerBackfillCancelledOnDisconnect(t *testing.T) {
	h := newHarness(t)
	handle := h.connect(t, 1)

	ctxs := make(chan context.Context, 1)
	release := make(chan struct{})
	handle.historyFn = func(ctx context.Context) ([]HistoryBatch, error) {
		ctxs <- ctx
		<-release
		return nil, ctx.Err()
	}
	var fetch func()
	h.c.opts.Go = func(f func()) { fetch = f }

	h.sched.fire(h.pendingOf(5 * time.Second)[0])
	h.drain()
	require.NotNil(t, fetch)

	done := make(chan struct{})
	go func() { fetch(); close(done) }()
	fetchCtx := <-ctxs

	h.dial.sink(1)(Closed{Reason: ReasonConnectionLost})
	h.drain()
	assert.ErrorIs(t, fetchCtx.Err(), context.Canceled)

	close(release)
	<-done
	h.drain()
	assert.Empty(t, eventsOf[HistoryLoaded](h.rec))
}

func TestControllerCheckHealth(t *testing.T) {
	h := newHarness(t)
	handle := h.connect(t, 1)

	require.NoError(t, h.c.CheckHealth(1))
	h.drain()
	assert.Equal(t, StateConnected, h.state(1).State)

	handle.mu.Lock()
	handle.dead = true
	handle.mu.Unlock()
	require.NoError(t, h.c.CheckHealth(1))
	h.drain()

	st := h.state(1)
	assert.Equal(t, StateDisconnected, st.State)
	assert.True(t, st.RetryEligible)
	assert.Len(t, h.pendingOf(3*time.Second), 1)
}

func TestControllerRecordOutbound(t *testing.T) {
	h := newHarness(t)
	h.c.RecordOutbound(1, Message{Key: "out", Chat: chatA, Text: "hi", Timestamp: 5})
	_, ok := h.store.Conversation(1, chatA)
	assert.False(t, ok, "recorded on the slot timeline")
	h.drain()

	conv, ok := h.store.Conversation(1, chatA)
	require.True(t, ok)
	assert.True(t, conv.Messages[0].FromMe)
	assert.Equal(t, 0, conv.Unread)
	assert.Len(t, eventsOf[MessagesReceived](h.rec), 1)
}

func TestControllerBadgesFollowSlotTimeline(t *testing.T) {
	h := newHarness(t)
	h.connect(t, 1)
	h.rec.reset()

	h.dial.sink(1)(Incoming{Messages: []Message{inbound("m1", 100)}})
	require.NoError(t, h.c.OpenConversation(1, chatA))
	h.dial.sink(1)(Incoming{Messages: []Message{{Key: "b1", Chat: chatB, Timestamp: 101}}})
	require.NoError(t, h.c.CloseConversation(1))
	assert.Empty(t, eventsOf[UnreadChanged](h.rec), "nothing published off the timeline")
	h.drain()

	badges := eventsOf[UnreadChanged](h.rec)
	require.Len(t, badges, 4)
	assert.Equal(t, 1, badges[0].Unread.Total)
	assert.Equal(t, 0, badges[1].Unread.Total)
	assert.Equal(t, 1, badges[2].Unread.Total)
	assert.Equal(t, 1, badges[3].Unread.Total)
	assert.Equal(t, 1, h.store.Unread(1).Total)

	assert.ErrorIs(t, h.c.OpenConversation(9, chatA), ErrUnknownSlot)
}

func TestControllerUnknownSlot(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.c.Reconnect(9), ErrUnknownSlot)
	_, err := h.c.Status(9)
	assert.ErrorIs(t, err, ErrUnknownSlot)
	assert.Len(t, h.c.Statuses(), 4)
}

func TestControllerStop(t *testing.T) {
	h := newHarness(t)
	handle := h.connect(t, 1)
	h.dial.sink(1)(Closed{Reason: ReasonConnectionLost})
	h.drain()

	require.NoError(t, h.c.Stop(context.Background()))
	assert.Equal(t, 1, handle.closed)
	assert.Empty(t, h.sched.pending())
	assert.ErrorIs(t, h.c.Reconnect(1), ErrStopped)
}

func TestControllerStartRunsTimelines(t *testing.T) {
	store := NewStore(2)
	dial := newFakeDialer()
	rec := &recorder{}
	c := NewController(store, dial, rec, Options{Scheduler: &fakeScheduler{}})
	c.Start()
	defer func() { _ = c.Stop(context.Background()) }()

	require.Eventually(t, func() bool {
		_, ok1 := store.Get(1)
		_, ok2 := store.Get(2)
		return ok1 && ok2
	}, time.Second, 5*time.Millisecond)

	dial.sink(1)(Opened{Identity: Identity{JID: "me"}})
	require.Eventually(t, func() bool {
		st, _ := c.Status(1)
		return st.State == StateConnected
	}, time.Second, 5*time.Millisecond)
}
