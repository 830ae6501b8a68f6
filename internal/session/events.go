package session

// Event is something the controller publishes after the store is updated.
type Event interface {
	SlotID() int
}

// Publisher receives controller events. Publish must not block for long;
// it runs on the slot timeline.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// PairingChallenge carries a QR payload and, when rendering worked, a PNG
// data URL of it.
type PairingChallenge struct {
	Slot  int
	Raw   string
	Image string
}

type StatusChanged struct {
	Status
}

type MessagesReceived struct {
	Slot     int
	Messages []Message
}

// HistoryReceived carries the newly backfilled messages of one conversation.
type HistoryReceived struct {
	Slot     int
	Chat     string
	Name     string
	Messages []Message
}

// HistoryLoaded closes one backfill run. Count is the number of
// conversations that received history, Messages the number of messages.
type HistoryLoaded struct {
	Slot     int
	Count    int
	Messages int
}

type UnreadChanged struct {
	Slot   int
	Unread Unread
}

func (e PairingChallenge) SlotID() int { return e.Slot }
func (e StatusChanged) SlotID() int    { return e.Status.Slot }
func (e MessagesReceived) SlotID() int { return e.Slot }
func (e HistoryReceived) SlotID() int  { return e.Slot }
func (e HistoryLoaded) SlotID() int    { return e.Slot }
func (e UnreadChanged) SlotID() int    { return e.Slot }
