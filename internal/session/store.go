package session

import (
	"sort"
	"strings"
	"sync"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/text"
)

// Store holds the live handle and the conversation cache of every slot.
// Nothing is persisted; the cache outlives reconnects but not the process.
type Store struct {
	mu    sync.RWMutex
	slots map[int]*slotCache
}

type slotCache struct {
	handle        Handle
	conversations map[string]*conversation
	open          string
}

type conversation struct {
	chat      string
	name      string
	messages  []Message
	keys      map[string]struct{}
	lastText  string
	lastTS    int64
	unread    int
	hasRecent bool
}

// Patch updates conversation metadata. A contact name always wins, a push
// name only fills an empty name.
type Patch struct {
	ContactName string
	PushName    string
}

// Conversation is a copy of one cached conversation.
type Conversation struct {
	Summary
	Messages []Message `json:"messages"`
}

// Summary is a conversation list entry.
type Summary struct {
	Chat          string `json:"chatId"`
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	Initials      string `json:"initials"`
	Preview       string `json:"preview"`
	LastTimestamp int64  `json:"lastTimestamp"`
	Unread        int    `json:"unreadCount"`
	Open          bool   `json:"open"`
}

// Unread is the badge state of a slot. Total excludes the open conversation.
type Unread struct {
	Total         int            `json:"total"`
	Conversations map[string]int `json:"conversations"`
}

func NewStore(slots int) *Store {
	s := &Store{slots: make(map[int]*slotCache, slots)}
	for i := 1; i <= slots; i++ {
		s.slots[i] = &slotCache{conversations: make(map[string]*conversation)}
	}
	return s
}

// Slots returns the configured slot ids in order.
func (s *Store) Slots() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (s *Store) Has(slot int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.slots[slot]
	return ok
}

func (s *Store) Get(slot int) (Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.slots[slot]
	if !ok || sc.handle == nil {
		return nil, false
	}
	return sc.handle, true
}

func (s *Store) Set(slot int, h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.slots[slot]; ok {
		sc.handle = h
	}
}

// Clear drops the handle. The conversation cache is kept.
func (s *Store) Clear(slot int) {
	s.Set(slot, nil)
}

func (s *Store) UpsertConversation(slot int, chat string, p Patch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversation(slot, chat)
	if conv == nil {
		return
	}
	switch {
	case p.ContactName != "":
		conv.name = p.ContactName
	case p.PushName != "" && conv.name == "":
		conv.name = p.PushName
	}
}

// AppendMessage records a message and reports whether it was new. Live
// inbound messages count as unread unless their conversation is open.
func (s *Store) AppendMessage(slot int, chat string, msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.slots[slot]
	if !ok {
		return false
	}
	conv := s.conversation(slot, chat)
	if !conv.insert(msg) {
		return false
	}
	if !msg.FromMe && !msg.History && sc.open != chat {
		conv.unread++
	}
	return true
}

// RecordHistory merges backfilled messages in timestamp order, marking each
// as history. Unread counts are not touched. Returns the messages that
// were new, in timestamp order.
func (s *Store) RecordHistory(slot int, chat string, msgs []Message) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversation(slot, chat)
	if conv == nil {
		return nil
	}
	var added []Message
	for _, msg := range msgs {
		msg.History = true
		if conv.insert(msg) {
			added = append(added, msg)
		}
	}
	sort.SliceStable(added, func(i, j int) bool {
		return added[i].Timestamp < added[j].Timestamp
	})
	return added
}

// OpenConversation marks chat as the one being read and zeroes its unread.
func (s *Store) OpenConversation(slot int, chat string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.slots[slot]
	if !ok {
		return ErrUnknownSlot
	}
	conv := s.conversation(slot, chat)
	sc.open = chat
	conv.unread = 0
	return nil
}

func (s *Store) CloseConversation(slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.slots[slot]
	if !ok {
		return ErrUnknownSlot
	}
	sc.open = ""
	return nil
}

func (s *Store) OpenChat(slot int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sc, ok := s.slots[slot]; ok {
		return sc.open
	}
	return ""
}

func (s *Store) Unread(slot int) Unread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u := Unread{Conversations: map[string]int{}}
	sc, ok := s.slots[slot]
	if !ok {
		return u
	}
	for chat, conv := range sc.conversations {
		if conv.unread == 0 {
			continue
		}
		u.Conversations[chat] = conv.unread
		if chat != sc.open {
			u.Total += conv.unread
		}
	}
	return u
}

// Conversations lists a slot's conversations, most recent first.
func (s *Store) Conversations(slot int) []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.slots[slot]
	if !ok {
		return nil
	}
	out := make([]Summary, 0, len(sc.conversations))
	for _, conv := range sc.conversations {
		out = append(out, conv.summary(sc.open))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastTimestamp != out[j].LastTimestamp {
			return out[i].LastTimestamp > out[j].LastTimestamp
		}
		return out[i].Chat < out[j].Chat
	})
	return out
}

func (s *Store) Conversation(slot int, chat string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.slots[slot]
	if !ok {
		return Conversation{}, false
	}
	conv, ok := sc.conversations[chat]
	if !ok {
		return Conversation{}, false
	}
	msgs := make([]Message, len(conv.messages))
	copy(msgs, conv.messages)
	return Conversation{Summary: conv.summary(sc.open), Messages: msgs}, true
}

// conversation returns the cached conversation, creating it on first use.
// Caller holds the write lock.
func (s *Store) conversation(slot int, chat string) *conversation {
	sc, ok := s.slots[slot]
	if !ok {
		return nil
	}
	conv, ok := sc.conversations[chat]
	if !ok {
		conv = &conversation{chat: chat, keys: make(map[string]struct{})}
		sc.conversations[chat] = conv
	}
	return conv
}

// insert keeps messages ordered by timestamp; equal timestamps keep
// arrival order.
func (c *conversation) insert(msg Message) bool {
	if msg.Key != "" {
		if _, dup := c.keys[msg.Key]; dup {
			return false
		}
		c.keys[msg.Key] = struct{}{}
	}
	i := sort.Search(len(c.messages), func(i int) bool {
		return c.messages[i].Timestamp > msg.Timestamp
	})
	c.messages = append(c.messages, Message{})
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = msg

	if !c.hasRecent || msg.Timestamp >= c.lastTS {
		c.lastTS = msg.Timestamp
		c.lastText = msg.Text
		c.hasRecent = true
	}
	return true
}

func (c *conversation) summary(open string) Summary {
	user := c.chat
	if at := strings.IndexByte(user, '@'); at >= 0 {
		user = user[:at]
	}
	name := c.name
	if name == "" {
		name = text.FormatPhone(user)
	}
	return Summary{
		Chat:          c.chat,
		Name:          name,
		Phone:         text.FormatPhone(user),
		Initials:      text.Initials(name),
		Preview:       text.Preview(c.lastText),
		LastTimestamp: c.lastTS,
		Unread:        c.unread,
		Open:          c.chat == open,
	}
}
