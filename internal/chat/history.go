package chat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	providerchat "github.com/MrWong99/alexa/pkg/provider/chat"
)

// Role identifies who authored a [Message].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of the visible conversation. Messages are never
// mutated after they were appended.
type Message struct {
	ID         string                   `json:"id"`
	Role       Role                     `json:"role"`
	Text       string                   `json:"text"`
	CreatedAt  time.Time                `json:"created_at"`
	References []providerchat.Reference `json:"references,omitempty"`
}

// subscriberBuffer is the per-subscriber backlog before appends are dropped
// for that subscriber.
const subscriberBuffer = 64

// History is the append-only, creation-ordered message log shared by the chat
// client and the UI layer. It is safe for concurrent use.
type History struct {
	mu      sync.Mutex
	msgs    []Message
	subs    map[int]chan Message
	nextSub int
	now     func() time.Time
}

// NewHistory returns an empty History.
func NewHistory() *History {
	return &History{
		subs: make(map[int]chan Message),
		now:  time.Now,
	}
}

// Append adds a message and notifies subscribers. CreatedAt never goes
// backwards, so the log stays ordered by creation time.
func (h *History) Append(role Role, text string, refs []providerchat.Reference) Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	at := h.now()
	if n := len(h.msgs); n > 0 && at.Before(h.msgs[n-1].CreatedAt) {
		at = h.msgs[n-1].CreatedAt
	}
	msg := Message{
		ID:         uuid.NewString(),
		Role:       role,
		Text:       text,
		CreatedAt:  at,
		References: append([]providerchat.Reference(nil), refs...),
	}
	h.msgs = append(h.msgs, msg)

	for id, ch := range h.subs {
		select {
		case ch <- msg:
		default:
			slog.Warn("chat history subscriber is lagging, dropping message", "subscriber", id, "message_id", msg.ID)
		}
	}
	return msg
}

// Messages returns a copy of the log in order.
func (h *History) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// Subscribe returns a channel receiving every message appended from now on,
// and a cancel function that closes it. Slow subscribers lose messages
// rather than block appends; they can resynchronise through Messages.
func (h *History) Subscribe() (<-chan Message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	ch := make(chan Message, subscriberBuffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}
