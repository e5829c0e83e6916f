// Package mock provides test doubles for the chat package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/alexa/pkg/provider/chat"
)

// Provider is a mock implementation of chat.Provider. Every NewConversation
// call returns Conversation (or a fresh one if nil).
type Provider struct {
	mu sync.Mutex

	// Conversation is returned by NewConversation.
	Conversation *Conversation

	// NewErr, if non-nil, is returned by NewConversation.
	NewErr error

	// Configs records the Config of every NewConversation call.
	Configs []chat.Config
}

// NewConversation records the call and returns Conversation, NewErr.
func (p *Provider) NewConversation(_ context.Context, cfg chat.Config) (chat.Conversation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Configs = append(p.Configs, cfg)
	if p.NewErr != nil {
		return nil, p.NewErr
	}
	if p.Conversation == nil {
		p.Conversation = &Conversation{}
	}
	return p.Conversation, nil
}

// NewCount returns the number of NewConversation calls. Thread-safe.
func (p *Provider) NewCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Configs)
}

var _ chat.Provider = (*Provider)(nil)

// Conversation is a mock implementation of chat.Conversation.
type Conversation struct {
	mu sync.Mutex

	// SendFunc, if set, computes the reply. It may block.
	SendFunc func(ctx context.Context, turn chat.Turn) (chat.Reply, error)

	// Reply and Err are returned when SendFunc is nil.
	Reply chat.Reply
	Err   error

	// Turns records every turn passed to Send, in order.
	Turns []chat.Turn
}

// Send records turn and returns the configured reply.
func (c *Conversation) Send(ctx context.Context, turn chat.Turn) (chat.Reply, error) {
	c.mu.Lock()
	c.Turns = append(c.Turns, turn)
	fn, reply, err := c.SendFunc, c.Reply, c.Err
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, turn)
	}
	return reply, err
}

// Sent returns a copy of the recorded turns. Thread-safe.
func (c *Conversation) Sent() []chat.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Turn, len(c.Turns))
	copy(out, c.Turns)
	return out
}

var _ chat.Conversation = (*Conversation)(nil)
