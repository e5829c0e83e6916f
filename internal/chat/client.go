// Package chat implements the side-channel text/image conversation that runs
// next to the realtime voice session.
//
// A single remote conversation is created lazily on first use and reused for
// the lifetime of the process; realtime reconnects do not touch it. Exchanges
// against it are serialized: concurrent [Client.Send] calls queue in arrival
// order instead of interleaving turns.
//
// Failures never escape to the UI as raw errors. A failed exchange appends
// one system message with a configured human-readable notice; the returned
// [*ChannelError] exists for logging only.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/alexa/internal/observe"
	"github.com/MrWong99/alexa/internal/resilience"
	providerchat "github.com/MrWong99/alexa/pkg/provider/chat"
)

// ChannelError reports that a side-channel exchange failed. The user has
// already been informed through a system message.
type ChannelError struct {
	Err error
}

func (e *ChannelError) Error() string { return "chat: exchange failed: " + e.Err.Error() }

func (e *ChannelError) Unwrap() error { return e.Err }

// Config configures a [Client].
type Config struct {
	// Model is the chat model identifier.
	Model string

	// Instructions is the persona prompt. The current context text is
	// appended to it when the conversation is created.
	Instructions string

	// Search enables web-search grounding.
	Search bool

	// ImagePrompt is sent as the text part of image-only turns.
	ImagePrompt string

	// ImagePlaceholder is shown as the user message of image-only turns.
	ImagePlaceholder string

	// FailureNotice is the system message appended when an exchange fails.
	FailureNotice string
}

// Request is one exchange.
type Request struct {
	Text  string
	Image []byte

	// Hidden suppresses the user message. The assistant reply is still shown.
	Hidden bool

	// Notice, if set, is appended as a system message once the exchange
	// starts, so hidden exchanges remain explicable in the log.
	Notice string
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithMetrics sets the metrics instance. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithBreaker sets the circuit breaker guarding the provider.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// Client is the side-channel chat client. It is safe for concurrent use.
type Client struct {
	provider providerchat.Provider
	cfg      Config
	history  *History
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics

	// sem holds one token; owning it grants exclusive use of conv.
	sem  chan struct{}
	conv providerchat.Conversation

	ctxMu       sync.Mutex
	contextText string
}

// NewClient creates a Client that writes into history.
func NewClient(p providerchat.Provider, history *History, cfg Config, opts ...Option) *Client {
	c := &Client{
		provider: p,
		cfg:      cfg,
		history:  history,
		sem:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "chat",
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
		})
	}
	return c
}

// History returns the message log the client appends to.
func (c *Client) History() *History { return c.history }

// SetContext records the context text embedded into the system instruction.
// It only affects a conversation that has not been created yet.
func (c *Client) SetContext(text string) {
	c.ctxMu.Lock()
	c.contextText = text
	c.ctxMu.Unlock()
}

func (c *Client) instructions() string {
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()
	return BuildInstructions(c.cfg.Instructions, c.contextText)
}

// contextHeader introduces the context text inside the system instruction.
const contextHeader = "[محتوى الكتاب الحالي]:"

// BuildInstructions joins the persona prompt and the context text into one
// system instruction.
func BuildInstructions(persona, contextText string) string {
	if contextText == "" {
		return persona
	}
	return persona + "\n\n" + contextHeader + "\n" + contextText
}

// Send performs one exchange and returns the assistant's reply text.
//
// Exchanges run one at a time. Once this call's turn comes, a user message is
// appended unless req.Hidden is set. A successful
// reply is appended as an assistant message together with its grounding
// references. On failure a single system message is appended and a
// *ChannelError is returned. If ctx ends while the call is still queued the
// context error is returned and nothing is appended.
func (c *Client) Send(ctx context.Context, req Request) (string, error) {
	if req.Text == "" && len(req.Image) == 0 {
		return "", errors.New("chat: empty request")
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-c.sem }()

	if !req.Hidden {
		text := req.Text
		if text == "" {
			text = c.cfg.ImagePlaceholder
		}
		c.history.Append(RoleUser, text, nil)
	}

	if req.Notice != "" {
		c.history.Append(RoleSystem, req.Notice, nil)
	}

	turn := providerchat.Turn{Text: req.Text, Image: req.Image}
	if turn.Text == "" {
		turn.Text = c.cfg.ImagePrompt
	}

	ctx, span := observe.StartSpan(ctx, "chat.send")
	start := time.Now()

	var reply providerchat.Reply
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		conv, err := c.conversation(ctx)
		if err != nil {
			return err
		}
		reply, err = conv.Send(ctx, turn)
		return err
	})
	observe.EndSpan(span, err)

	if err != nil {
		status := "error"
		if errors.Is(err, resilience.ErrCircuitOpen) {
			status = "rejected"
		}
		c.metrics.RecordChat(ctx, status, time.Since(start))
		observe.Logger(ctx).Warn("chat exchange failed", "err", err, "hidden", req.Hidden)
		c.history.Append(RoleSystem, c.cfg.FailureNotice, nil)
		return "", &ChannelError{Err: err}
	}

	c.metrics.RecordChat(ctx, "ok", time.Since(start))
	if reply.Text != "" || len(reply.References) > 0 {
		c.history.Append(RoleAssistant, reply.Text, reply.References)
	}
	slog.Debug("chat exchange completed", "hidden", req.Hidden, "references", len(reply.References))
	return reply.Text, nil
}

// conversation returns the shared conversation, creating it on first use.
// Must be called while holding the semaphore.
func (c *Client) conversation(ctx context.Context) (providerchat.Conversation, error) {
	if c.conv != nil {
		return c.conv, nil
	}
	conv, err := c.provider.NewConversation(ctx, providerchat.Config{
		Model:        c.cfg.Model,
		Instructions: c.instructions(),
		Search:       c.cfg.Search,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: create conversation: %w", err)
	}
	c.conv = conv
	return conv, nil
}
