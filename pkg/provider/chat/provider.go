// Package chat defines the Provider interface for text/image conversational
// backends.
//
// A chat provider runs a stateful multi-turn conversation with a remote model,
// separate from the realtime voice session. Each [Conversation] keeps its own
// history on the remote side or inside the SDK; callers send one [Turn] at a
// time and receive one [Reply].
//
// Implementors must be safe for concurrent use. A single Conversation is not
// required to handle overlapping Send calls; callers serialize them.
package chat

import "context"

// Config configures a new conversation.
type Config struct {
	// Model is the provider model identifier (e.g. "gemini-3-pro-preview").
	Model string

	// Instructions is the system instruction, fixed for the lifetime of the
	// conversation.
	Instructions string

	// Search enables web-search grounding. Grounded answers carry
	// [Reference] values.
	Search bool
}

// Turn is one user input.
type Turn struct {
	// Text is the user's message. May be empty when Image is set.
	Text string

	// Image is an optional JPEG attachment.
	Image []byte
}

// Reference is a web source the model grounded its answer on.
type Reference struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// Reply is the model's answer to one Turn.
type Reply struct {
	Text       string
	References []Reference
}

// Conversation is a multi-turn exchange with the model.
type Conversation interface {
	// Send submits turn and blocks until the model answered or ctx ends.
	Send(ctx context.Context, turn Turn) (Reply, error)
}

// Provider creates conversations.
type Provider interface {
	NewConversation(ctx context.Context, cfg Config) (Conversation, error)
}
