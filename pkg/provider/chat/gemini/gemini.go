// Package gemini implements chat.Provider on top of the Google Gen AI SDK.
//
// Conversations use the SDK's chat sessions, so the turn history is kept
// client-side and replayed on every request. Web grounding is provided by the
// Google Search tool; grounding chunks are surfaced as chat.Reference values.
package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/MrWong99/alexa/pkg/provider/chat"
)

var _ chat.Provider = (*Provider)(nil)
var _ chat.Conversation = (*conversation)(nil)

const defaultModel = "gemini-3-pro-preview"

// Option is a functional option for configuring a Provider.
type Option func(*options)

type options struct {
	baseURL string
}

// WithBaseURL points the SDK at a different API endpoint.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// Provider implements chat.Provider for the Gemini Developer API.
type Provider struct {
	client *genai.Client
}

// New creates a Provider authenticated with apiKey.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if o.baseURL != "" {
		cc.HTTPOptions.BaseURL = o.baseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini chat: create client: %w", err)
	}
	return &Provider{client: client}, nil
}

// NewConversation starts a chat session. The system instruction is fixed at
// creation time.
func (p *Provider) NewConversation(ctx context.Context, cfg chat.Config) (chat.Conversation, error) {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	gcfg := &genai.GenerateContentConfig{}
	if cfg.Instructions != "" {
		gcfg.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if cfg.Search {
		gcfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	c, err := p.client.Chats.Create(ctx, model, gcfg, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini chat: create conversation: %w", err)
	}
	return &conversation{chat: c}, nil
}

type conversation struct {
	chat *genai.Chat
}

// Send implements chat.Conversation.
func (c *conversation) Send(ctx context.Context, turn chat.Turn) (chat.Reply, error) {
	var parts []genai.Part
	if len(turn.Image) > 0 {
		parts = append(parts, *genai.NewPartFromBytes(turn.Image, "image/jpeg"))
	}
	if turn.Text != "" {
		parts = append(parts, *genai.NewPartFromText(turn.Text))
	}
	if len(parts) == 0 {
		return chat.Reply{}, fmt.Errorf("gemini chat: empty turn")
	}

	resp, err := c.chat.SendMessage(ctx, parts...)
	if err != nil {
		return chat.Reply{}, fmt.Errorf("gemini chat: send: %w", err)
	}
	return chat.Reply{
		Text:       resp.Text(),
		References: references(resp),
	}, nil
}

// references extracts web sources from the first candidate's grounding
// metadata, skipping chunks without a URI.
func references(resp *genai.GenerateContentResponse) []chat.Reference {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	gm := resp.Candidates[0].GroundingMetadata
	if gm == nil {
		return nil
	}
	var refs []chat.Reference
	for _, gc := range gm.GroundingChunks {
		if gc == nil || gc.Web == nil || gc.Web.URI == "" {
			continue
		}
		refs = append(refs, chat.Reference{URI: gc.Web.URI, Title: gc.Web.Title})
	}
	return refs
}
