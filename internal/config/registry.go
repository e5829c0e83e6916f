package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/alexa/pkg/audio"
	"github.com/MrWong99/alexa/pkg/audio/speaker"
	"github.com/MrWong99/alexa/pkg/provider/chat"
	"github.com/MrWong99/alexa/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// OutputFactory starts a playback backend that drains tl. Closing the
// returned value stops playback.
type OutputFactory func(cfg AudioConfig, tl *speaker.Timeline) (io.Closer, error)

// Registry maps backend names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	live   map[string]func(GeminiConfig) (live.Provider, error)
	chat   map[string]func(context.Context, GeminiConfig) (chat.Provider, error)
	input  map[string]func(AudioConfig) (audio.Microphone, error)
	output map[string]OutputFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:   make(map[string]func(GeminiConfig) (live.Provider, error)),
		chat:   make(map[string]func(context.Context, GeminiConfig) (chat.Provider, error)),
		input:  make(map[string]func(AudioConfig) (audio.Microphone, error)),
		output: make(map[string]OutputFactory),
	}
}

// RegisterLive registers a realtime provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory func(GeminiConfig) (live.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterChat registers a chat provider factory under name.
func (r *Registry) RegisterChat(name string, factory func(context.Context, GeminiConfig) (chat.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat[name] = factory
}

// RegisterInput registers a microphone backend under name.
func (r *Registry) RegisterInput(name string, factory func(AudioConfig) (audio.Microphone, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input[name] = factory
}

// RegisterOutput registers a playback backend under name.
func (r *Registry) RegisterOutput(name string, factory OutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateLive instantiates the realtime provider registered under cfg.Provider.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLive(cfg GeminiConfig) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.live[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateChat instantiates the chat provider registered under cfg.Provider.
func (r *Registry) CreateChat(ctx context.Context, cfg GeminiConfig) (chat.Provider, error) {
	r.mu.RLock()
	factory, ok := r.chat[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: chat/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(ctx, cfg)
}

// CreateInput instantiates the microphone backend registered under cfg.Input.
func (r *Registry) CreateInput(cfg AudioConfig) (audio.Microphone, error) {
	r.mu.RLock()
	factory, ok := r.input[cfg.Input]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: input/%q", ErrProviderNotRegistered, cfg.Input)
	}
	return factory(cfg)
}

// CreateOutput starts the playback backend registered under cfg.Output.
func (r *Registry) CreateOutput(cfg AudioConfig, tl *speaker.Timeline) (io.Closer, error) {
	r.mu.RLock()
	factory, ok := r.output[cfg.Output]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrProviderNotRegistered, cfg.Output)
	}
	return factory(cfg, tl)
}
