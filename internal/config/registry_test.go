package config_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/MrWong99/alexa/internal/config"
	"github.com/MrWong99/alexa/pkg/audio"
	"github.com/MrWong99/alexa/pkg/audio/speaker"
	"github.com/MrWong99/alexa/pkg/provider/chat"
	chatmock "github.com/MrWong99/alexa/pkg/provider/chat/mock"
	"github.com/MrWong99/alexa/pkg/provider/live"
	livemock "github.com/MrWong99/alexa/pkg/provider/live/mock"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	checks := map[string]error{}
	_, checks["live"] = r.CreateLive(config.GeminiConfig{Provider: "nope"})
	_, checks["chat"] = r.CreateChat(context.Background(), config.GeminiConfig{Provider: "nope"})
	_, checks["input"] = r.CreateInput(config.AudioConfig{Input: "nope"})
	_, checks["output"] = r.CreateOutput(config.AudioConfig{Output: "nope"}, speaker.NewTimeline(24000))

	for kind, err := range checks {
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("%s: err = %v, want ErrProviderNotRegistered", kind, err)
		}
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	lp := &livemock.Provider{}
	cp := &chatmock.Provider{}
	var gotKey string
	r.RegisterLive("gemini", func(cfg config.GeminiConfig) (live.Provider, error) {
		gotKey = cfg.APIKey
		return lp, nil
	})
	r.RegisterChat("gemini", func(context.Context, config.GeminiConfig) (chat.Provider, error) { return cp, nil })
	r.RegisterInput("none", func(config.AudioConfig) (audio.Microphone, error) { return audio.NoMicrophone{}, nil })
	r.RegisterOutput("null", func(config.AudioConfig, *speaker.Timeline) (io.Closer, error) { return nopCloser{}, nil })

	gc := config.GeminiConfig{Provider: "gemini", APIKey: "k"}
	if got, err := r.CreateLive(gc); err != nil || got != lp {
		t.Errorf("CreateLive = %v, %v", got, err)
	}
	if gotKey != "k" {
		t.Errorf("factory saw api key %q", gotKey)
	}
	if got, err := r.CreateChat(context.Background(), gc); err != nil || got != cp {
		t.Errorf("CreateChat = %v, %v", got, err)
	}
	if _, err := r.CreateInput(config.AudioConfig{Input: "none"}); err != nil {
		t.Errorf("CreateInput: %v", err)
	}
	if _, err := r.CreateOutput(config.AudioConfig{Output: "null"}, speaker.NewTimeline(24000)); err != nil {
		t.Errorf("CreateOutput: %v", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	boom := errors.New("no device")
	r.RegisterInput("malgo", func(config.AudioConfig) (audio.Microphone, error) { return nil, boom })

	if _, err := r.CreateInput(config.AudioConfig{Input: "malgo"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want factory error", err)
	}
}
