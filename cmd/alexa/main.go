// Command alexa is the main entry point for the Alexa live study companion.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/alexa/internal/app"
	"github.com/MrWong99/alexa/internal/config"
	"github.com/MrWong99/alexa/internal/observe"
	"github.com/MrWong99/alexa/pkg/audio"
	malgomic "github.com/MrWong99/alexa/pkg/audio/malgo"
	"github.com/MrWong99/alexa/pkg/audio/speaker"
	"github.com/MrWong99/alexa/pkg/provider/chat"
	geminichat "github.com/MrWong99/alexa/pkg/provider/chat/gemini"
	"github.com/MrWong99/alexa/pkg/provider/live"
	geminilive "github.com/MrWong99/alexa/pkg/provider/live/gemini"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults only when empty)")
	envFile := flag.String("env", ".env", "dotenv file to load before reading the environment")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "alexa: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		switch {
		case errors.Is(err, config.ErrMissingCredential):
			fmt.Fprintln(os.Stderr, config.Default().Persona.MissingKeyError)
			fmt.Fprintf(os.Stderr, "alexa: %v\n", err)
		case errors.Is(err, os.ErrNotExist):
			fmt.Fprintf(os.Stderr, "alexa: config file %q not found\n", *configPath)
		default:
			fmt.Fprintf(os.Stderr, "alexa: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("alexa starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "alexa",
		ServiceVersion: version,
		LiveModel:      cfg.Gemini.LiveModel,
		ChatModel:      cfg.Gemini.ChatModel,
		Voice:          cfg.Gemini.Voice,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, config.WithLevelVar(&level))
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		go func() { _ = watcher.Run(ctx) }()
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithMetricsHandler(telemetry.Handler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		if providers.Output != nil {
			_ = providers.Output.Close()
		}
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in backend factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLive("gemini", func(cfg config.GeminiConfig) (live.Provider, error) {
		opts := []geminilive.Option{geminilive.WithModel(cfg.LiveModel)}
		if cfg.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(cfg.BaseURL))
		}
		return geminilive.New(cfg.APIKey, opts...), nil
	})

	reg.RegisterChat("gemini", func(ctx context.Context, cfg config.GeminiConfig) (chat.Provider, error) {
		var opts []geminichat.Option
		if cfg.BaseURL != "" {
			opts = append(opts, geminichat.WithBaseURL(cfg.BaseURL))
		}
		return geminichat.New(ctx, cfg.APIKey, opts...)
	})

	reg.RegisterInput("malgo", func(config.AudioConfig) (audio.Microphone, error) {
		return malgomic.New(), nil
	})
	reg.RegisterInput("none", func(config.AudioConfig) (audio.Microphone, error) {
		return audio.NoMicrophone{}, nil
	})

	reg.RegisterOutput("oto", func(cfg config.AudioConfig, tl *speaker.Timeline) (io.Closer, error) {
		return speaker.New(tl, cfg.OutputLatency)
	})
	reg.RegisterOutput("null", func(_ config.AudioConfig, tl *speaker.Timeline) (io.Closer, error) {
		return speaker.NewNull(tl, 0), nil
	})
}

// buildProviders instantiates every backend named in cfg. The output device
// is started last so nothing is left playing when an earlier step fails.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	lp, err := reg.CreateLive(cfg.Gemini)
	if err != nil {
		return nil, fmt.Errorf("create live provider: %w", err)
	}
	cp, err := reg.CreateChat(ctx, cfg.Gemini)
	if err != nil {
		return nil, fmt.Errorf("create chat provider: %w", err)
	}
	mic, err := reg.CreateInput(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create input %q: %w", cfg.Audio.Input, err)
	}

	tl := speaker.NewTimeline(cfg.Audio.OutputRate)
	out, err := reg.CreateOutput(cfg.Audio, tl)
	if err != nil {
		return nil, fmt.Errorf("create output %q: %w", cfg.Audio.Output, err)
	}

	slog.Info("providers created",
		"live", cfg.Gemini.Provider+"/"+cfg.Gemini.LiveModel,
		"chat", cfg.Gemini.Provider+"/"+cfg.Gemini.ChatModel,
		"input", cfg.Audio.Input,
		"output", cfg.Audio.Output,
	)
	return &app.Providers{
		Live:       lp,
		Chat:       cp,
		Microphone: mic,
		Clock:      tl,
		Output:     out,
	}, nil
}
