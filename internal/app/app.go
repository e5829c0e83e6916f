// Package app wires all Alexa subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the chat client, the
// session controller, the content watcher and the HTTP API; Run executes them
// until the context ends; Shutdown releases the audio output and anything
// else registered as a closer.
//
// For testing, inject doubles through [Providers] and the functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/alexa/internal/api"
	"github.com/MrWong99/alexa/internal/chat"
	"github.com/MrWong99/alexa/internal/config"
	"github.com/MrWong99/alexa/internal/content"
	"github.com/MrWong99/alexa/internal/health"
	"github.com/MrWong99/alexa/internal/observe"
	"github.com/MrWong99/alexa/internal/resilience"
	"github.com/MrWong99/alexa/internal/session"
	"github.com/MrWong99/alexa/pkg/audio"
	providerchat "github.com/MrWong99/alexa/pkg/provider/chat"
	"github.com/MrWong99/alexa/pkg/provider/live"
)

// Providers holds the external collaborators. Populated by main.go via the
// config registry.
type Providers struct {
	Live       live.Provider
	Chat       providerchat.Provider
	Microphone audio.Microphone

	// Clock is the playback timeline the output device drains.
	Clock audio.Clock

	// Output is the running playback backend. Closed on Shutdown. May be nil.
	Output io.Closer
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler

	history    *chat.History
	chat       *chat.Client
	controller *session.Controller
	watcher    *content.Watcher
	server     *api.Server

	// closers are called in order during Shutdown.
	closers []func() error

	addrMu sync.Mutex
	addr   net.Addr
	ready  chan struct{}

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics instance. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(_ context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Live == nil || providers.Chat == nil ||
		providers.Microphone == nil || providers.Clock == nil {
		return nil, errors.New("app: live, chat, microphone and clock providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		ready:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if providers.Output != nil {
		a.closers = append(a.closers, providers.Output.Close)
	}

	// ── 1. Chat side channel ─────────────────────────────────────────────
	a.history = chat.NewHistory()
	a.chat = chat.NewClient(providers.Chat, a.history, chat.Config{
		Model:            cfg.Gemini.ChatModel,
		Instructions:     cfg.Persona.Instructions,
		Search:           cfg.Gemini.Search,
		ImagePrompt:      cfg.Persona.ImagePrompt,
		ImagePlaceholder: cfg.Persona.ImagePlaceholder,
		FailureNotice:    cfg.Persona.FailureNotice,
	},
		chat.WithMetrics(a.metrics),
		chat.WithBreaker(resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "chat",
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
		})),
	)

	// ── 2. Session controller ────────────────────────────────────────────
	a.controller = session.New(session.Deps{
		Live:       providers.Live,
		Microphone: providers.Microphone,
		Clock:      providers.Clock,
		Chat:       a.chat,
	}, session.Config{
		Voice:               cfg.Gemini.Voice,
		Instructions:        cfg.Persona.Instructions,
		InputRate:           cfg.Audio.InputRate,
		FrameSamples:        cfg.Audio.FrameSamples,
		VolumeGain:          cfg.Audio.VolumeGain,
		SendQueue:           cfg.Audio.SendQueue,
		MaxRetries:          cfg.Reconnect.MaxRetries,
		BaseDelay:           cfg.Reconnect.BaseDelay,
		MaxDelay:            cfg.Reconnect.MaxDelay,
		Greeting:            cfg.Persona.Greeting,
		NewContentNotice:    cfg.Persona.NewContentNotice,
		ContentLoadedNotice: cfg.Persona.ContentLoadedNotice,
		BusyError:           cfg.Persona.BusyError,
		MicError:            cfg.Persona.MicError,
	}, session.WithMetrics(a.metrics))

	// ── 3. Content source (optional) ─────────────────────────────────────
	if cfg.Content.Path != "" {
		a.watcher = content.New(cfg.Content.Path, a.controller,
			content.WithInterval(cfg.Content.PollInterval),
			content.WithMinLength(cfg.Content.MinLength),
		)
	}

	// ── 4. HTTP API ──────────────────────────────────────────────────────
	apiOpts := []api.Option{
		api.WithMetrics(a.metrics),
		api.WithHealth(health.New(api.RealtimeChecker(a.controller))),
	}
	if a.metricsHandler != nil {
		apiOpts = append(apiOpts, api.WithMetricsHandler(a.metricsHandler))
	}
	a.server = api.NewServer(a.controller, a.chat, apiOpts...)

	return a, nil
}

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.controller }

// History returns the chat message log.
func (a *App) History() *chat.History { return a.history }

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Addr blocks until the HTTP listener is bound and returns its address, or
// returns nil if ctx ends first.
func (a *App) Addr(ctx context.Context) net.Addr {
	select {
	case <-a.ready:
	case <-ctx.Done():
		return nil
	}
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the controller, the content watcher and the HTTP server and
// blocks until ctx is cancelled or one of them fails. When ctx is done, Run
// returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	a.addrMu.Lock()
	a.addr = ln.Addr()
	a.addrMu.Unlock()
	close(a.ready)

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.controller.Run(gctx)
	})

	if a.watcher != nil {
		g.Go(func() error {
			return a.watcher.Run(gctx)
		})
	}

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		return nil
	})

	slog.Info("app running", "addr", ln.Addr().String(), "content", a.cfg.Content.Path)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases resources in order. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
