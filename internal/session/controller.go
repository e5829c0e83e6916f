// Package session owns the lifecycle of the realtime voice session.
//
// A [Controller] runs one control loop ([Controller.Run]). Every command
// (connect, disconnect, reconnect, mute, context replacement) and every
// asynchronous event (dial result, transport event, backoff timer) is handled
// on that loop, so session state has a single owner and at most one realtime
// session is ever open.
//
// Dial attempts run off the loop and are tagged with a generation number.
// Tearing a session down bumps the generation, so a dial that completes after
// it was superseded is closed on arrival instead of being adopted.
//
// When an open session drops, the controller retries with exponential backoff
// (base × 2^attempt) up to a configured number of attempts and then settles in
// [StateError] with a user-facing message. A microphone that cannot be opened
// is terminal and never retried.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/alexa/internal/capture"
	"github.com/MrWong99/alexa/internal/chat"
	"github.com/MrWong99/alexa/internal/observe"
	"github.com/MrWong99/alexa/internal/playback"
	"github.com/MrWong99/alexa/pkg/audio"
	"github.com/MrWong99/alexa/pkg/provider/live"
)

// ErrStopped is returned by commands issued after Run has returned.
var ErrStopped = errors.New("session: controller stopped")

// Config configures a [Controller]. Zero values select the defaults noted on
// each field.
type Config struct {
	// Voice is the synthesised voice name.
	Voice string

	// Instructions is the persona prompt. The context text is appended to it
	// for every dial.
	Instructions string

	// InputRate is the capture sample rate. Default: 16000.
	InputRate int

	// FrameSamples is the capture frame size. Default: 4096.
	FrameSamples int

	// VolumeGain scales the frame RMS into the loudness readout. Default: 5.
	VolumeGain float64

	// SendQueue bounds the outbound audio queue. Default: 8.
	SendQueue int

	// MaxRetries is the number of automatic reconnects after a drop.
	// Default: 3.
	MaxRetries int

	// BaseDelay is the delay before the first automatic reconnect.
	// Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps a single reconnect delay. Zero means no cap.
	MaxDelay time.Duration

	// Greeting is sent once per process, hidden, through the chat side
	// channel after the first successful open. Empty disables it.
	Greeting string

	// NewContentNotice is a fmt template with one %s for the context name. It
	// is sent hidden through the chat side channel when new content arrives.
	NewContentNotice string

	// ContentLoadedNotice is a fmt template with one %s for the context name.
	// It is shown as a system message next to the hidden notice.
	ContentLoadedNotice string

	// BusyError is shown once automatic reconnects are exhausted.
	BusyError string

	// MicError is shown when the microphone cannot be used.
	MicError string
}

func (c *Config) applyDefaults() {
	if c.InputRate <= 0 {
		c.InputRate = audio.DefaultInputRate
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = audio.DefaultFrameSamples
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
}

// Deps are the collaborators of a [Controller].
type Deps struct {
	// Live opens realtime sessions.
	Live live.Provider

	// Microphone is opened once per session.
	Microphone audio.Microphone

	// Clock is the playback output.
	Clock audio.Clock

	// Chat is the side channel used for the greeting and content notices.
	// Nil disables both.
	Chat *chat.Client
}

// Option is a functional option for configuring a Controller.
type Option func(*Controller)

// WithAfterFunc replaces the timer used for reconnect backoff.
func WithAfterFunc(fn AfterFunc) Option {
	return func(c *Controller) { c.afterFunc = fn }
}

// WithMetrics sets the metrics instance. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// ── loop events ──────────────────────────────────────────────────────────────

type dialResult struct {
	gen    uint64
	sess   live.Session
	stream audio.Stream
	err    error
}

type sessionEnded struct {
	gen    uint64
	err    error
	device bool
}

type backoffFired struct {
	seq uint64
}

// ── Controller ───────────────────────────────────────────────────────────────

// Controller drives the realtime session. Create it with [New] and start
// [Controller.Run]; all other methods are safe for concurrent use.
type Controller struct {
	cfg       Config
	live      live.Provider
	mic       audio.Microphone
	chat      *chat.Client
	scheduler *playback.Scheduler
	afterFunc AfterFunc
	metrics   *observe.Metrics
	status    *statusHub

	cmds   chan func()
	events chan any
	done   chan struct{}
	chatWG sync.WaitGroup

	// Owned by the Run goroutine.
	runCtx        context.Context
	state         State
	backoff       Backoff
	muted         bool
	greeted       bool
	contextName   string
	contextText   string
	pendingNotice string
	gen           uint64
	dialCancel    context.CancelFunc
	backoffSeq    uint64
	backoffStop   func() bool
	sess          live.Session
	pipeline      *capture.Pipeline
	pumpCancel    context.CancelFunc
	pumpDone      chan struct{}
}

// New creates a Controller. The playback scheduler is created on deps.Clock
// at the provider's output rate.
func New(deps Deps, cfg Config, opts ...Option) *Controller {
	cfg.applyDefaults()
	c := &Controller{
		cfg:       cfg,
		live:      deps.Live,
		mic:       deps.Microphone,
		chat:      deps.Chat,
		afterFunc: timeAfterFunc,
		status:    newStatusHub(),
		cmds:      make(chan func()),
		events:    make(chan any),
		done:      make(chan struct{}),
		state:     StateIdle,
		backoff:   Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay, MaxRetries: cfg.MaxRetries},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.scheduler = playback.New(deps.Clock,
		playback.WithInputRate(deps.Live.OutputRate()),
		playback.WithSpeakingFunc(c.status.setSpeaking),
		playback.WithMetrics(c.metrics),
	)
	return c
}

// Run processes commands and events until ctx is cancelled. On return the
// session is torn down and playback is stopped. Run must be called once.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.done)
	slog.Info("session controller started")

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			c.pendingNotice = ""
			c.setState(StateIdle, "")
			c.scheduler.Close()
			c.chatWG.Wait()
			slog.Info("session controller stopped")
			return nil
		case fn := <-c.cmds:
			fn()
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// Status returns a snapshot of the current session status.
func (c *Controller) Status() Status { return c.status.snapshot() }

// Subscribe returns a channel that receives a status snapshot after every
// transition. Only the latest snapshot is kept for a slow reader. Call the
// returned function to unsubscribe.
func (c *Controller) Subscribe() (<-chan Status, func()) { return c.status.subscribe() }

// Connect opens a session for the given context. An existing session is torn
// down first. The retry budget and any previous error are reset.
func (c *Controller) Connect(ctx context.Context, name, text string) error {
	return c.do(ctx, func() {
		c.teardown()
		c.setContext(name, text)
		c.backoff.Reset()
		c.dial()
	})
}

// Reconnect tears the session down and dials again with the current context
// and a fresh retry budget.
func (c *Controller) Reconnect(ctx context.Context) error {
	return c.do(ctx, func() {
		c.teardown()
		c.backoff.Reset()
		c.dial()
	})
}

// Disconnect closes the session and returns to idle. It is safe in every
// state and cancels a pending reconnect.
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.do(ctx, func() {
		c.teardown()
		c.pendingNotice = ""
		c.backoff.Reset()
		c.setState(StateIdle, "")
	})
}

// ToggleMute flips the microphone mute flag and returns the new value. The
// flag survives reconnects.
func (c *Controller) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := c.do(ctx, func() {
		c.muted = !c.muted
		muted = c.muted
		if c.pipeline != nil {
			c.pipeline.SetMuted(muted)
		}
		c.publish()
	})
	return muted, err
}

// ReplaceContext switches to new context text. The current session is closed
// and a new one is dialled with the new text; once it is open a single hidden
// new-content notice naming the context is sent through the chat side channel.
func (c *Controller) ReplaceContext(ctx context.Context, name, text string) error {
	return c.do(ctx, func() {
		c.teardown()
		c.setContext(name, text)
		c.pendingNotice = name
		c.backoff.Reset()
		c.dial()
	})
}

// NotifyNewContent sends the hidden new-content notice for name right away.
func (c *Controller) NotifyNewContent(ctx context.Context, name string) error {
	if c.chat == nil {
		return nil
	}
	_, err := c.chat.Send(ctx, c.noticeRequest(name))
	return err
}

// do runs fn on the loop and waits for it to finish.
func (c *Controller) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(finished) }:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// post delivers an event to the loop. It reports false if the loop is gone
// or ctx ended first.
func (c *Controller) post(ctx context.Context, ev any) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	}
}

// ── loop side ────────────────────────────────────────────────────────────────

func (c *Controller) handle(ev any) {
	switch ev := ev.(type) {
	case dialResult:
		c.handleDial(ev)
	case sessionEnded:
		c.handleEnded(ev)
	case backoffFired:
		if ev.seq != c.backoffSeq || c.state != StateBackoff {
			return
		}
		c.backoffStop = nil
		slog.Info("attempting reconnection", "attempt", c.backoff.Attempts())
		c.dial()
	}
}

func (c *Controller) setContext(name, text string) {
	c.contextName = name
	c.contextText = text
	if c.chat != nil {
		c.chat.SetContext(text)
	}
}

func (c *Controller) dial() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(c.runCtx)
	c.dialCancel = cancel
	c.setState(StateConnecting, "")

	cfg := live.SessionConfig{
		Voice:        c.cfg.Voice,
		Instructions: chat.BuildInstructions(c.cfg.Instructions, c.contextText),
		InputRate:    c.cfg.InputRate,
	}
	format := audio.Format{SampleRate: c.cfg.InputRate, Channels: 1}
	runCtx := c.runCtx

	go func() {
		res := dialResult{gen: gen}
		res.stream, res.err = c.mic.Open(ctx, format, c.cfg.FrameSamples)
		if res.err == nil {
			res.sess, res.err = c.connect(ctx, cfg)
			if res.err != nil {
				_ = res.stream.Close()
				res.stream = nil
			}
		}
		if !c.post(runCtx, res) {
			closeDialed(res)
		}
	}()
}

func (c *Controller) connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	ctx, span := observe.StartSpan(ctx, "realtime.dial")
	start := time.Now()
	sess, err := c.live.Connect(ctx, cfg)
	observe.EndSpan(span, err)

	status := "opened"
	if err != nil {
		status = "failed"
	}
	c.metrics.RecordConnect(ctx, status, time.Since(start))
	return sess, err
}

func closeDialed(res dialResult) {
	if res.sess != nil {
		_ = res.sess.Close()
	}
	if res.stream != nil {
		_ = res.stream.Close()
	}
}

func (c *Controller) handleDial(res dialResult) {
	if res.gen != c.gen || c.state != StateConnecting {
		closeDialed(res)
		return
	}
	c.dialCancel()
	c.dialCancel = nil

	if res.err != nil {
		if errors.Is(res.err, audio.ErrDeviceUnavailable) {
			slog.Error("microphone unavailable", "err", res.err)
			c.setState(StateError, c.cfg.MicError)
			return
		}
		c.scheduleRetry(res.err)
		return
	}
	c.open(res)
}

func (c *Controller) open(res dialResult) {
	c.backoff.Reset()
	c.sess = res.sess
	c.pipeline = capture.Start(res.stream, res.sess,
		capture.WithGain(c.cfg.VolumeGain),
		capture.WithQueueSize(c.cfg.SendQueue),
		capture.WithMuted(c.muted),
		capture.WithVolumeFunc(c.status.setVolume),
		capture.WithMetrics(c.metrics),
	)

	pumpCtx, cancel := context.WithCancel(c.runCtx)
	c.pumpCancel = cancel
	c.pumpDone = make(chan struct{})
	go c.pump(pumpCtx, res.gen, res.sess, c.pipeline, c.pumpDone)

	c.metrics.ActiveSessions.Add(c.runCtx, 1)
	c.setState(StateOpen, "")
	slog.Info("realtime session open", "context", c.contextName)

	if !c.greeted && c.cfg.Greeting != "" {
		c.greeted = true
		c.sendChat(chat.Request{Text: c.cfg.Greeting, Hidden: true})
	}
	if c.pendingNotice != "" {
		c.sendChat(c.noticeRequest(c.pendingNotice))
		c.pendingNotice = ""
	}
}

func (c *Controller) noticeRequest(name string) chat.Request {
	req := chat.Request{Text: name, Hidden: true}
	if c.cfg.NewContentNotice != "" {
		req.Text = fmt.Sprintf(c.cfg.NewContentNotice, name)
	}
	if c.cfg.ContentLoadedNotice != "" {
		req.Notice = fmt.Sprintf(c.cfg.ContentLoadedNotice, name)
	}
	return req
}

func (c *Controller) sendChat(req chat.Request) {
	if c.chat == nil {
		return
	}
	ctx := c.runCtx
	c.chatWG.Add(1)
	go func() {
		defer c.chatWG.Done()
		if _, err := c.chat.Send(ctx, req); err != nil {
			slog.Warn("hidden chat send failed", "err", err)
		}
	}()
}

// pump forwards transport events of one session. It reports the end of the
// session to the loop and exits when ctx is cancelled.
func (c *Controller) pump(ctx context.Context, gen uint64, sess live.Session, pl *capture.Pipeline, done chan<- struct{}) {
	defer close(done)
	events := sess.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pl.Done():
			c.post(ctx, sessionEnded{gen: gen, err: audio.ErrDeviceUnavailable, device: true})
			return
		case ev, ok := <-events:
			if !ok {
				c.post(ctx, sessionEnded{gen: gen, err: live.ErrSessionClosed})
				return
			}
			switch ev.Kind {
			case live.EventAudio:
				if _, err := c.scheduler.Enqueue(ev.Audio); err != nil {
					return
				}
			case live.EventInterrupted:
				c.scheduler.Interrupt()
			case live.EventTurnComplete:
				slog.Debug("realtime turn complete")
			case live.EventClosed:
				c.post(ctx, sessionEnded{gen: gen})
				return
			case live.EventError:
				c.post(ctx, sessionEnded{gen: gen, err: ev.Err})
				return
			}
		}
	}
}

func (c *Controller) handleEnded(ev sessionEnded) {
	if ev.gen != c.gen || c.state != StateOpen {
		return
	}
	c.teardown()
	if ev.device {
		slog.Error("microphone stream ended", "err", ev.err)
		c.setState(StateError, c.cfg.MicError)
		return
	}
	c.scheduleRetry(ev.err)
}

func (c *Controller) scheduleRetry(cause error) {
	delay, ok := c.backoff.Next()
	if !ok {
		slog.Error("realtime reconnect attempts exhausted", "attempt", c.backoff.Attempts(), "err", cause)
		c.setState(StateError, c.cfg.BusyError)
		return
	}
	c.backoffSeq++
	seq := c.backoffSeq
	ctx := c.runCtx
	c.backoffStop = c.afterFunc(delay, func() { c.post(ctx, backoffFired{seq: seq}) })
	c.metrics.ReconnectAttempts.Add(ctx, 1)
	slog.Warn("realtime connection lost, scheduling reconnect",
		"attempt", c.backoff.Attempts(), "delay", delay, "err", cause)
	c.setState(StateBackoff, "")
}

// teardown releases everything tied to the current session and invalidates
// in-flight dials and timers. Safe in every state.
func (c *Controller) teardown() {
	c.gen++
	c.backoffSeq++
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	if c.backoffStop != nil {
		c.backoffStop()
		c.backoffStop = nil
	}
	if c.pumpCancel != nil {
		c.pumpCancel()
		c.pumpCancel = nil
	}
	if c.sess != nil {
		if err := c.sess.Close(); err != nil {
			slog.Debug("closing realtime session", "err", err)
		}
		c.sess = nil
		c.metrics.ActiveSessions.Add(c.runCtx, -1)
	}
	if c.pipeline != nil {
		c.pipeline.Stop()
		c.pipeline = nil
	}
	if c.pumpDone != nil {
		<-c.pumpDone
		c.pumpDone = nil
	}
	c.scheduler.Interrupt()
	c.status.setVolume(0)
}

func (c *Controller) setState(s State, errText string) {
	if c.state != s {
		slog.Debug("session state", "state", s, "from", c.state)
	}
	c.state = s
	c.status.update(func(st *Status) {
		st.State = s
		st.Connected = s == StateOpen
		st.Error = errText
		st.RetryCount = c.backoff.Attempts()
		st.Muted = c.muted
		st.ContextName = c.contextName
	})
}

func (c *Controller) publish() {
	c.status.update(func(st *Status) {
		st.Muted = c.muted
	})
}
