// Package gemini implements the live.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Microphone audio is transmitted as base64-encoded PCM chunks tagged with
// their rate; synthesised audio arrives as base64-encoded PCM at 24 kHz inside
// model turns.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/alexa/pkg/audio"
	"github.com/MrWong99/alexa/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	defaultVoice   = "Kore"

	setupTimeout      = 15 * time.Second
	writeTimeout      = 5 * time.Second
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
	readLimit   = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithSetupTimeout bounds how long Connect waits for the setup
// acknowledgement.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.setupTimeout = d
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	setupTimeout time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		setupTimeout: setupTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// OutputRate implements live.Provider. Gemini Live always synthesises 24 kHz.
func (p *Provider) OutputRate() int { return audio.DefaultOutputRate }

// Connect dials the Gemini Live endpoint, sends the setup message and waits
// for setupComplete. The returned Session is ready to accept audio.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &live.TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(readLimit)

	inputRate := cfg.InputRate
	if inputRate <= 0 {
		inputRate = audio.DefaultInputRate
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		events:   make(chan live.Event, eventBuffer),
		done:     make(chan struct{}),
		ctx:      sessCtx,
		cancel:   sessCancel,
		mimeType: audio.PCMMimeType(inputRate),
	}

	if err := sess.sendSetup(p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, &live.TransportError{Op: "setup", Err: err}
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, p.setupTimeout)
	err = sess.awaitSetupComplete(waitCtx)
	waitCancel()
	if err != nil {
		sessCancel()
		conn.Close(websocket.StatusPolicyViolation, "setup not acknowledged")
		return nil, &live.TransportError{Op: "setup", Err: err}
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	events   chan live.Event
	mimeType string

	mu     sync.Mutex
	errVal *live.TransportError
	done   chan struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(model string, cfg live.SessionConfig) error {
	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	return s.writeJSON(msg)
}

// awaitSetupComplete reads frames until the server acknowledges the setup.
// An error frame or a read failure aborts the handshake.
func (s *session) awaitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return msg.Error.asError()
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and turns them into events.
// It owns the events channel and closes it when it exits; the terminal
// event (closed or error) is emitted at most once, right before that.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		if msg.Error != nil {
			s.fail("server", msg.Error.asError())
			s.conn.CloseNow()
			continue
		}
		if msg.GoAway != nil {
			slog.Warn("gemini live: server is going away", "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent != nil && !s.handleServerContent(msg.ServerContent) {
			return
		}
	}
}

// finish emits the terminal event for a read that ended with err.
func (s *session) finish(readErr error) {
	s.mu.Lock()
	userClosed := s.closed
	failed := s.errVal
	s.mu.Unlock()

	switch {
	case failed != nil:
		s.emit(live.Event{Kind: live.EventError, Err: failed})
	case userClosed:
		// Close was called; no event.
	case websocket.CloseStatus(readErr) == websocket.StatusNormalClosure:
		s.emit(live.Event{Kind: live.EventClosed})
	default:
		s.fail("read", readErr)
		s.mu.Lock()
		failed = s.errVal
		s.mu.Unlock()
		s.emit(live.Event{Kind: live.EventError, Err: failed})
	}
}

// handleServerContent emits events for one serverContent frame. It returns
// false when the session context ended while emitting.
func (s *session) handleServerContent(sc *serverContent) bool {
	if sc.Interrupted {
		if !s.emit(live.Event{Kind: live.EventInterrupted}) {
			return false
		}
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(pcm) == 0 {
				continue
			}
			if !s.emit(live.Event{Kind: live.EventAudio, Audio: pcm}) {
				return false
			}
		}
	}
	if sc.TurnComplete {
		return s.emit(live.Event{Kind: live.EventTurnComplete})
	}
	return true
}

// emit delivers ev unless the session was closed by the caller.
func (s *session) emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// fail records the first transport error.
func (s *session) fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil && !s.closed {
		s.errVal = &live.TransportError{Op: op, Err: err}
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (e *geminiError) asError() error {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Errorf("gemini: %s (%d %s)", msg, e.Code, e.Status)
	}
	return errors.New("gemini: " + msg)
}

// ── Session methods ───────────────────────────────────────────────────────────

func (s *session) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.errVal != nil {
		return live.ErrSessionClosed
	}
	return nil
}

// write sends v; a failed write fails the whole session so that the receive
// loop reports it as the terminal error.
func (s *session) write(v any) error {
	if err := s.writeJSON(v); err != nil {
		if s.ctx.Err() != nil {
			return live.ErrSessionClosed
		}
		s.fail("write", err)
		s.conn.CloseNow()
		return &live.TransportError{Op: "write", Err: err}
	}
	return nil
}

// SendAudio delivers a raw PCM audio chunk (s16le, mono) to the model.
func (s *session) SendAudio(pcm []byte) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.write(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{
				MIMEType: s.mimeType,
				Data:     base64.StdEncoding.EncodeToString(pcm),
			}},
		},
	})
}

// SendText inserts a complete user turn, with an optional JPEG image.
func (s *session) SendText(text string, jpeg []byte) error {
	if err := s.usable(); err != nil {
		return err
	}
	var parts []part
	if len(jpeg) > 0 {
		parts = append(parts, part{InlineData: &inlineData{
			MIMEType: "image/jpeg",
			Data:     base64.StdEncoding.EncodeToString(jpeg),
		}})
	}
	if text != "" {
		parts = append(parts, part{Text: text})
	}
	if len(parts) == 0 {
		return nil
	}
	return s.write(clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: "user", Parts: parts}},
			TurnComplete: true,
		},
	})
}

// Events returns the inbound event stream.
func (s *session) Events() <-chan live.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
