// Package api is the HTTP boundary between the session core and the visual
// layer. It exposes the session status, the chat log and the user commands
// as a small JSON API, and streams status and message updates over a
// websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/alexa/internal/chat"
	"github.com/MrWong99/alexa/internal/health"
	"github.com/MrWong99/alexa/internal/observe"
	"github.com/MrWong99/alexa/internal/session"
)

// maxBodyBytes bounds request bodies. Context text and base64 images are the
// largest payloads.
const maxBodyBytes = 32 << 20

// Session is the part of [session.Controller] the API drives.
type Session interface {
	Status() session.Status
	Subscribe() (<-chan session.Status, func())
	Connect(ctx context.Context, name, text string) error
	Reconnect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	ToggleMute(ctx context.Context) (bool, error)
	ReplaceContext(ctx context.Context, name, text string) error
	NotifyNewContent(ctx context.Context, name string) error
}

// Chat is the part of [chat.Client] the API drives.
type Chat interface {
	Send(ctx context.Context, req chat.Request) (string, error)
	History() *chat.History
}

var (
	_ Session = (*session.Controller)(nil)
	_ Chat    = (*chat.Client)(nil)
)

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithMetrics sets the metrics instance. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithHealth mounts the probes of h at /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithVolumeInterval sets how often the event stream samples the input
// volume. Default: 100ms.
func WithVolumeInterval(d time.Duration) Option {
	return func(s *Server) { s.volumeInterval = d }
}

// WithOriginPatterns sets the host patterns allowed to open the event stream
// from another origin. By default only same-origin requests are accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// Server serves the API. Create it with [NewServer] and mount [Server.Handler].
type Server struct {
	session        Session
	chat           Chat
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	volumeInterval time.Duration
	originPatterns []string
}

// NewServer creates a Server for the given session and chat client.
func NewServer(sess Session, c Chat, opts ...Option) *Server {
	s := &Server{
		session:        sess,
		chat:           c,
		volumeInterval: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// RealtimeChecker reports the realtime session as unready while it sits in
// the terminal error state.
func RealtimeChecker(sess Session) health.Checker {
	return health.Checker{
		Name: "realtime",
		Check: func(context.Context) error {
			if st := sess.Status(); st.State == session.StateError {
				return errors.New(st.Error)
			}
			return nil
		},
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(observe.Middleware(s.metrics))

	if s.health != nil {
		s.health.Register(r)
	}
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers the /api routes on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.GetStatus)
		r.Get("/messages", s.GetMessages)
		r.Post("/messages", s.PostMessage)
		r.Post("/connect", s.Connect)
		r.Post("/reconnect", s.Reconnect)
		r.Post("/disconnect", s.Disconnect)
		r.Post("/mute", s.ToggleMute)
		r.Post("/content", s.ReplaceContent)
		r.Post("/notify", s.NotifyNewContent)
		r.Get("/events", s.Events)
	})
}

// ── handlers ─────────────────────────────────────────────────────────────────

// GetStatus returns the current session status.
func (s *Server) GetStatus(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, s.session.Status())
}

// GetMessages returns the chat log in creation order.
func (s *Server) GetMessages(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, s.chat.History().Messages())
}

type messageRequest struct {
	Text  string `json:"text"`
	Image []byte `json:"image,omitempty"` // base64 in JSON
}

// PostMessage sends a text and/or image turn through the side channel and
// returns the reply. The log is updated regardless of the outcome.
func (s *Server) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decode(w, r, &req) {
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" && len(req.Image) == 0 {
		Error(w, http.StatusBadRequest, "text or image is required")
		return
	}

	reply, err := s.chat.Send(r.Context(), chat.Request{Text: req.Text, Image: req.Image})
	if err != nil {
		var chErr *chat.ChannelError
		if errors.As(err, &chErr) {
			Error(w, http.StatusBadGateway, "exchange failed")
			return
		}
		commandError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"reply": reply})
}

type connectRequest struct {
	Name    string `json:"name"`
	Context string `json:"context"`
}

// Connect opens a session for the given context.
func (s *Server) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.session.Connect(r.Context(), req.Name, req.Context); err != nil {
		commandError(w, err)
		return
	}
	JSON(w, http.StatusAccepted, s.session.Status())
}

// Reconnect re-dials with the current context and a fresh retry budget.
func (s *Server) Reconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Reconnect(r.Context()); err != nil {
		commandError(w, err)
		return
	}
	JSON(w, http.StatusAccepted, s.session.Status())
}

// Disconnect closes the session.
func (s *Server) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Disconnect(r.Context()); err != nil {
		commandError(w, err)
		return
	}
	JSON(w, http.StatusOK, s.session.Status())
}

// ToggleMute flips the microphone mute flag.
func (s *Server) ToggleMute(w http.ResponseWriter, r *http.Request) {
	muted, err := s.session.ToggleMute(r.Context())
	if err != nil {
		commandError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"muted": muted})
}

type contentRequest struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// ReplaceContent swaps in new context material. The session is re-dialled and
// the assistant is told about the new material once it is open.
func (s *Server) ReplaceContent(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" || strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "name and text are required")
		return
	}
	if err := s.session.ReplaceContext(r.Context(), req.Name, req.Text); err != nil {
		commandError(w, err)
		return
	}
	JSON(w, http.StatusAccepted, s.session.Status())
}

type notifyRequest struct {
	Name string `json:"name"`
}

// NotifyNewContent tells the assistant about new material by name without
// touching the realtime session.
func (s *Server) NotifyNewContent(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.session.NotifyNewContent(r.Context(), req.Name); err != nil {
		var chErr *chat.ChannelError
		if errors.As(err, &chErr) {
			Error(w, http.StatusBadGateway, "exchange failed")
			return
		}
		commandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── helpers ──────────────────────────────────────────────────────────────────

// JSON writes v as a JSON response.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "err", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// commandError maps controller errors to responses.
func commandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrStopped):
		Error(w, http.StatusServiceUnavailable, "session stopped")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		Error(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		slog.Warn("api command failed", "err", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
