package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/alexa/internal/api"
	"github.com/MrWong99/alexa/internal/chat"
	"github.com/MrWong99/alexa/internal/health"
	"github.com/MrWong99/alexa/internal/observe"
	"github.com/MrWong99/alexa/internal/session"
	providerchat "github.com/MrWong99/alexa/pkg/provider/chat"
	"github.com/MrWong99/alexa/pkg/provider/chat/mock"
)

// fakeSession records commands and serves a settable status.
type fakeSession struct {
	mu     sync.Mutex
	status session.Status
	calls  []string
	err    error
	muted  bool
	subs   chan session.Status
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		status: session.Status{State: session.StateIdle},
		subs:   make(chan session.Status, 8),
	}
}

func (f *fakeSession) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeSession) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSession) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSession) setStatus(s session.Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

func (f *fakeSession) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSession) Subscribe() (<-chan session.Status, func()) {
	return f.subs, func() {}
}

func (f *fakeSession) Connect(_ context.Context, name, text string) error {
	return f.record("connect " + name + ":" + text)
}

func (f *fakeSession) Reconnect(context.Context) error { return f.record("reconnect") }

func (f *fakeSession) Disconnect(context.Context) error { return f.record("disconnect") }

func (f *fakeSession) ToggleMute(context.Context) (bool, error) {
	if err := f.record("mute"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = !f.muted
	return f.muted, nil
}

func (f *fakeSession) ReplaceContext(_ context.Context, name, text string) error {
	return f.record("replace " + name + ":" + text)
}

func (f *fakeSession) NotifyNewContent(_ context.Context, name string) error {
	return f.record("notify " + name)
}

var _ api.Session = (*fakeSession)(nil)

type env struct {
	sess *fakeSession
	conv *mock.Conversation
	chat *chat.Client
	srv  *httptest.Server
}

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newEnv(t *testing.T, opts ...api.Option) *env {
	t.Helper()
	return newEnvWith(t, &mock.Conversation{Reply: providerchat.Reply{Text: "answer"}}, opts...)
}

func newEnvWith(t *testing.T, conv *mock.Conversation, opts ...api.Option) *env {
	t.Helper()
	m := newTestMetrics(t)
	e := &env{sess: newFakeSession(), conv: conv}
	e.chat = chat.NewClient(&mock.Provider{Conversation: e.conv}, chat.NewHistory(), chat.Config{
		ImagePrompt:      "describe",
		ImagePlaceholder: "[image]",
		FailureNotice:    "try again",
	}, chat.WithMetrics(m))

	opts = append([]api.Option{
		api.WithMetrics(m),
		api.WithVolumeInterval(10 * time.Millisecond),
		api.WithHealth(health.New(api.RealtimeChecker(e.sess))),
	}, opts...)
	e.srv = httptest.NewServer(api.NewServer(e.sess, e.chat, opts...).Handler())
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestGetStatus(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.sess.setStatus(session.Status{State: session.StateOpen, Connected: true, RetryCount: 2, ContextName: "book.txt"})

	resp, body := e.do(t, http.MethodGet, "/api/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	if body["state"] != "open" || body["connected"] != true || body["retryCount"] != float64(2) || body["contextName"] != "book.txt" {
		t.Errorf("body = %v", body)
	}
}

func TestCommands(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path     string
		body     string
		wantCode int
		wantCall string
	}{
		{"/api/connect", `{"name":"book.txt","context":"chapter one"}`, http.StatusAccepted, "connect book.txt:chapter one"},
		{"/api/reconnect", "", http.StatusAccepted, "reconnect"},
		{"/api/disconnect", "", http.StatusOK, "disconnect"},
		{"/api/mute", "", http.StatusOK, "mute"},
		{"/api/content", `{"name":"v2.txt","text":"chapter two"}`, http.StatusAccepted, "replace v2.txt:chapter two"},
		{"/api/notify", `{"name":"v3.txt"}`, http.StatusNoContent, "notify v3.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			resp, _ := e.do(t, http.MethodPost, tt.path, tt.body)
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status code = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if calls := e.sess.Calls(); len(calls) != 1 || calls[0] != tt.wantCall {
				t.Errorf("calls = %v, want [%s]", calls, tt.wantCall)
			}
		})
	}
}

func TestToggleMuteReturnsFlag(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	_, body := e.do(t, http.MethodPost, "/api/mute", "")
	if body["muted"] != true {
		t.Errorf("first toggle = %v", body)
	}
	_, body = e.do(t, http.MethodPost, "/api/mute", "")
	if body["muted"] != false {
		t.Errorf("second toggle = %v", body)
	}
}

func TestCommandErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"stopped", session.ErrStopped, http.StatusServiceUnavailable},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			e.sess.setErr(tt.err)
			resp, body := e.do(t, http.MethodPost, "/api/reconnect", "")
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status code = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if body["error"] == nil {
				t.Error("missing error message")
			}
		})
	}
}

func TestBadRequests(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path, body string
	}{
		{"/api/connect", `{not json`},
		{"/api/content", `{"name":"","text":"x"}`},
		{"/api/content", `{"name":"a.txt","text":"   "}`},
		{"/api/messages", `{"text":"  "}`},
		{"/api/notify", `{}`},
	}
	for _, tt := range tests {
		e := newEnv(t)
		resp, _ := e.do(t, http.MethodPost, tt.path, tt.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s %s: status code = %d, want 400", tt.path, tt.body, resp.StatusCode)
		}
		if len(e.sess.Calls()) != 0 {
			t.Errorf("%s: session was called: %v", tt.path, e.sess.Calls())
		}
	}
}

func TestPostMessage(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/messages", `{"text":"what is PCR?"}`)
	if resp.StatusCode != http.StatusOK || body["reply"] != "answer" {
		t.Fatalf("code = %d, body = %v", resp.StatusCode, body)
	}

	get, err := http.Get(e.srv.URL + "/api/messages")
	if err != nil {
		t.Fatal(err)
	}
	defer get.Body.Close()
	var msgs []chat.Message
	if err := json.NewDecoder(get.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != chat.RoleUser || msgs[0].Text != "what is PCR?" || msgs[1].Role != chat.RoleAssistant {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestPostMessage_Image(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	// "iVBORw==" is base64 for the PNG magic prefix.
	resp, _ := e.do(t, http.MethodPost, "/api/messages", `{"image":"iVBORw=="}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	turns := e.conv.Sent()
	if len(turns) != 1 || !bytes.Equal(turns[0].Image, []byte{0x89, 'P', 'N', 'G'}) || turns[0].Text != "describe" {
		t.Errorf("turns = %+v", turns)
	}
	if msgs := e.chat.History().Messages(); msgs[0].Text != "[image]" {
		t.Errorf("user message = %q, want placeholder", msgs[0].Text)
	}
}

func TestPostMessage_Failure(t *testing.T) {
	t.Parallel()
	e := newEnvWith(t, &mock.Conversation{Err: errors.New("quota")})

	resp, _ := e.do(t, http.MethodPost, "/api/messages", `{"text":"hi"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status code = %d, want 502", resp.StatusCode)
	}
	msgs := e.chat.History().Messages()
	if len(msgs) != 2 || msgs[1].Role != chat.RoleSystem || msgs[1].Text != "try again" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestReadyz_RealtimeError(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodGet, "/readyz", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("idle: status code = %d, want 200", resp.StatusCode)
	}

	e.sess.setStatus(session.Status{State: session.StateError, Error: "busy"})
	resp, body := e.do(t, http.MethodGet, "/readyz", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("error: status code = %d, want 503", resp.StatusCode)
	}
	checks, _ := body["checks"].(map[string]any)
	if checks["realtime"] != "fail: busy" {
		t.Errorf("checks = %v", body["checks"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("alexa_up 1\n"))
	})
	e := newEnv(t, api.WithMetricsHandler(metrics))

	resp, err := http.Get(e.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(buf.String(), "alexa_up") {
		t.Errorf("code = %d, body = %q", resp.StatusCode, buf.String())
	}
}

func TestEvents(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(e.srv.URL, "http")+"/api/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() api.Event {
		t.Helper()
		var ev api.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		return ev
	}

	if ev := read(); ev.Type != api.EventStatus || ev.Status == nil || ev.Status.State != session.StateIdle {
		t.Fatalf("first event = %+v, want idle status", ev)
	}

	e.chat.History().Append(chat.RoleSystem, "loaded book.txt", nil)
	if ev := read(); ev.Type != api.EventMessage || ev.Message == nil || ev.Message.Text != "loaded book.txt" {
		t.Fatalf("event = %+v, want message", ev)
	}

	e.sess.subs <- session.Status{State: session.StateConnecting}
	if ev := read(); ev.Type != api.EventStatus || ev.Status.State != session.StateConnecting {
		t.Fatalf("event = %+v, want connecting status", ev)
	}

	e.sess.setStatus(session.Status{State: session.StateOpen, Connected: true, Volume: 0.5})
	if ev := read(); ev.Type != api.EventStatus || ev.Status.Volume != 0.5 {
		t.Fatalf("event = %+v, want volume update", ev)
	}

	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Errorf("close: %v", err)
	}
}
