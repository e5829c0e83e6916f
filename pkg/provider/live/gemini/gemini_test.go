package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/alexa/pkg/provider/live"
	"github.com/MrWong99/alexa/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSetup reads the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var setup map[string]any
	readJSON(t, conn, &setup)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// waitClosed blocks until the client goes away.
func waitClosed(conn *websocket.Conn) {
	<-conn.CloseRead(context.Background()).Done()
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// nextEvent reads one event or fails the test after a timeout.
func nextEvent(t *testing.T, sess live.Session) (live.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		return ev, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return live.Event{}, false
	}
}

func pcmAudioFrame(pcm []byte) map[string]any {
	return map[string]any{
		"serverContent": map[string]any{
			"modelTurn": map[string]any{
				"parts": []any{map[string]any{
					"inlineData": map[string]any{
						"mimeType": "audio/pcm;rate=24000",
						"data":     base64.StdEncoding.EncodeToString(pcm),
					},
				}},
			},
		},
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
		} `json:"setup"`
	}

	setupCh := make(chan setupMsg, 1)
	keyCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		setupCh <- msg
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		waitClosed(conn)
	})

	p := gemini.New("secret", gemini.WithBaseURL(wsURL(srv)), gemini.WithModel("custom-model"))
	sess, err := p.Connect(context.Background(), live.SessionConfig{
		Voice:        "Puck",
		Instructions: "you are a tutor",
		InputRate:    16000,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if got := <-keyCh; got != "secret" {
		t.Errorf("api key = %q; want %q", got, "secret")
	}
	msg := <-setupCh
	if want := "models/custom-model"; msg.Setup.Model != want {
		t.Errorf("model = %q; want %q", msg.Setup.Model, want)
	}
	if mods := msg.Setup.GenerationConfig.ResponseModalities; len(mods) != 1 || mods[0] != "AUDIO" {
		t.Errorf("responseModalities = %v; want [AUDIO]", mods)
	}
	if v := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Puck" {
		t.Errorf("voice = %q; want Puck", v)
	}
	parts := msg.Setup.SystemInstruction.Parts
	if len(parts) != 1 || parts[0].Text != "you are a tutor" {
		t.Errorf("system instruction = %+v", parts)
	}
}

func TestConnect_DefaultVoice(t *testing.T) {
	t.Parallel()

	voiceCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				GenerationConfig struct {
					SpeechConfig struct {
						VoiceConfig struct {
							PrebuiltVoiceConfig struct {
								VoiceName string `json:"voiceName"`
							} `json:"prebuiltVoiceConfig"`
						} `json:"voiceConfig"`
					} `json:"speechConfig"`
				} `json:"generationConfig"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		voiceCh <- msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		waitClosed(conn)
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if got := <-voiceCh; got != "Kore" {
		t.Errorf("voice = %q; want Kore", got)
	}
}

func TestConnect_ServerErrorBeforeSetup(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 429, "message": "quota exceeded", "status": "RESOURCE_EXHAUSTED"},
		})
	})

	_, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var te *live.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %T; want *live.TransportError", err)
	}
	if te.Op != "setup" {
		t.Errorf("Op = %q; want setup", te.Op)
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("error %q does not mention server message", err)
	}
}

func TestConnect_DialRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	_, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	var te *live.TransportError
	if !errors.As(err, &te) || te.Op != "dial" {
		t.Fatalf("err = %v; want dial TransportError", err)
	}
}

func TestConnect_SetupTimeout(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		waitClosed(conn) // never acknowledges
	})

	p := gemini.New("k", gemini.WithBaseURL(wsURL(srv)), gemini.WithSetupTimeout(100*time.Millisecond))
	start := time.Now()
	_, err := p.Connect(context.Background(), live.SessionConfig{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Connect took %v; want ~100ms", elapsed)
	}
}

func TestOutputRate(t *testing.T) {
	t.Parallel()
	if got := gemini.New("k").OutputRate(); got != 24000 {
		t.Errorf("OutputRate = %d; want 24000", got)
	}
}

// ── Outbound ──────────────────────────────────────────────────────────────────

func TestSendAudio(t *testing.T) {
	t.Parallel()

	type chunkMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	gotCh := make(chan chunkMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg chunkMsg
		readJSON(t, conn, &msg)
		gotCh <- msg
		waitClosed(conn)
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{InputRate: 16000})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := sess.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-gotCh:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("len(mediaChunks) = %d; want 1", len(chunks))
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q", chunks[0].MIMEType)
		}
		raw, _ := base64.StdEncoding.DecodeString(chunks[0].Data)
		if string(raw) != string(pcm) {
			t.Errorf("payload = %v; want %v", raw, pcm)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for realtimeInput")
	}
}

func TestSendText_WithImage(t *testing.T) {
	t.Parallel()

	type contentMsg struct {
		ClientContent struct {
			Turns []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text       string `json:"text"`
					InlineData *struct {
						MIMEType string `json:"mimeType"`
						Data     string `json:"data"`
					} `json:"inlineData"`
				} `json:"parts"`
			} `json:"turns"`
			TurnComplete bool `json:"turnComplete"`
		} `json:"clientContent"`
	}
	gotCh := make(chan contentMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg contentMsg
		readJSON(t, conn, &msg)
		gotCh <- msg
		waitClosed(conn)
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.SendText("hello", []byte{0xff, 0xd8}); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	msg := <-gotCh
	if !msg.ClientContent.TurnComplete {
		t.Error("turnComplete = false; want true")
	}
	if len(msg.ClientContent.Turns) != 1 {
		t.Fatalf("len(turns) = %d; want 1", len(msg.ClientContent.Turns))
	}
	turn := msg.ClientContent.Turns[0]
	if turn.Role != "user" || len(turn.Parts) != 2 {
		t.Fatalf("turn = %+v", turn)
	}
	if turn.Parts[0].InlineData == nil || turn.Parts[0].InlineData.MIMEType != "image/jpeg" {
		t.Errorf("first part = %+v; want jpeg inlineData", turn.Parts[0])
	}
	if turn.Parts[1].Text != "hello" {
		t.Errorf("text part = %q; want hello", turn.Parts[1].Text)
	}
}

func TestSendAfterClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		waitClosed(conn)
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := sess.SendAudio([]byte{0, 0}); !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v; want ErrSessionClosed", err)
	}

	// The event channel must close without a terminal event.
	for ev := range sess.Events() {
		if ev.Kind == live.EventError || ev.Kind == live.EventClosed {
			t.Errorf("unexpected terminal event %v after Close", ev.Kind)
		}
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func TestEvents_AudioInterruptTurnComplete(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x00, 0x20, 0x00}
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, pcmAudioFrame(pcm))
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		waitClosed(conn)
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	ev, _ := nextEvent(t, sess)
	if ev.Kind != live.EventAudio || string(ev.Audio) != string(pcm) {
		t.Errorf("event 1 = %v %v; want audio %v", ev.Kind, ev.Audio, pcm)
	}
	ev, _ = nextEvent(t, sess)
	if ev.Kind != live.EventInterrupted {
		t.Errorf("event 2 = %v; want interrupted", ev.Kind)
	}
	ev, _ = nextEvent(t, sess)
	if ev.Kind != live.EventTurnComplete {
		t.Errorf("event 3 = %v; want turn_complete", ev.Kind)
	}
}

func TestEvents_NormalCloseReportsClosed(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		// Returning closes with StatusNormalClosure.
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	ev, ok := nextEvent(t, sess)
	if !ok || ev.Kind != live.EventClosed {
		t.Fatalf("event = %v (ok=%v); want closed", ev.Kind, ok)
	}
	if _, ok := nextEvent(t, sess); ok {
		t.Error("events channel still open after EventClosed")
	}
}

func TestEvents_ServerErrorIsTerminal(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 503, "message": "unavailable"},
		})
		waitClosed(conn)
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	var errorEvents int
	for {
		ev, ok := nextEvent(t, sess)
		if !ok {
			break
		}
		if ev.Kind != live.EventError {
			t.Fatalf("unexpected event %v", ev.Kind)
		}
		errorEvents++
		var te *live.TransportError
		if !errors.As(ev.Err, &te) || te.Op != "server" {
			t.Errorf("Err = %v; want server TransportError", ev.Err)
		}
	}
	if errorEvents != 1 {
		t.Errorf("error events = %d; want exactly 1", errorEvents)
	}
	if err := sess.SendAudio([]byte{0, 0}); !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("SendAudio after failure = %v; want ErrSessionClosed", err)
	}
}
