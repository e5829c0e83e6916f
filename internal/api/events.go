package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/alexa/internal/chat"
	"github.com/MrWong99/alexa/internal/session"
)

// writeTimeout bounds a single event write to a slow client.
const writeTimeout = 5 * time.Second

// Event types pushed on /api/events.
const (
	EventStatus  = "status"
	EventMessage = "message"
)

// Event is one frame of the event stream.
type Event struct {
	Type    string          `json:"type"`
	Status  *session.Status `json:"status,omitempty"`
	Message *chat.Message   `json:"message,omitempty"`
}

// Events upgrades to a websocket and streams status transitions, volume
// changes and chat log appends until the client goes away. The first frame
// is always the current status.
func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		slog.Warn("failed to accept event stream", "err", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.CloseNow()

	// Clients never send; CloseRead handles control frames and cancels ctx
	// once the peer closes.
	ctx := conn.CloseRead(r.Context())

	statuses, unsubStatus := s.session.Subscribe()
	defer unsubStatus()
	msgs, unsubMsgs := s.chat.History().Subscribe()
	defer unsubMsgs()

	last := s.session.Status()
	if err := s.write(ctx, conn, Event{Type: EventStatus, Status: &last}); err != nil {
		return
	}

	ticker := time.NewTicker(s.volumeInterval)
	defer ticker.Stop()

	for {
		var ev Event
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case st, ok := <-statuses:
			if !ok {
				return
			}
			last = st
			ev = Event{Type: EventStatus, Status: &st}
		case m, ok := <-msgs:
			if !ok {
				return
			}
			ev = Event{Type: EventMessage, Message: &m}
		case <-ticker.C:
			st := s.session.Status()
			if st.Volume == last.Volume {
				continue
			}
			last = st
			ev = Event{Type: EventStatus, Status: &st}
		}
		if err := s.write(ctx, conn, ev); err != nil {
			return
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, ev); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			slog.Debug("event stream write failed", "err", err)
		}
		return err
	}
	return nil
}
