// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable sessions.
// Use Session to inject inbound events and inspect what the caller sent.
//
// Example:
//
//	p := &mock.Provider{}
//	sess, _ := p.Connect(ctx, cfg)
//	p.Last().Emit(live.Event{Kind: live.EventInterrupted})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/alexa/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectFunc, if set, replaces the default Connect behaviour. It may
	// block to simulate a slow handshake.
	ConnectFunc func(ctx context.Context, cfg live.SessionConfig) (live.Session, error)

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Rate is returned by OutputRate. Zero means 24000.
	Rate int

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
	notify   chan struct{}
}

// Connect records the call. Unless ConnectFunc or ConnectErr say otherwise it
// returns a fresh Session, which is also retained for inspection.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	fn := p.ConnectFunc
	connectErr := p.ConnectErr
	p.signalLocked()
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, cfg)
	}
	if connectErr != nil {
		return nil, connectErr
	}
	sess := NewSession()
	p.mu.Lock()
	p.sessions = append(p.sessions, sess)
	p.signalLocked()
	p.mu.Unlock()
	return sess, nil
}

// OutputRate returns Rate, defaulting to 24000.
func (p *Provider) OutputRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Rate == 0 {
		return 24000
	}
	return p.Rate
}

// ConnectCount returns the number of Connect calls so far. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Sessions returns the sessions handed out by the default Connect path.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Last returns the most recently created session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Changed returns a channel that receives a value whenever Connect is called
// or a session is created. Only one pending notification is kept.
func (p *Provider) Changed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.notify == nil {
		p.notify = make(chan struct{}, 1)
	}
	return p.notify
}

func (p *Provider) signalLocked() {
	if p.notify == nil {
		p.notify = make(chan struct{}, 1)
	}
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// SendTextCall records a single invocation of Session.SendText.
type SendTextCall struct {
	Text  string
	Image []byte
}

// Session is a mock implementation of live.Session. The event channel is
// owned by the Session: use Emit, Fail and CloseRemote to drive it.
type Session struct {
	mu     sync.Mutex
	events chan live.Event
	ended  bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendAudioCalls holds a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// SendTextCalls records every call to SendText in order.
	SendTextCalls []SendTextCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, 64)}
}

// SendAudio records the chunk. After Close it returns live.ErrSessionClosed.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return live.ErrSessionClosed
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// SendText records the call.
func (s *Session) SendText(text string, jpeg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return live.ErrSessionClosed
	}
	s.SendTextCalls = append(s.SendTextCalls, SendTextCall{Text: text, Image: jpeg})
	return nil
}

// Events returns the inbound event channel.
func (s *Session) Events() <-chan live.Event { return s.events }

// Close records the call and closes the event channel once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.endLocked()
	return nil
}

// Emit delivers ev to the event channel. It reports false if the session has
// already ended.
func (s *Session) Emit(ev live.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.events <- ev
	return true
}

// Fail emits a terminal EventError wrapping err and closes the channel.
func (s *Session) Fail(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.events <- live.Event{Kind: live.EventError, Err: &live.TransportError{Op: "read", Err: err}}
	s.endLocked()
	return true
}

// CloseRemote emits EventClosed and closes the channel, as if the service
// hung up cleanly.
func (s *Session) CloseRemote() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.events <- live.Event{Kind: live.EventClosed}
	s.endLocked()
	return true
}

func (s *Session) endLocked() {
	if !s.ended {
		s.ended = true
		close(s.events)
	}
}

// Closed reports whether Close was called at least once.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}

// AudioChunks returns a copy of the recorded SendAudio payloads.
func (s *Session) AudioChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SendAudioCalls))
	copy(out, s.SendAudioCalls)
	return out
}

// Texts returns a copy of the recorded SendText calls.
func (s *Session) Texts() []SendTextCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SendTextCall, len(s.SendTextCalls))
	copy(out, s.SendTextCalls)
	return out
}

// Ensure Session implements live.Session at compile time.
var _ live.Session = (*Session)(nil)
