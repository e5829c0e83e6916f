// Package mock provides in-memory implementations of the [audio.Microphone]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments.
//
// Typical usage:
//
//	stream := mock.NewStream(4)
//	mic := &mock.Microphone{Stream: stream}
//	s, _ := mic.Open(ctx, audio.Format{SampleRate: 16000, Channels: 1}, 4096)
//	stream.Push([]float32{0.1, 0.2})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/alexa/pkg/audio"
)

// ─── Microphone ──────────────────────────────────────────────────────────────

// OpenCall records a single invocation of [Microphone.Open].
type OpenCall struct {
	Format       audio.Format
	FrameSamples int
}

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// Stream is returned by Open. When nil, Open creates a fresh Stream with
	// a small buffer for every call.
	Stream *Stream

	// OpenError, when non-nil, is returned by Open wrapped in
	// [audio.ErrDeviceUnavailable].
	OpenError error

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall

	// Streams records every stream handed out by Open.
	Streams []*Stream
}

// Open records the call and returns Stream or OpenError.
func (m *Microphone) Open(_ context.Context, format audio.Format, frameSamples int) (audio.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls = append(m.OpenCalls, OpenCall{Format: format, FrameSamples: frameSamples})
	if m.OpenError != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, m.OpenError)
	}
	s := m.Stream
	if s == nil {
		s = NewStream(8)
	}
	m.Streams = append(m.Streams, s)
	return s, nil
}

// OpenCount returns how many times Open was called.
func (m *Microphone) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.OpenCalls)
}

// Last returns the most recently opened stream, or nil.
func (m *Microphone) Last() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Streams) == 0 {
		return nil
	}
	return m.Streams[len(m.Streams)-1]
}

var _ audio.Microphone = (*Microphone)(nil)

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Tests feed frames with
// Push; Close closes the frame channel exactly once.
type Stream struct {
	frames chan []float32

	mu         sync.Mutex
	closed     bool
	CloseCount int
}

// NewStream returns a Stream whose frame channel has the given buffer size.
func NewStream(buffer int) *Stream {
	return &Stream{frames: make(chan []float32, buffer)}
}

// Push delivers one frame. It reports false when the stream is closed.
func (s *Stream) Push(frame []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames <- frame
	return true
}

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan []float32 { return s.frames }

// Close implements [audio.Stream]. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ audio.Stream = (*Stream)(nil)
