// Package live defines the Provider interface for realtime voice backends.
//
// A live provider wraps a remote conversational service that accepts raw
// microphone audio and streams synthesised speech back over one long-lived
// duplex connection. The central abstraction is [Session]: outbound audio and
// text are plain method calls, inbound traffic is a single ordered stream of
// typed [Event] values.
//
// A Session never retries internally. Any transport failure is reported as
// exactly one [EventError] carrying a [*TransportError], after which the
// event channel is closed and the session is dead. Recovery is the caller's
// job (full reconnection).
package live

import (
	"context"
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by send methods after Close or after the
// transport failed.
var ErrSessionClosed = errors.New("live: session closed")

// TransportError reports that the realtime channel dropped.
type TransportError struct {
	// Op names the failing operation, e.g. "read", "write", "server".
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("live: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// EventKind classifies an inbound [Event].
type EventKind int

const (
	// EventAudio carries one chunk of synthesised PCM audio.
	EventAudio EventKind = iota

	// EventInterrupted signals barge-in: the user started talking over the
	// assistant and any queued playback must stop.
	EventInterrupted

	// EventTurnComplete marks the end of a model turn.
	EventTurnComplete

	// EventClosed reports that the remote side closed the session cleanly.
	EventClosed

	// EventError reports a transport failure. It is always the last event.
	EventError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one inbound message from the remote service.
type Event struct {
	Kind EventKind

	// Audio is little-endian 16-bit mono PCM at the provider's output rate.
	// Set for EventAudio only.
	Audio []byte

	// Err is set for EventError only and is always a *TransportError.
	Err error
}

// SessionConfig is the initial configuration sent when a session opens.
type SessionConfig struct {
	// Voice selects the prebuilt synthesised voice (e.g. "Kore").
	Voice string

	// Instructions is the system instruction, embedding the current context.
	Instructions string

	// InputRate is the sample rate of audio passed to SendAudio.
	InputRate int
}

// Session is an open realtime session. All methods are safe for concurrent use.
type Session interface {
	// SendAudio transmits one chunk of little-endian 16-bit mono PCM at the
	// configured input rate.
	SendAudio(pcm []byte) error

	// SendText injects a complete user turn, optionally with a JPEG image.
	SendText(text string, jpeg []byte) error

	// Events returns the ordered inbound event stream. The channel is closed
	// after EventClosed, after EventError, or after Close.
	Events() <-chan Event

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider opens realtime sessions. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Connect dials the remote service, sends cfg and returns once the
	// service acknowledged the setup. The caller owns the returned Session.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)

	// OutputRate is the sample rate of inbound EventAudio payloads.
	OutputRate() int
}
