// Package audio defines the device ports and PCM helpers of the live voice
// pipeline.
//
// The capture side is modelled by [Microphone], which opens a [Stream] of
// fixed-size float32 frames. Implementations live in adapter packages such as
// audio/malgo. The playback side is modelled by [Clock], a
// sample-accurate output position implemented by audio/speaker.
//
// This package lives under pkg/ because alternative device backends are
// expected to implement [Microphone].
package audio

import (
	"context"
	"errors"
)

// ErrDeviceUnavailable is returned (wrapped) by [Microphone.Open] when the
// capture device cannot be acquired. It is fatal to the realtime path and
// must not be retried automatically.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// Stream is an open capture stream.
//
// Frames delivers blocks of mono samples in [-1, 1]. Every block holds exactly
// the number of samples requested at open time. The channel is closed after
// Close returns or when the device stops on its own.
type Stream interface {
	Frames() <-chan []float32

	// Close releases the device. Calling Close more than once is safe.
	Close() error
}

// Microphone is the entry point for a capture backend.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Open acquires the capture device at the given format and returns a
	// stream delivering frames of frameSamples samples. Failures wrap
	// [ErrDeviceUnavailable].
	Open(ctx context.Context, format Format, frameSamples int) (Stream, error)
}

// NoMicrophone is a [Microphone] that never opens. It is selected when the
// process runs without a capture device.
type NoMicrophone struct{}

// Open always fails with [ErrDeviceUnavailable].
func (NoMicrophone) Open(context.Context, Format, int) (Stream, error) {
	return nil, ErrDeviceUnavailable
}
