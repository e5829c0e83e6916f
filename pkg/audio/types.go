package audio

import (
	"fmt"
	"time"
)

// Wire rates used by the realtime channel. Input is what the microphone
// captures and what the remote service expects; output is what the remote
// service synthesises.
const (
	DefaultInputRate    = 16000
	DefaultOutputRate   = 24000
	DefaultFrameSamples = 4096
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameDuration returns how long a frame of n mono samples lasts at this format.
func (f Format) FrameDuration(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(f.SampleRate)
}

// String returns a human-readable form, e.g. "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// PCMMimeType returns the mime type tag for raw little-endian 16-bit PCM at
// the given rate, e.g. "audio/pcm;rate=16000".
func PCMMimeType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
