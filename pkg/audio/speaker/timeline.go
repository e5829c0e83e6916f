// Package speaker implements the [audio.Clock] port.
//
// [Timeline] is a sample-accurate mixing timeline: buffers are placed at
// absolute sample positions and rendered by whoever pulls from it through
// io.Reader. [Speaker] pulls it into the system output device through
// github.com/ebitengine/oto/v3; [Null] pulls it on a wall-clock ticker and
// discards the result, for headless runs and tests.
package speaker

import (
	"io"
	"sync"
	"time"

	"github.com/MrWong99/alexa/pkg/audio"
)

var (
	_ audio.Clock = (*Timeline)(nil)
	_ io.Reader   = (*Timeline)(nil)
)

// Timeline mixes scheduled buffers into a mono 16-bit little-endian stream.
// All methods are safe for concurrent use.
type Timeline struct {
	rate int

	mu     sync.Mutex
	pos    int64 // samples rendered so far
	nextID uint64
	voices map[uint64]*voice
}

type voice struct {
	tl      *Timeline
	id      uint64
	start   int64
	samples []int16
	done    func()
}

// NewTimeline returns an empty timeline rendering at rate Hz.
func NewTimeline(rate int) *Timeline {
	if rate <= 0 {
		rate = audio.DefaultOutputRate
	}
	return &Timeline{rate: rate, voices: make(map[uint64]*voice)}
}

// Rate implements [audio.Clock].
func (t *Timeline) Rate() int { return t.rate }

// Now implements [audio.Clock].
func (t *Timeline) Now() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos
}

// Pending returns the number of scheduled buffers that have not finished.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}

// Schedule implements [audio.Clock].
func (t *Timeline) Schedule(samples []int16, start int64, done func()) audio.Voice {
	t.mu.Lock()
	defer t.mu.Unlock()
	if start < t.pos {
		start = t.pos
	}
	t.nextID++
	v := &voice{tl: t, id: t.nextID, start: start, samples: samples, done: done}
	t.voices[v.id] = v
	return v
}

// Stop removes the voice from the timeline. Idempotent.
func (v *voice) Stop() {
	v.tl.mu.Lock()
	delete(v.tl.voices, v.id)
	v.tl.mu.Unlock()
}

// Read renders the next len(p)/2 samples and advances the playback position.
// It never blocks and never returns an error; silence is rendered where no
// buffer is scheduled. Completion callbacks run after the lock is released.
func (t *Timeline) Read(p []byte) (int, error) {
	n := int64(len(p) / 2)
	mix := make([]int32, n)

	t.mu.Lock()
	from, to := t.pos, t.pos+n
	var finished []func()
	for id, v := range t.voices {
		end := v.start + int64(len(v.samples))
		if v.start < to && end > from {
			lo := max(v.start, from)
			hi := min(end, to)
			for s := lo; s < hi; s++ {
				mix[s-from] += int32(v.samples[s-v.start])
			}
		}
		if end <= to {
			delete(t.voices, id)
			if v.done != nil {
				finished = append(finished, v.done)
			}
		}
	}
	t.pos = to
	t.mu.Unlock()

	for i, s := range mix {
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		p[i*2] = byte(s)
		p[i*2+1] = byte(s >> 8)
	}
	if len(p)%2 == 1 {
		p[len(p)-1] = 0
	}

	for _, fn := range finished {
		fn()
	}
	return len(p), nil
}

// Advance renders d worth of samples and discards them.
func (t *Timeline) Advance(d time.Duration) {
	n := int64(d) * int64(t.rate) / int64(time.Second)
	if n <= 0 {
		return
	}
	_, _ = t.Read(make([]byte, n*2))
}
