package playback_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/alexa/internal/observe"
	"github.com/MrWong99/alexa/internal/playback"
	"github.com/MrWong99/alexa/pkg/audio"
	"github.com/MrWong99/alexa/pkg/audio/speaker"
)

// ── fake clock ────────────────────────────────────────────────────────────────

// fakeClock runs at 1000 Hz so one sample equals one millisecond.
type fakeClock struct {
	mu     sync.Mutex
	now    int64
	voices []*fakeVoice
}

type fakeVoice struct {
	at      int64
	samples int
	done    func()

	mu      sync.Mutex
	stopped bool
}

func (v *fakeVoice) Stop() {
	v.mu.Lock()
	v.stopped = true
	v.mu.Unlock()
}

func (v *fakeVoice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

func (c *fakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Rate() int { return 1000 }

func (c *fakeClock) Schedule(samples []int16, at int64, done func()) audio.Voice {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := &fakeVoice{at: at, samples: len(samples), done: done}
	c.voices = append(c.voices, v)
	return v
}

func (c *fakeClock) Set(pos int64) {
	c.mu.Lock()
	c.now = pos
	c.mu.Unlock()
}

func (c *fakeClock) Voice(i int) *fakeVoice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voices[i]
}

var _ audio.Clock = (*fakeClock)(nil)

// ── helpers ───────────────────────────────────────────────────────────────────

type speakingLog struct {
	mu     sync.Mutex
	values []bool
}

func (l *speakingLog) record(v bool) {
	l.mu.Lock()
	l.values = append(l.values, v)
	l.mu.Unlock()
}

func (l *speakingLog) last() (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.values) == 0 {
		return false, 0
	}
	return l.values[len(l.values)-1], len(l.values)
}

func (l *speakingLog) waitFor(t *testing.T, want bool, transitions int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, n := l.last(); v == want && n == transitions {
			return
		}
		time.Sleep(time.Millisecond)
	}
	v, n := l.last()
	t.Fatalf("speaking = %v after %d transitions, want %v after %d", v, n, want, transitions)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newScheduler(t *testing.T, clock *fakeClock, opts ...playback.Option) (*playback.Scheduler, *speakingLog) {
	t.Helper()
	log := &speakingLog{}
	opts = append([]playback.Option{
		playback.WithMetrics(testMetrics(t)),
		playback.WithSpeakingFunc(log.record),
	}, opts...)
	s := playback.New(clock, opts...)
	t.Cleanup(s.Close)
	return s, log
}

// chunk returns PCM for n samples (n milliseconds on the fake clock).
func chunk(n int) []byte { return make([]byte, 2*n) }

func mustEnqueue(t *testing.T, s *playback.Scheduler, pcm []byte) time.Duration {
	t.Helper()
	at, err := s.Enqueue(pcm)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return at
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestScheduler_BackToBack(t *testing.T) {
	clock := &fakeClock{now: 100}
	s, _ := newScheduler(t, clock)

	got := []time.Duration{
		mustEnqueue(t, s, chunk(10)),
		mustEnqueue(t, s, chunk(20)),
		mustEnqueue(t, s, chunk(30)),
	}
	want := []int64{100, 110, 130}
	for i := range want {
		if got[i] != time.Duration(want[i])*time.Millisecond {
			t.Errorf("chunk %d start = %v, want %dms", i, got[i], want[i])
		}
		if v := clock.Voice(i); v.at != want[i] {
			t.Errorf("voice %d scheduled at sample %d, want %d", i, v.at, want[i])
		}
	}
}

func TestScheduler_SnapsForwardWhenBehind(t *testing.T) {
	clock := &fakeClock{}
	s, _ := newScheduler(t, clock)

	mustEnqueue(t, s, chunk(10))
	clock.Set(500)
	if at := mustEnqueue(t, s, chunk(10)); at != 500*time.Millisecond {
		t.Errorf("start = %v, want snapped to 500ms", at)
	}
	// Clock moved but is still before the cursor: no snap.
	clock.Set(505)
	if at := mustEnqueue(t, s, chunk(10)); at != 510*time.Millisecond {
		t.Errorf("start = %v, want 510ms", at)
	}
}

func TestScheduler_SpeakingFollowsPendingSet(t *testing.T) {
	clock := &fakeClock{}
	s, log := newScheduler(t, clock)

	mustEnqueue(t, s, chunk(10))
	mustEnqueue(t, s, chunk(10))
	log.waitFor(t, true, 1)

	clock.Voice(0).done()
	time.Sleep(10 * time.Millisecond)
	if v, n := log.last(); !v || n != 1 {
		t.Fatalf("speaking = %v (%d transitions) with one buffer left, want true", v, n)
	}

	clock.Voice(1).done()
	log.waitFor(t, false, 2)
}

func TestScheduler_Interrupt(t *testing.T) {
	clock := &fakeClock{now: 50}
	s, log := newScheduler(t, clock)

	mustEnqueue(t, s, chunk(100))
	mustEnqueue(t, s, chunk(100))

	s.Interrupt()
	if v, _ := log.last(); v {
		t.Fatal("speaking still true right after Interrupt")
	}
	for i := range 2 {
		if !clock.Voice(i).Stopped() {
			t.Errorf("voice %d not stopped", i)
		}
	}

	// Idempotent, also with nothing pending.
	s.Interrupt()
	s.Interrupt()
	if _, n := log.last(); n != 2 {
		t.Errorf("transitions = %d, want 2 (true, false)", n)
	}

	// The cursor was reset: the next chunk starts now, not after the
	// cancelled audio.
	if at := mustEnqueue(t, s, chunk(10)); at != 50*time.Millisecond {
		t.Errorf("start after interrupt = %v, want 50ms", at)
	}
}

func TestScheduler_StaleCompletionIgnored(t *testing.T) {
	clock := &fakeClock{}
	s, log := newScheduler(t, clock)

	mustEnqueue(t, s, chunk(10))
	s.Interrupt()
	mustEnqueue(t, s, chunk(10))
	log.waitFor(t, true, 3)

	// Completion of the interrupted buffer must not end the new one.
	clock.Voice(0).done()
	time.Sleep(10 * time.Millisecond)
	if v, n := log.last(); !v || n != 3 {
		t.Fatalf("speaking = %v after %d transitions, want still true", v, n)
	}
	clock.Voice(1).done()
	log.waitFor(t, false, 4)
}

func TestScheduler_OddLengthChunk(t *testing.T) {
	clock := &fakeClock{}
	s, _ := newScheduler(t, clock)

	mustEnqueue(t, s, make([]byte, 21))
	if got := clock.Voice(0).samples; got != 10 {
		t.Errorf("samples = %d, want 10", got)
	}
	if at := mustEnqueue(t, s, chunk(1)); at != 10*time.Millisecond {
		t.Errorf("next start = %v, want 10ms", at)
	}
}

func TestScheduler_ResamplesToClockRate(t *testing.T) {
	clock := &fakeClock{}
	s, _ := newScheduler(t, clock, playback.WithInputRate(2000))

	mustEnqueue(t, s, chunk(200)) // 100ms at 2 kHz
	if got := clock.Voice(0).samples; got != 100 {
		t.Errorf("samples = %d, want 100 at the clock rate", got)
	}
}

func TestScheduler_Close(t *testing.T) {
	clock := &fakeClock{}
	log := &speakingLog{}
	s := playback.New(clock, playback.WithMetrics(testMetrics(t)), playback.WithSpeakingFunc(log.record))

	mustEnqueue(t, s, chunk(10))
	s.Close()
	s.Close()

	if !clock.Voice(0).Stopped() {
		t.Error("pending voice not stopped on Close")
	}
	if v, _ := log.last(); v {
		t.Error("speaking still true after Close")
	}
	if _, err := s.Enqueue(chunk(10)); !errors.Is(err, playback.ErrStopped) {
		t.Errorf("Enqueue after Close = %v, want ErrStopped", err)
	}
	s.Interrupt() // must not block
}

func TestScheduler_BackToBackOnTimeline(t *testing.T) {
	// 1001 samples at 24 kHz is not a whole number of nanoseconds.
	tl := speaker.NewTimeline(24000)
	s := playback.New(tl, playback.WithMetrics(testMetrics(t)))
	t.Cleanup(s.Close)

	first := make([]byte, 2*1001)
	second := make([]byte, 2*1001)
	for i := range 1001 {
		binary.LittleEndian.PutUint16(first[i*2:], 100)
		binary.LittleEndian.PutUint16(second[i*2:], 1000)
	}
	mustEnqueue(t, s, first)
	mustEnqueue(t, s, second)

	buf := make([]byte, 2*2003)
	if _, err := tl.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := range 2003 {
		got := int16(binary.LittleEndian.Uint16(buf[i*2:]))
		want := int16(0)
		switch {
		case i < 1001:
			want = 100
		case i < 2002:
			want = 1000
		}
		if got != want {
			t.Fatalf("sample %d = %d, want %d", i, got, want)
		}
	}
}
