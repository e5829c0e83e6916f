// Package playback schedules synthesised audio chunks gap-free on an output
// clock.
//
// A [Scheduler] keeps a cursor, the sample position at which the next chunk
// starts. Every chunk is placed exactly at the cursor, and the cursor advances
// by the chunk's sample count, so consecutive chunks play back to back. When the cursor
// has fallen behind the clock (the output ran dry) it snaps forward to the
// current position first.
//
// Chunk arrival, interruption and buffer completion all mutate the set of
// pending buffers. They are serialized through a single loop goroutine, which
// is the only owner of the cursor and the pending set.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/alexa/internal/observe"
	"github.com/MrWong99/alexa/pkg/audio"
)

// ErrStopped is returned by [Scheduler.Enqueue] after Close.
var ErrStopped = errors.New("playback: scheduler stopped")

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithInputRate sets the sample rate of enqueued PCM. Chunks are resampled
// when it differs from the clock rate. Default: the clock rate.
func WithInputRate(rate int) Option {
	return func(s *Scheduler) {
		if rate > 0 {
			s.inputRate = rate
		}
	}
}

// WithSpeakingFunc registers a callback for speaking transitions. It runs on
// the scheduler goroutine and must not block.
func WithSpeakingFunc(fn func(bool)) Option {
	return func(s *Scheduler) { s.onSpeaking = fn }
}

// WithMetrics sets the metrics instance. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

type enqueueReq struct {
	samples []int16
	reply   chan int64
}

// Scheduler places PCM chunks on an [audio.Clock].
type Scheduler struct {
	clock      audio.Clock
	inputRate  int
	onSpeaking func(bool)
	metrics    *observe.Metrics

	enqueueCh   chan enqueueReq
	interruptCh chan chan struct{}
	quit        chan struct{}
	done        chan struct{}
	closeOnce   sync.Once

	// Completions are posted by clock goroutines, which must never block.
	finMu    sync.Mutex
	finished []uint64
	finWake  chan struct{}

	oddOnce sync.Once
}

// New creates a Scheduler on clock and starts its loop.
func New(clock audio.Clock, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:       clock,
		inputRate:   clock.Rate(),
		enqueueCh:   make(chan enqueueReq),
		interruptCh: make(chan chan struct{}),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		finWake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	go s.loop()
	return s
}

// Enqueue decodes a little-endian 16-bit mono PCM chunk and schedules it
// right after everything already pending. It returns the start position on
// the clock as playback time. An odd trailing byte is dropped.
func (s *Scheduler) Enqueue(pcm []byte) (time.Duration, error) {
	if len(pcm)%2 != 0 {
		s.oddOnce.Do(func() {
			slog.Warn("playback: dropping trailing byte of odd-length PCM chunk", "len", len(pcm))
		})
		pcm = pcm[:len(pcm)-1]
	}
	samples := audio.PCM16ToInt16(pcm)
	if s.inputRate != s.clock.Rate() {
		samples = audio.ResampleInt16(samples, s.inputRate, s.clock.Rate())
	}

	req := enqueueReq{samples: samples, reply: make(chan int64, 1)}
	select {
	case s.enqueueCh <- req:
	case <-s.quit:
		return 0, ErrStopped
	}
	return audio.SamplesDuration(int(<-req.reply), s.clock.Rate()), nil
}

// Interrupt stops every pending buffer immediately and resets the cursor.
// Speaking is false when Interrupt returns. Calling it with nothing pending
// is a no-op.
func (s *Scheduler) Interrupt() {
	ack := make(chan struct{})
	select {
	case s.interruptCh <- ack:
		<-ack
	case <-s.quit:
	}
}

// Close stops all pending audio and terminates the loop. Idempotent.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
}

func (s *Scheduler) postFinished(id uint64) {
	s.finMu.Lock()
	s.finished = append(s.finished, id)
	s.finMu.Unlock()
	select {
	case s.finWake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) takeFinished() []uint64 {
	s.finMu.Lock()
	defer s.finMu.Unlock()
	ids := s.finished
	s.finished = nil
	return ids
}

// loopState is owned by the loop goroutine.
type loopState struct {
	cursor   int64
	pending  map[uint64]audio.Voice
	nextID   uint64
	speaking bool
}

func (s *Scheduler) loop() {
	defer close(s.done)
	st := &loopState{pending: make(map[uint64]audio.Voice)}

	for {
		select {
		case req := <-s.enqueueCh:
			req.reply <- s.schedule(st, req.samples)
		case ack := <-s.interruptCh:
			s.interrupt(st)
			close(ack)
		case <-s.finWake:
			for _, id := range s.takeFinished() {
				s.finish(st, id)
			}
		case <-s.quit:
			s.stopAll(st)
			s.setSpeaking(st, false)
			return
		}
	}
}

func (s *Scheduler) schedule(st *loopState, samples []int16) int64 {
	if now := s.clock.Now(); st.cursor < now {
		st.cursor = now
	}
	start := st.cursor
	if len(samples) == 0 {
		return start
	}
	st.cursor += int64(len(samples))

	id := st.nextID
	st.nextID++
	st.pending[id] = s.clock.Schedule(samples, start, func() { s.postFinished(id) })
	s.metrics.PlaybackChunks.Add(context.Background(), 1)
	s.setSpeaking(st, true)
	return start
}

func (s *Scheduler) finish(st *loopState, id uint64) {
	// Buffers stopped by an interrupt are already gone; ignore them.
	if _, ok := st.pending[id]; !ok {
		return
	}
	delete(st.pending, id)
	if len(st.pending) == 0 {
		s.setSpeaking(st, false)
	}
}

func (s *Scheduler) interrupt(st *loopState) {
	if len(st.pending) > 0 {
		s.metrics.Interruptions.Add(context.Background(), 1)
	}
	s.stopAll(st)
	st.cursor = 0
	s.setSpeaking(st, false)
}

func (s *Scheduler) stopAll(st *loopState) {
	for id, v := range st.pending {
		v.Stop()
		delete(st.pending, id)
	}
}

func (s *Scheduler) setSpeaking(st *loopState, v bool) {
	if st.speaking == v {
		return
	}
	st.speaking = v
	if s.onSpeaking != nil {
		s.onSpeaking(v)
	}
}
