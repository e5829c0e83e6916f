// Package capture turns microphone frames into outbound realtime audio.
//
// A [Pipeline] consumes fixed-size frames from an [audio.Stream] on one
// goroutine. Every frame updates the loudness readout, whether or not the
// microphone is muted. Unmuted frames are encoded to 16-bit PCM and offered to
// a small bounded queue; a second goroutine drains that queue into the
// [Sink]. When the queue is full the frame is dropped, so a slow network never
// stalls capture.
package capture

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/alexa/internal/observe"
	"github.com/MrWong99/alexa/pkg/audio"
)

// Sink receives encoded PCM frames. live.Session satisfies it.
type Sink interface {
	SendAudio(pcm []byte) error
}

const (
	defaultGain      = 5.0
	defaultQueueSize = 8
)

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithGain sets the loudness gain applied to the frame RMS. Default: 5.
func WithGain(g float64) Option {
	return func(p *Pipeline) {
		if g > 0 {
			p.gain = g
		}
	}
}

// WithQueueSize sets the capacity of the outbound queue. Default: 8.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithMuted sets the initial mute state.
func WithMuted(m bool) Option {
	return func(p *Pipeline) { p.muted.Store(m) }
}

// WithVolumeFunc registers a callback invoked with the loudness of every
// frame. It runs on the capture goroutine and must not block.
func WithVolumeFunc(fn func(float64)) Option {
	return func(p *Pipeline) { p.onVolume = fn }
}

// WithMetrics sets the metrics instance. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline is a running capture pipeline. Create it with [Start].
type Pipeline struct {
	stream audio.Stream
	sink   Sink

	gain      float64
	queueSize int
	onVolume  func(float64)
	metrics   *observe.Metrics

	muted  atomic.Bool
	volume atomic.Uint64 // math.Float64bits

	queue  chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	stopOnce sync.Once
}

// Start launches the capture and sender goroutines. The pipeline takes
// ownership of stream and closes it on Stop.
func Start(stream audio.Stream, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		stream:    stream,
		sink:      sink,
		gain:      defaultGain,
		queueSize: defaultQueueSize,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.queue = make(chan []byte, p.queueSize)
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.wg.Add(2)
	go p.captureLoop()
	go p.sendLoop()
	return p
}

// SetMuted switches outbound transmission off or on. The loudness readout is
// unaffected.
func (p *Pipeline) SetMuted(m bool) { p.muted.Store(m) }

// Muted reports the current mute state.
func (p *Pipeline) Muted() bool { return p.muted.Load() }

// Volume returns the loudness of the most recent frame in [0, 1].
func (p *Pipeline) Volume() float64 {
	return math.Float64frombits(p.volume.Load())
}

// Done is closed when the capture stream ended, either through Stop or
// because the device went away.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Stop closes the stream and waits for both goroutines. Idempotent.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		if err := p.stream.Close(); err != nil {
			slog.Warn("capture: close stream", "err", err)
		}
		p.wg.Wait()
		p.volume.Store(0)
	})
}

func (p *Pipeline) captureLoop() {
	defer p.wg.Done()
	defer close(p.done)

	frames := p.stream.Frames()
	for {
		select {
		case <-p.ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			p.tick(frame)
		}
	}
}

// tick processes one frame. It never blocks on the network.
func (p *Pipeline) tick(frame []float32) {
	v := audio.Loudness(frame, p.gain)
	p.volume.Store(math.Float64bits(v))
	if p.onVolume != nil {
		p.onVolume(v)
	}

	if p.muted.Load() {
		p.metrics.RecordCaptureFrame(p.ctx, observe.FrameMuted)
		return
	}

	pcm := audio.Float32ToPCM16(frame)
	select {
	case p.queue <- pcm:
	default:
		p.metrics.RecordCaptureFrame(p.ctx, observe.FrameDropped)
	}
}

func (p *Pipeline) sendLoop() {
	defer p.wg.Done()

	var warned bool
	for {
		select {
		case <-p.ctx.Done():
			return
		case pcm := <-p.queue:
			if err := p.sink.SendAudio(pcm); err != nil {
				p.metrics.RecordCaptureFrame(p.ctx, observe.FrameFailed)
				if !warned {
					// The transport reports its own failure; one line is enough here.
					slog.Debug("capture: send audio failed", "err", err)
					warned = true
				}
				continue
			}
			p.metrics.RecordCaptureFrame(p.ctx, observe.FrameSent)
		}
	}
}
