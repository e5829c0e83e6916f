// Package malgo implements [audio.Microphone] on top of miniaudio through
// github.com/gen2brain/malgo.
//
// The device is opened as a mono float32 capture device at the requested
// rate. miniaudio delivers periods of arbitrary length on its own thread; they
// are cut into fixed frames with [audio.Framer] and handed to the consumer
// without ever blocking the device thread. Frames are dropped when the
// consumer falls behind.
package malgo

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/alexa/pkg/audio"
)

var _ audio.Microphone = (*Microphone)(nil)

// defaultFrameBuffer is the number of complete frames queued between the
// device thread and the consumer.
const defaultFrameBuffer = 8

// Option configures a [Microphone].
type Option func(*Microphone)

// WithFrameBuffer sets how many complete frames may be queued before new
// frames are dropped.
func WithFrameBuffer(n int) Option {
	return func(m *Microphone) {
		if n > 0 {
			m.frameBuffer = n
		}
	}
}

// Microphone opens the default capture device.
type Microphone struct {
	frameBuffer int
}

// New returns a Microphone for the system default capture device.
func New(opts ...Option) *Microphone {
	m := &Microphone{frameBuffer: defaultFrameBuffer}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open initialises a miniaudio context and capture device and starts it.
// Every failure wraps [audio.ErrDeviceUnavailable].
func (m *Microphone) Open(_ context.Context, format audio.Format, frameSamples int) (audio.Stream, error) {
	if frameSamples <= 0 {
		frameSamples = audio.DefaultFrameSamples
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("malgo", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init context: %w", audio.ErrDeviceUnavailable, err)
	}

	s := &stream{
		mctx:   mctx,
		frames: make(chan []float32, m.frameBuffer),
		framer: audio.Framer{Size: frameSamples},
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: s.onData})
	if err != nil {
		s.freeContext()
		return nil, fmt.Errorf("%w: init capture device: %w", audio.ErrDeviceUnavailable, err)
	}
	s.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		s.freeContext()
		return nil, fmt.Errorf("%w: start capture device: %w", audio.ErrDeviceUnavailable, err)
	}

	slog.Info("microphone opened", "format", format.String(), "frame_samples", frameSamples)
	return s, nil
}

type stream struct {
	mctx   *malgo.AllocatedContext
	dev    *malgo.Device
	frames chan []float32

	mu      sync.Mutex
	framer  audio.Framer
	closed  bool
	dropped int
}

// onData runs on the miniaudio device thread and must never block.
func (s *stream) onData(_, input []byte, _ uint32) {
	samples := make([]float32, len(input)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, frame := range s.framer.Push(samples) {
		select {
		case s.frames <- frame:
		default:
			s.dropped++
		}
	}
}

func (s *stream) Frames() <-chan []float32 { return s.frames }

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dropped := s.dropped
	s.mu.Unlock()

	var err error
	if s.dev != nil {
		err = s.dev.Stop()
		s.dev.Uninit()
	}
	s.freeContext()
	close(s.frames)

	slog.Info("microphone closed", "dropped_frames", dropped)
	if err != nil {
		return fmt.Errorf("malgo: stop capture device: %w", err)
	}
	return nil
}

func (s *stream) freeContext() {
	if s.mctx == nil {
		return
	}
	_ = s.mctx.Uninit()
	s.mctx.Free()
	s.mctx = nil
}
