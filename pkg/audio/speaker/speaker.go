package speaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// defaultLatency bounds how far ahead of the audible position the output
// device pulls from the timeline.
const defaultLatency = 100 * time.Millisecond

// Speaker plays a [Timeline] through the system output device.
//
// oto allows a single context per process, so only one Speaker may exist.
type Speaker struct {
	tl     *Timeline
	player *oto.Player

	closeOnce sync.Once
}

// New opens the output device at the timeline's rate and starts pulling
// from it immediately.
func New(tl *Timeline, latency time.Duration) (*Speaker, error) {
	if latency <= 0 {
		latency = defaultLatency
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   tl.Rate(),
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   latency,
	})
	if err != nil {
		return nil, fmt.Errorf("speaker: open output device: %w", err)
	}
	<-ready

	player := ctx.NewPlayer(tl)
	// Keep oto's read-ahead close to the device latency so Timeline.Now
	// stays near the audible position.
	player.SetBufferSize(int(int64(tl.Rate()) * int64(latency) / int64(time.Second) * 2))
	player.Play()

	slog.Info("speaker opened", "rate", tl.Rate(), "latency", latency)
	return &Speaker{tl: tl, player: player}, nil
}

// Close stops playback. Idempotent.
func (s *Speaker) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.player.Close()
	})
	return err
}
