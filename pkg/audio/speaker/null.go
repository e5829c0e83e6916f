package speaker

import (
	"sync"
	"time"
)

// defaultTick is how often [Null] advances its timeline.
const defaultTick = 20 * time.Millisecond

// Null advances a [Timeline] in real time without an output device.
type Null struct {
	tl   *Timeline
	tick time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewNull starts driving tl on a background goroutine.
func NewNull(tl *Timeline, tick time.Duration) *Null {
	if tick <= 0 {
		tick = defaultTick
	}
	n := &Null{tl: tl, tick: tick, done: make(chan struct{})}
	go n.run()
	return n
}

func (n *Null) run() {
	ticker := time.NewTicker(n.tick)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-n.done:
			return
		case now := <-ticker.C:
			n.tl.Advance(now.Sub(last))
			last = now
		}
	}
}

// Close stops the driver. Idempotent.
func (n *Null) Close() error {
	n.stopOnce.Do(func() { close(n.done) })
	return nil
}
