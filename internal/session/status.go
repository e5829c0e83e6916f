package session

import (
	"math"
	"sync"
	"sync/atomic"
)

// State is the connection state of the realtime session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateBackoff    State = "backoff"
	StateError      State = "error"
)

// Status is a point-in-time snapshot of the session as shown to the user.
type Status struct {
	State       State   `json:"state"`
	Connected   bool    `json:"connected"`
	Speaking    bool    `json:"speaking"`
	Muted       bool    `json:"muted"`
	Volume      float64 `json:"volume"`
	Error       string  `json:"error,omitempty"`
	RetryCount  int     `json:"retryCount"`
	ContextName string  `json:"contextName,omitempty"`
}

// statusHub holds the published status and fans out change notifications.
// The loop writes the base fields; speaking and volume arrive from the
// playback and capture goroutines and are kept in atomics.
type statusHub struct {
	mu   sync.Mutex
	base Status
	subs map[chan Status]struct{}

	speaking atomic.Bool
	volume   atomic.Uint64 // math.Float64bits
}

func newStatusHub() *statusHub {
	return &statusHub{
		base: Status{State: StateIdle},
		subs: make(map[chan Status]struct{}),
	}
}

func (h *statusHub) snapshotLocked() Status {
	s := h.base
	s.Speaking = h.speaking.Load() && s.State == StateOpen
	s.Volume = math.Float64frombits(h.volume.Load())
	return s
}

func (h *statusHub) snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// update applies fn to the base status and notifies subscribers.
func (h *statusHub) update(fn func(*Status)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.base)
	h.publishLocked()
}

func (h *statusHub) setSpeaking(v bool) {
	if h.speaking.Swap(v) == v {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publishLocked()
}

func (h *statusHub) setVolume(v float64) {
	h.volume.Store(math.Float64bits(v))
}

// publishLocked delivers the current snapshot to every subscriber. A full
// subscriber channel has its stale snapshot replaced.
func (h *statusHub) publishLocked() {
	s := h.snapshotLocked()
	for ch := range h.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

func (h *statusHub) subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}
