package session

import "time"

// AfterFunc schedules f to run once after d. The returned stop function
// cancels the timer and reports whether it did so before f ran.
// [time.AfterFunc] is the production implementation; tests inject a fake.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Backoff computes exponential reconnect delays with a bounded number of
// attempts. The zero value allows no retries. Not safe for concurrent use.
type Backoff struct {
	// Base is the delay before the first retry. Each further retry doubles it.
	Base time.Duration

	// Max caps a single delay. Zero means no cap.
	Max time.Duration

	// MaxRetries is the number of retries allowed before giving up.
	MaxRetries int

	attempts int
}

// Next returns the delay before the next retry and consumes one attempt. It
// reports false once MaxRetries attempts have been used.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.attempts >= b.MaxRetries {
		return 0, false
	}
	d := b.Base << b.attempts
	if b.Max > 0 && (d > b.Max || d <= 0) {
		d = b.Max
	}
	b.attempts++
	return d, true
}

// Attempts returns how many retries have been consumed since the last Reset.
func (b *Backoff) Attempts() int { return b.attempts }

// Reset makes the full retry budget available again.
func (b *Backoff) Reset() { b.attempts = 0 }
