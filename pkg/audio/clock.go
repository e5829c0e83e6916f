package audio

// Voice is a buffer that has been scheduled on a [Clock].
type Voice interface {
	// Stop cancels the buffer. Stopping a voice that already finished or was
	// already stopped is a no-op. A stopped voice never reports completion.
	Stop()
}

// Clock is the output side of the pipeline: a monotonically advancing playback
// position plus the ability to start a buffer at an exact position on it.
// Positions are counted in samples at [Clock.Rate] from the clock origin.
//
// Implementations must be safe for concurrent use. done is called at most
// once, from an implementation goroutine, when the buffer has been fully
// rendered; it must not block.
type Clock interface {
	// Now returns the number of samples rendered so far.
	Now() int64

	// Rate returns the sample rate buffers are rendered at.
	Rate() int

	// Schedule starts samples at sample position at. A position in the past
	// starts the buffer immediately.
	Schedule(samples []int16, at int64, done func()) Voice
}
