package audio

import "sync"

// BytesPerSecond for 16kHz/16-bit mono PCM.
const BytesPerSecond = 16000 * 2

// Ring is a bounded PCM accumulator that keeps only the most recent audio.
// The capture path appends to it continuously; the voiceprint trigger reads
// the tail. The cap is enforced on every append so the buffer can never grow
// past its bound.
type Ring struct {
	mu  sync.Mutex
	buf []byte
	max int
}

// NewRing returns a ring holding at most seconds worth of 16kHz/16-bit mono
// audio. seconds <= 0 defaults to 5, matching the live-test window.
func NewRing(seconds int) *Ring {
	if seconds <= 0 {
		seconds = 5
	}
	return &Ring{max: seconds * BytesPerSecond}
}

// Append adds captured bytes, trimming the oldest audio to stay within the
// bound.
func (r *Ring) Append(p []byte) {
	r.mu.Lock()
	r.buf = append(r.buf, p...)
	if len(r.buf) > r.max {
		// keep the tail; shift in place to avoid holding the backing array
		excess := len(r.buf) - r.max
		copy(r.buf, r.buf[excess:])
		r.buf = r.buf[:r.max]
	}
	r.mu.Unlock()
}

// Len reports the buffered byte count.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Tail returns a copy of the most recent n bytes (all of them if fewer are
// buffered).
func (r *Ring) Tail(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.buf) {
		n = len(r.buf)
	}
	out := make([]byte, n)
	copy(out, r.buf[len(r.buf)-n:])
	return out
}

// Reset drops all buffered audio.
func (r *Ring) Reset() {
	r.mu.Lock()
	r.buf = r.buf[:0]
	r.mu.Unlock()
}
