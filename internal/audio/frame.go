package audio

import "sync"

// FrameSize is the fixed frame payload in bytes: 250ms of 16kHz/16-bit mono.
const FrameSize = 8000

// FrameRole marks the position a frame occupies in a vendor streaming session.
type FrameRole int

const (
	RoleFirst FrameRole = iota
	RoleContinue
	RoleLast
)

func (r FrameRole) String() string {
	switch r {
	case RoleFirst:
		return "first"
	case RoleContinue:
		return "continue"
	case RoleLast:
		return "last"
	}
	return "unknown"
}

// Frame is one fixed-size slice of the capture stream, tagged with its role.
// Frames are emitted in strict FIFO order and consumed exactly once.
type Frame struct {
	Role FrameRole
	Data []byte
}

// FrameEncoder slices an unbounded byte stream into fixed-size frames.
// Exactly one RoleFirst frame opens a session, any number of RoleContinue
// frames follow, and Finish produces exactly one terminal RoleLast frame
// (possibly empty). A stream that never yields data still produces the
// First/Last pair; that is not an error.
type FrameEncoder struct {
	mu       sync.Mutex
	buf      []byte
	size     int
	started  bool
	finished bool
}

// NewFrameEncoder returns an encoder emitting frames of the given payload
// size; size <= 0 falls back to FrameSize.
func NewFrameEncoder(size int) *FrameEncoder {
	if size <= 0 {
		size = FrameSize
	}
	return &FrameEncoder{size: size}
}

// Write appends captured bytes to the pending buffer. Bytes written after
// Finish are discarded.
func (e *FrameEncoder) Write(p []byte) {
	e.mu.Lock()
	if !e.finished {
		e.buf = append(e.buf, p...)
	}
	e.mu.Unlock()
}

// Next pops the next full frame if one is available. The ok result is false
// when fewer than a full frame's worth of bytes are buffered; the residue is
// held back for Finish.
func (e *FrameEncoder) Next() (Frame, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished || len(e.buf) < e.size {
		return Frame{}, false
	}
	data := make([]byte, e.size)
	copy(data, e.buf[:e.size])
	e.buf = e.buf[e.size:]
	f := Frame{Role: RoleContinue, Data: data}
	if !e.started {
		f.Role = RoleFirst
		e.started = true
	}
	return f, true
}

// Finish terminates the session and returns the remaining frames: the
// residual buffer (possibly empty, possibly short) as RoleLast, preceded by
// an empty RoleFirst if no frame was ever emitted. Finish is idempotent; the
// second call returns nil.
func (e *FrameEncoder) Finish() []Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return nil
	}
	e.finished = true
	var frames []Frame
	if !e.started {
		frames = append(frames, Frame{Role: RoleFirst})
		e.started = true
	}
	residual := make([]byte, len(e.buf))
	copy(residual, e.buf)
	e.buf = nil
	return append(frames, Frame{Role: RoleLast, Data: residual})
}

// Buffered reports how many bytes are pending below a full frame.
func (e *FrameEncoder) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buf)
}

// Reset returns the encoder to its initial state for a new session.
func (e *FrameEncoder) Reset() {
	e.mu.Lock()
	e.buf = nil
	e.started = false
	e.finished = false
	e.mu.Unlock()
}
