package codec

import (
	"time"

	"github.com/streamlab/accessorylink/pkg/protocol"
)

// LengthFunc inspects the start of a buffered frame and returns its total length in bytes. It
// returns 0 when more bytes are needed to tell, and an error when the header is invalid.
type LengthFunc func(buffered []byte) (int, error)

// Assembler reassembles frames delivered in arbitrary fragments. A frame is only handed out once
// its declared length is fully buffered, so checksums are never validated against partial data.
type Assembler struct {
	family      string
	frameLength LengthFunc
	maxSize     int
	timeout     time.Duration
	now         func() time.Time

	buffer []byte
	lastRx time.Time
}

// NewAssembler returns an Assembler for frames no longer than maxSize. When timeout is non-zero,
// partial data older than timeout is discarded before new fragments are appended.
func NewAssembler(family string, frameLength LengthFunc, maxSize int, timeout time.Duration) *Assembler {
	return &Assembler{
		family:      family,
		frameLength: frameLength,
		maxSize:     maxSize,
		timeout:     timeout,
		now:         time.Now,
	}
}

// Push appends a fragment and returns every frame it completes. On an impossible header the
// buffer is discarded and an error matching protocol.ErrMalformedFrame is returned along with any
// frames completed before it.
func (a *Assembler) Push(fragment []byte) ([][]byte, error) {
	now := a.now()
	if a.timeout > 0 && len(a.buffer) > 0 && now.Sub(a.lastRx) > a.timeout {
		a.buffer = nil
	}
	a.lastRx = now
	a.buffer = append(a.buffer, fragment...)

	var frames [][]byte
	for len(a.buffer) > 0 {
		n, err := a.frameLength(a.buffer)
		if err != nil {
			a.buffer = nil
			return frames, err
		}
		if n == 0 {
			break
		}
		if n > a.maxSize {
			a.buffer = nil
			return frames, protocol.NewFrameError(a.family, "declared length %d exceeds %d", n, a.maxSize)
		}
		if len(a.buffer) < n {
			break
		}
		frame := make([]byte, n)
		copy(frame, a.buffer[:n])
		a.buffer = a.buffer[n:]
		frames = append(frames, frame)
	}
	if len(a.buffer) == 0 {
		a.buffer = nil
	}
	return frames, nil
}

// Buffered returns the number of bytes waiting for the rest of their frame.
func (a *Assembler) Buffered() int {
	return len(a.buffer)
}

func (a *Assembler) Reset() {
	a.buffer = nil
}
