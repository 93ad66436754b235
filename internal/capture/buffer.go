package capture

import (
	"fmt"

	"github.com/jittakal/kaftraffic/internal/errors"
)

// unboundedInitialSize is the starting allocation of unbounded holders.
const unboundedInitialSize = 4096

// BufferHolder owns the bytes of one record while it is being filled.
// A holder belongs to its serializer until CloseBuffer hands it to the
// manager, after which every write fails.
type BufferHolder struct {
	buf       []byte
	capacity  int
	handedOff bool
}

// NewBufferHolder creates a holder of the given capacity. A capacity of zero
// or less makes the holder unbounded.
func NewBufferHolder(capacity int) *BufferHolder {
	size := capacity
	if capacity <= 0 {
		size = unboundedInitialSize
	}
	return &BufferHolder{
		buf:      make([]byte, 0, size),
		capacity: capacity,
	}
}

// SpaceLeft returns the bytes still available and true, or false when the
// holder is unbounded.
func (h *BufferHolder) SpaceLeft() (int, bool) {
	if h.capacity <= 0 {
		return 0, false
	}
	return h.capacity - len(h.buf), true
}

// Capacity returns the declared capacity.
func (h *BufferHolder) Capacity() int {
	return h.capacity
}

// Len returns the bytes written so far.
func (h *BufferHolder) Len() int {
	return len(h.buf)
}

// fits reports whether size more bytes can be written.
func (h *BufferHolder) fits(size int) bool {
	space, bounded := h.SpaceLeft()
	return !bounded || size <= space
}

// write appends exactly size bytes produced by appendFn.
func (h *BufferHolder) write(size int, appendFn func([]byte) []byte) error {
	if h.handedOff {
		return errors.ErrBufferHandedOff
	}
	if !h.fits(size) {
		space, _ := h.SpaceLeft()
		return fmt.Errorf("%w: need %d bytes, %d left", errors.ErrSpaceAccounting, size, space)
	}
	before := len(h.buf)
	h.buf = appendFn(h.buf)
	if written := len(h.buf) - before; written != size {
		return fmt.Errorf("%w: computed %d bytes, wrote %d", errors.ErrSpaceAccounting, size, written)
	}
	return nil
}

// handOff transfers the bytes to the caller and seals the holder.
func (h *BufferHolder) handOff() ([]byte, error) {
	if h.handedOff {
		return nil, errors.ErrBufferHandedOff
	}
	h.handedOff = true
	b := h.buf
	h.buf = nil
	return b, nil
}
