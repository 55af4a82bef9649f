// Package receiver provides the per-fd byte buffers used for partial reads
package receiver

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/mct-labs/go-mctd/internal/protocol"
)

// Transport identifies what kind of fd feeds a receiver
type Transport int

const (
	// TransportSocket is a stream or datagram socket
	TransportSocket Transport = iota
	// TransportFifo is a named pipe
	TransportFifo
	// TransportSerial is a termios-configured serial port
	TransportSerial
)

// DefaultBufferSize matches the largest wire message length
const DefaultBufferSize = 65535

// Flags modify CheckAndGet behavior
type Flags int

const (
	// FlagNone copies without consuming
	FlagNone Flags = 0
	// FlagSkipHeader offsets past the user header before copying
	FlagSkipHeader Flags = 1 << 0
	// FlagRemove consumes the copied bytes (and any skipped header)
	FlagRemove Flags = 1 << 1
)

var (
	// ErrShortBuffer means fewer bytes are buffered than requested
	ErrShortBuffer = errors.New("receiver: not enough bytes buffered")
	// ErrRemoveRange means a removal exceeded the buffered bytes
	ErrRemoveRange = errors.New("receiver: removal exceeds buffered bytes")
)

// Receiver accumulates bytes from one fd across poll rounds. The valid
// window is buf[start:start+length); Remove narrows it from the front and
// MoveToBegin rebases it so the next Receive has full tail capacity.
type Receiver struct {
	Fd        int
	Transport Transport

	buf    []byte
	start  int
	length int
}

// New creates a receiver over fd with the given buffer capacity
func New(fd int, transport Transport, size int) *Receiver {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Receiver{
		Fd:        fd,
		Transport: transport,
		buf:       make([]byte, size),
	}
}

// Receive reads from the fd into the free tail of the buffer. Returns the
// number of bytes read; 0 means the peer closed an end of a stream.
func (r *Receiver) Receive() (int, error) {
	free := r.buf[r.start+r.length:]
	if len(free) == 0 {
		// A full buffer with no consumable message means the peer is
		// writing garbage; rebase so the next round can make progress.
		r.MoveToBegin()
		free = r.buf[r.length:]
		if len(free) == 0 {
			return 0, ErrShortBuffer
		}
	}
	n, err := unix.Read(r.Fd, free)
	if n < 0 {
		n = 0
	}
	if err != nil {
		return n, err
	}
	r.length += n
	return n, nil
}

// Bytes returns the valid window without copying or consuming
func (r *Receiver) Bytes() []byte {
	return r.buf[r.start : r.start+r.length]
}

// Len returns the number of buffered bytes
func (r *Receiver) Len() int {
	return r.length
}

// CheckAndGet validates that n bytes are available (after the user header
// when FlagSkipHeader is set), copies them out, and consumes them when
// FlagRemove is set.
func (r *Receiver) CheckAndGet(n int, flags Flags) ([]byte, error) {
	skip := 0
	if flags&FlagSkipHeader != 0 {
		skip = protocol.UserHeaderSize
	}
	if r.length < skip+n {
		return nil, ErrShortBuffer
	}
	out := make([]byte, n)
	copy(out, r.buf[r.start+skip:r.start+skip+n])
	if flags&FlagRemove != 0 {
		if err := r.Remove(skip + n); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Remove consumes k bytes from the front of the window without moving data
func (r *Receiver) Remove(k int) error {
	if k < 0 || k > r.length {
		return ErrRemoveRange
	}
	r.start += k
	r.length -= k
	return nil
}

// MoveToBegin relocates the valid window to offset 0. Called at the end of
// each dispatch round so partial messages survive with full tail capacity.
func (r *Receiver) MoveToBegin() {
	if r.start == 0 {
		return
	}
	copy(r.buf, r.buf[r.start:r.start+r.length])
	r.start = 0
}

// Feed appends bytes directly into the buffer, bypassing the fd. Test
// fixtures and the in-process control path use this.
func (r *Receiver) Feed(data []byte) error {
	if r.start+r.length+len(data) > len(r.buf) {
		r.MoveToBegin()
	}
	if r.length+len(data) > len(r.buf) {
		return ErrShortBuffer
	}
	copy(r.buf[r.start+r.length:], data)
	r.length += len(data)
	return nil
}
