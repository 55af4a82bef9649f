// Package ringbuf provides the bounded FIFO holding messages while no
// client is attached
package ringbuf

import (
	"encoding/binary"
	"errors"
)

// Default sizing while no client connection is available
const (
	DefaultMinSize  = 500000
	DefaultMaxSize  = 10000000
	DefaultStepSize = 500000
)

const headerSize = 4 // per-record length prefix

var (
	// ErrFull means the record does not fit even after growing to max
	ErrFull = errors.New("ringbuf: buffer full")
	// ErrEmpty means there is no record to remove
	ErrEmpty = errors.New("ringbuf: buffer empty")
)

// Buffer is a bounded FIFO of variable-length byte records backed by a
// circular byte array. It grows lazily in step increments up to max and
// never shrinks. Push fails when a record does not fit; overflow policy
// (tail drop, counting) belongs to the caller.
type Buffer struct {
	min  int
	max  int
	step int

	data    []byte
	readPos int
	used    int
	records int
}

// New creates a buffer with the given sizing. Zero values fall back to the
// defaults.
func New(min, max, step int) *Buffer {
	if min <= 0 {
		min = DefaultMinSize
	}
	if max < min {
		max = min
	}
	if step <= 0 {
		step = DefaultStepSize
	}
	return &Buffer{
		min:  min,
		max:  max,
		step: step,
		data: make([]byte, min),
	}
}

// Size returns the current allocated size in bytes
func (b *Buffer) Size() int { return len(b.data) }

// MessageCount returns the number of queued records
func (b *Buffer) MessageCount() int { return b.records }

// Push3 enqueues a single record formed by concatenating three spans.
// Any span may be nil.
func (b *Buffer) Push3(d1, d2, d3 []byte) error {
	total := headerSize + len(d1) + len(d2) + len(d3)
	if err := b.ensure(total); err != nil {
		return err
	}

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(total-headerSize))
	b.put(hdr[:])
	b.put(d1)
	b.put(d2)
	b.put(d3)
	b.records++
	return nil
}

// Copy returns a copy of the oldest record without removing it. A nil
// return means the buffer is empty.
func (b *Buffer) Copy() []byte {
	if b.records == 0 {
		return nil
	}
	var hdr [headerSize]byte
	b.peek(b.readPos, hdr[:])
	n := int(binary.LittleEndian.Uint32(hdr[:]))
	out := make([]byte, n)
	b.peek((b.readPos+headerSize)%len(b.data), out)
	return out
}

// Remove drops the oldest record
func (b *Buffer) Remove() error {
	if b.records == 0 {
		return ErrEmpty
	}
	var hdr [headerSize]byte
	b.peek(b.readPos, hdr[:])
	n := int(binary.LittleEndian.Uint32(hdr[:]))
	b.readPos = (b.readPos + headerSize + n) % len(b.data)
	b.used -= headerSize + n
	b.records--
	if b.records == 0 {
		b.readPos = 0
		b.used = 0
	}
	return nil
}

// ensure makes room for n more bytes, growing in step increments up to max
func (b *Buffer) ensure(n int) error {
	for len(b.data)-b.used < n {
		if len(b.data) >= b.max {
			return ErrFull
		}
		next := len(b.data) + b.step
		if next > b.max {
			next = b.max
		}
		grown := make([]byte, next)
		// linearize while copying so readPos restarts at 0
		b.peek(b.readPos, grown[:b.used])
		b.data = grown
		b.readPos = 0
	}
	return nil
}

// put writes bytes at the current tail, wrapping as needed
func (b *Buffer) put(data []byte) {
	if len(data) == 0 {
		return
	}
	pos := (b.readPos + b.used) % len(b.data)
	n := copy(b.data[pos:], data)
	if n < len(data) {
		copy(b.data, data[n:])
	}
	b.used += len(data)
}

// peek copies len(out) bytes starting at pos, wrapping as needed
func (b *Buffer) peek(pos int, out []byte) {
	n := copy(out, b.data[pos:])
	if n < len(out) {
		copy(out[n:], b.data)
	}
}
