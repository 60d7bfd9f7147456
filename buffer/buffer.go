// File: buffer/buffer.go
// Author: momentics <momentics@gmail.com>
//
// Buffer is the per-connection application-level byte buffer used by
// Connection's input and output sides. It is a contiguous byte container
// with three indices:
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	|                   |     (CONTENT)    |                  |
//	+-------------------+------------------+------------------+
//	|                   |                  |                  |
//	0       <=     readerIndex       <=   writerIndex   <=   len(buf)
//
// A Buffer is owned exclusively by a single Connection and must not be
// shared across goroutines.

package buffer

import (
	"errors"
)

// PrependSize is the space reserved at the front of every Buffer for
// cheap header prepending (e.g. a 4-byte length prefix), avoiding a
// reallocate-and-copy when a caller wants to stitch a header onto an
// already-built message.
const PrependSize = 8

// InitialSize is the default capacity of the readable/writable region
// a freshly constructed Buffer provides, not counting PrependSize.
const InitialSize = 1024

// extraBufSize is the size of the stack-local spill buffer used by
// ReadFD's scatter read.
const extraBufSize = 65536

// ErrRetrieveOutOfRange is the value Retrieve/RetrieveAsString panic with
// when asked to consume more bytes than are currently readable.
var ErrRetrieveOutOfRange = errors.New("buffer: retrieve length exceeds readable bytes")

// ErrPrependOutOfRange is the value Prepend panics with when asked to
// write more bytes than the prependable region currently holds.
var ErrPrependOutOfRange = errors.New("buffer: prepend length exceeds prependable bytes")

// Buffer is a growable byte buffer with cheap prepend and amortized O(1)
// append, modeled directly on muduo's net::Buffer.
type Buffer struct {
	buf    []byte
	reader int // readerIndex
	writer int // writerIndex
}

// New returns a Buffer with the given initial readable/writable capacity
// (the PrependSize region is added on top).
func New(initialSize int) *Buffer {
	if initialSize <= 0 {
		initialSize = InitialSize
	}
	return &Buffer{
		buf:    make([]byte, PrependSize+initialSize),
		reader: PrependSize,
		writer: PrependSize,
	}
}

// NewBuffer is a convenience constructor using InitialSize.
func NewBuffer() *Buffer { return New(InitialSize) }

// ReadableBytes returns the number of bytes available to read.
func (b *Buffer) ReadableBytes() int { return b.writer - b.reader }

// WritableBytes returns the number of bytes that can be appended without
// growing the underlying slice.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writer }

// PrependableBytes returns the number of bytes currently free in front of
// the readable region.
func (b *Buffer) PrependableBytes() int { return b.reader }

// Peek returns a view of the readable bytes. The slice aliases the
// Buffer's internal storage and is invalidated by any mutating call.
func (b *Buffer) Peek() []byte { return b.buf[b.reader:b.writer] }

// Retrieve advances the reader index by n, consuming n bytes without
// copying them anywhere. Panics if n is out of [0, ReadableBytes()].
func (b *Buffer) Retrieve(n int) {
	if n < 0 || n > b.ReadableBytes() {
		panic(ErrRetrieveOutOfRange)
	}
	if n < b.ReadableBytes() {
		b.reader += n
	} else {
		b.RetrieveAll()
	}
}

// RetrieveAll resets the buffer to empty, reclaiming all space for
// prepend/append.
func (b *Buffer) RetrieveAll() {
	b.reader = PrependSize
	b.writer = PrependSize
}

// RetrieveAsString copies out n readable bytes as a string and retrieves
// them. Panics if n exceeds ReadableBytes().
func (b *Buffer) RetrieveAsString(n int) string {
	if n < 0 || n > b.ReadableBytes() {
		panic(ErrRetrieveOutOfRange)
	}
	s := string(b.buf[b.reader : b.reader+n])
	b.Retrieve(n)
	return s
}

// RetrieveAllAsString copies out all readable bytes as a string and
// empties the buffer.
func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// EnsureWritable grows or compacts the buffer so at least n more bytes
// can be appended without reallocation on the next call.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

// Append copies data onto the end of the readable region, growing the
// buffer as needed.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritable(len(data))
	copy(b.buf[b.writer:], data)
	b.writer += len(data)
}

// AppendString is a convenience wrapper around Append for string data.
func (b *Buffer) AppendString(s string) { b.Append([]byte(s)) }

// Prepend writes data immediately before the current readable region,
// moving the reader index left. Panics if data is longer than
// PrependableBytes().
func (b *Buffer) Prepend(data []byte) {
	if len(data) > b.PrependableBytes() {
		panic(ErrPrependOutOfRange)
	}
	b.reader -= len(data)
	copy(b.buf[b.reader:], data)
}

// makeSpace implements the compact-or-grow policy: if the combined
// prependable and writable regions are large enough to hold n bytes plus
// the reserved prepend area, the readable bytes are shifted to the front
// of the buffer (reusing already-read space); otherwise the underlying
// slice is grown.
func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+PrependSize {
		grown := make([]byte, b.writer+n)
		copy(grown, b.buf[:b.writer])
		b.buf = grown
	} else {
		readable := b.ReadableBytes()
		copy(b.buf[PrependSize:], b.buf[b.reader:b.writer])
		b.reader = PrependSize
		b.writer = b.reader + readable
	}
}
