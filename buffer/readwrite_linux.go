//go:build linux

// File: buffer/readwrite_linux.go
// Author: momentics <momentics@gmail.com>
//
// ReadFD/WriteFD perform the actual syscalls for Buffer's fd-facing
// operations, grounded on original_source/Buffer.cc's readFd (scatter
// read via readv into the buffer's writable tail plus a stack-local spill
// buffer) and writeFd (single write of the readable span).

package buffer

import "golang.org/x/sys/unix"

// ReadFD reads from fd into the buffer's writable tail, spilling any
// excess into a 64 KiB stack-local buffer via a two-iovec readv so that a
// single syscall can absorb a burst larger than the current writable
// space without forcing a resize on the hot path. Returns the number of
// bytes read, 0 on orderly peer close, or a negative count with errno set
// in err on failure.
func ReadFD(b *Buffer, fd int) (n int, err error) {
	var extra [extraBufSize]byte
	writable := b.WritableBytes()

	var iov [][]byte
	if writable > 0 {
		iov = append(iov, b.buf[b.writer:b.writer+writable])
	}
	iov = append(iov, extra[:])

	nn, err := unix.Readv(fd, iov)
	if err != nil {
		return -1, err
	}
	n = nn
	switch {
	case n <= writable:
		b.writer += n
	default:
		b.writer = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, nil
}

// WriteFD writes the buffer's readable span to fd in a single write
// syscall. The caller is responsible for calling Retrieve(n) on success;
// Buffer does not advance its own reader index here so that partial
// writes can be handled by the caller exactly as in original_source's
// Buffer::writeFd / TcpConnection::handleWrite split.
func WriteFD(b *Buffer, fd int) (n int, err error) {
	nn, err := unix.Write(fd, b.Peek())
	if err != nil {
		return -1, err
	}
	return nn, nil
}
