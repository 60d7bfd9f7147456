package buffer

import (
	"net"
	"testing"
)

func TestBufferAppendRetrieveRoundTrip(t *testing.T) {
	b := NewBuffer()
	b.AppendString("hello\n")
	if got, want := b.ReadableBytes(), 6; got != want {
		t.Fatalf("ReadableBytes() = %d, want %d", got, want)
	}
	if got := b.RetrieveAllAsString(); got != "hello\n" {
		t.Fatalf("RetrieveAllAsString() = %q, want %q", got, "hello\n")
	}
	if b.reader != PrependSize || b.writer != PrependSize {
		t.Fatalf("retrieveAll did not reset to prepend boundary: reader=%d writer=%d", b.reader, b.writer)
	}
}

func TestBufferPrependPreservesReadable(t *testing.T) {
	b := NewBuffer()
	b.AppendString("world")
	b.Prepend([]byte("hi"))
	if got, want := b.ReadableBytes(), len("hiworld"); got != want {
		t.Fatalf("ReadableBytes() = %d, want %d", got, want)
	}
	if got := string(b.Peek()[:2]); got != "hi" {
		t.Fatalf("Peek()[:2] = %q, want %q", got, "hi")
	}
}

func TestBufferPrependPanicsPastPrependable(t *testing.T) {
	b := NewBuffer()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on oversized prepend")
		}
	}()
	b.Prepend(make([]byte, PrependSize+1))
}

func TestBufferRetrievePartial(t *testing.T) {
	b := NewBuffer()
	b.AppendString("abcdef")
	b.Retrieve(3)
	if got, want := b.ReadableBytes(), 3; got != want {
		t.Fatalf("ReadableBytes() = %d, want %d", got, want)
	}
	if got := string(b.Peek()); got != "def" {
		t.Fatalf("Peek() = %q, want %q", got, "def")
	}
}

func TestBufferGrowsWhenCompactionIsNotEnough(t *testing.T) {
	b := New(16)
	b.AppendString("0123456789abcdef") // exactly fills the initial writable region
	b.Retrieve(10)                     // free up prependable+writable space, but not enough
	before := len(b.buf)
	b.Append(make([]byte, 64))
	if len(b.buf) <= before {
		t.Fatalf("expected buffer to grow past %d bytes, got %d", before, len(b.buf))
	}
	if got, want := b.ReadableBytes(), 6+64; got != want {
		t.Fatalf("ReadableBytes() = %d, want %d", got, want)
	}
}

func TestBufferCompactsInPlaceWhenSpaceSuffices(t *testing.T) {
	b := New(1024)
	b.AppendString("0123456789")
	b.AppendString("abcdefghij")
	b.Retrieve(10)
	capBefore := len(b.buf)
	b.EnsureWritable(1005) // forces makeSpace (writable is 1004); prependable 18 + writable 1004 covers 1005+PrependSize, so no realloc
	if len(b.buf) != capBefore {
		t.Fatalf("expected in-place compaction, capacity changed from %d to %d", capBefore, len(b.buf))
	}
	if got := string(b.Peek()); got != "abcdefghij" {
		t.Fatalf("Peek() = %q, want %q", got, "abcdefghij")
	}
}

// socketPair returns a connected TCP loopback pair for syscall-level tests.
func socketPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server = <-acceptCh
	return server, client
}
