package server

import (
	"net"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/momentics/reactorcore/buffer"
	"github.com/momentics/reactorcore/conn"
	"github.com/momentics/reactorcore/eventloop"
)

func startLoop(t *testing.T) (loop *eventloop.EventLoop, stop func()) {
	t.Helper()
	ready := make(chan *eventloop.EventLoop, 1)
	done := make(chan struct{})
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(done)

		l, err := eventloop.New()
		if err != nil {
			t.Errorf("eventloop.New: %v", err)
			ready <- nil
			return
		}
		ready <- l
		l.Run()
		l.Close()
	}()
	l := <-ready
	if l == nil {
		t.FailNow()
	}
	return l, func() {
		l.Quit()
		<-done
	}
}

func newTestServer(t *testing.T, loop *eventloop.EventLoop, cfg Config) *Server {
	t.Helper()
	s, err := New(loop, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestServerEchoesBytesBackToClient(t *testing.T) {
	loop, stop := startLoop(t)
	defer stop()

	cfg := DefaultConfig("echo", "127.0.0.1:0")
	s := newTestServer(t, loop, cfg)
	s.SetMessageCallback(func(c *conn.Connection, buf *buffer.Buffer, _ time.Time) {
		c.Send([]byte(buf.RetrieveAllAsString()))
	})
	s.Start()

	addr := waitForAddr(t, s)
	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4)
	if _, err := readFull(client, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("echoed %q, want %q", buf, "ping")
	}
}

func TestServerStartIsIdempotent(t *testing.T) {
	loop, stop := startLoop(t)
	defer stop()

	s := newTestServer(t, loop, DefaultConfig("idempotent", "127.0.0.1:0"))
	s.Start()
	addr1 := waitForAddr(t, s)
	s.Start() // second call must be a no-op, not re-listen or panic
	addr2 := waitForAddr(t, s)
	if addr1 != addr2 {
		t.Fatalf("address changed across Start calls: %s vs %s", addr1, addr2)
	}
}

func TestServerConnectionNamingScheme(t *testing.T) {
	loop, stop := startLoop(t)
	defer stop()

	s := newTestServer(t, loop, DefaultConfig("named", "127.0.0.1:0"))
	nameCh := make(chan string, 1)
	s.SetConnectionCallback(func(c *conn.Connection) {
		if c.Connected() {
			nameCh <- c.Name()
		}
	})
	s.Start()
	addr := waitForAddr(t, s)

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	select {
	case name := <-nameCh:
		if !strings.HasPrefix(name, "named-"+addr+"#") {
			t.Fatalf("connection name %q does not match expected prefix", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection callback")
	}
}

func TestServerConnectionCountTracksLifecycle(t *testing.T) {
	loop, stop := startLoop(t)
	defer stop()

	s := newTestServer(t, loop, DefaultConfig("counted", "127.0.0.1:0"))
	disconnected := make(chan struct{}, 1)
	s.SetConnectionCallback(func(c *conn.Connection) {
		if c.Disconnected() {
			disconnected <- struct{}{}
		}
	})
	s.Start()
	addr := waitForAddr(t, s)

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.ConnectionCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.ConnectionCount() != 1 {
		t.Fatalf("ConnectionCount() = %d, want 1", s.ConnectionCount())
	}

	client.Close()
	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for disconnect")
	}

	deadline = time.Now().Add(5 * time.Second)
	for s.ConnectionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.ConnectionCount() != 0 {
		t.Fatalf("ConnectionCount() = %d after disconnect, want 0", s.ConnectionCount())
	}
}

func TestServerWithWorkerPoolDistributesConnections(t *testing.T) {
	loop, stop := startLoop(t)
	defer stop()

	cfg := DefaultConfig("pooled", "127.0.0.1:0")
	cfg.ThreadNum = 2
	s := newTestServer(t, loop, cfg)
	s.Start()
	addr := waitForAddr(t, s)

	var clients []net.Conn
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()
	for i := 0; i < 4; i++ {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		clients = append(clients, c)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.ConnectionCount() != 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.ConnectionCount() != 4 {
		t.Fatalf("ConnectionCount() = %d, want 4", s.ConnectionCount())
	}
}

func waitForAddr(t *testing.T, s *Server) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a, err := s.Addr(); err == nil && a.Port != 0 {
			return a.String()
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for server address")
	return ""
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
