//go:build linux

package sockopt

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/reactorcore/netaddr"
)

func connect(fd int, addr netaddr.Address) error {
	return unix.Connect(fd, addr.ToSockaddr())
}

func isInProgress(err error) bool {
	return err == unix.EINPROGRESS
}

// acceptRetry polls Accept a few times since the listening socket is
// non-blocking and the peer's connect may not have completed the
// handshake the instant this test calls Accept.
func acceptRetry(t *testing.T, lfd int) (int, netaddr.Address, error) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		fd, peer, err := Accept(lfd)
		if err == nil {
			return fd, peer, nil
		}
		if err != unix.EAGAIN || time.Now().After(deadline) {
			return -1, netaddr.Address{}, err
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSocketLifecycleBindListenAcceptConnect(t *testing.T) {
	lfd, err := CreateNonblockingSocket(netaddr.Loopback(0))
	if err != nil {
		t.Fatalf("CreateNonblockingSocket: %v", err)
	}
	defer Close(lfd)

	if err := SetReuseAddr(lfd, true); err != nil {
		t.Fatalf("SetReuseAddr: %v", err)
	}
	if err := Bind(lfd, netaddr.Loopback(0)); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := Listen(lfd); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	local, err := GetSockName(lfd)
	if err != nil {
		t.Fatalf("GetSockName: %v", err)
	}
	if local.Port == 0 {
		t.Fatal("expected an ephemeral port to be assigned")
	}

	cfd, err := CreateNonblockingSocket(local)
	if err != nil {
		t.Fatalf("CreateNonblockingSocket(client): %v", err)
	}
	defer Close(cfd)

	err = connect(cfd, local)
	if err != nil && !isInProgress(err) {
		t.Fatalf("connect: %v", err)
	}

	connFD, peer, err := acceptRetry(t, lfd)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer Close(connFD)
	if peer.Port == 0 {
		t.Fatal("expected a nonzero peer port")
	}

	if err := SetKeepAlive(connFD, true); err != nil {
		t.Fatalf("SetKeepAlive: %v", err)
	}
	if err := SetTCPNoDelay(connFD, true); err != nil {
		t.Fatalf("SetTCPNoDelay: %v", err)
	}
	if err := GetSocketError(connFD); err != nil {
		t.Fatalf("GetSocketError: %v", err)
	}
	if err := ShutdownWrite(connFD); err != nil {
		t.Fatalf("ShutdownWrite: %v", err)
	}
}
