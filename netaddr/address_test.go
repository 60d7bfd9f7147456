package netaddr

import (
	"net"
	"testing"

	"golang.org/x/sys/unix"
)

func TestAddressResolveDefaultsEmptyHostToAnyIPv4(t *testing.T) {
	a, err := Resolve(":9000")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !a.IP.Equal(net.IPv4zero) || a.Port != 9000 {
		t.Fatalf("Resolve(\":9000\") = %+v, want 0.0.0.0:9000", a)
	}
}

func TestAddressSockaddrRoundTripIPv4(t *testing.T) {
	want := New(net.IPv4(192, 168, 1, 42), 8080)
	sa := want.ToSockaddr()
	if _, ok := sa.(*unix.SockaddrInet4); !ok {
		t.Fatalf("ToSockaddr() = %T, want *unix.SockaddrInet4", sa)
	}
	got, err := FromSockaddr(sa)
	if err != nil {
		t.Fatalf("FromSockaddr: %v", err)
	}
	if !got.IP.Equal(want.IP) || got.Port != want.Port {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestAddressSockaddrRoundTripIPv6(t *testing.T) {
	want := New(net.ParseIP("::1"), 443)
	sa := want.ToSockaddr()
	if _, ok := sa.(*unix.SockaddrInet6); !ok {
		t.Fatalf("ToSockaddr() = %T, want *unix.SockaddrInet6", sa)
	}
	got, err := FromSockaddr(sa)
	if err != nil {
		t.Fatalf("FromSockaddr: %v", err)
	}
	if !got.IP.Equal(want.IP) || got.Port != want.Port {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestAddressString(t *testing.T) {
	a := Loopback(12345)
	if got, want := a.String(), "127.0.0.1:12345"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
