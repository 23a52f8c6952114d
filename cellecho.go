// Package cellecho implements a cellular network echo demonstration. It
// brings up a cellular interface, connects to the network with a bounded
// retry loop, resolves an echo service hostname and performs a single
// send/receive round trip over UDP or TCP.
//
// The interface variant is chosen once at startup. OnboardModem uses a
// modem whose IP stack is managed by the host operating system, while
// ATModem drives an external serial modem whose IP stack lives inside the
// modem itself. Both satisfy the Interface contract consumed by Session.
//
// Example usage:
//
//	iface, err := cellecho.NewOnboardModem(&cellecho.OnboardConfig{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	sess, err := cellecho.NewSession(&cellecho.SessionConfig{
//		Interface: iface,
//		Transport: cellecho.TransportUDP,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := sess.Run(context.Background()); err != nil {
//		os.Exit(1)
//	}
package cellecho

import (
	"context"
	"errors"
	"net"
	"net/netip"
)

var (
	// ErrConfigRequired is returned when a required configuration parameter is missing
	ErrConfigRequired = errors.New("config required")
	// ErrAuthFailure is returned when the network rejects the SIM or the credentials.
	// It is fatal and must never be retried.
	ErrAuthFailure = errors.New("authentication failure")
	// ErrNoCarrier is returned when no network connection can be established
	ErrNoCarrier = errors.New("no carrier")
	// ErrNotRegistered is returned while the modem has not registered on the network
	ErrNotRegistered = errors.New("not registered on network")
	// ErrNotAttached is returned when the packet service attach fails
	ErrNotAttached = errors.New("packet service not attached")
	// ErrRetriesExceeded is returned once the connect retry budget is spent
	ErrRetriesExceeded = errors.New("connect retries exceeded")
	// ErrModemClosed is returned when the modem port is no longer usable
	ErrModemClosed = errors.New("modem closed")
)

// Transport selects the transport used for the echo exchange.
type Transport string

const (
	// TransportUDP exchanges the echo payload as a single datagram
	TransportUDP Transport = "udp"
	// TransportTCP exchanges the echo payload over a stream connection
	TransportTCP Transport = "tcp"
)

// Interface is the uniform contract implemented by every cellular interface
// variant. Connect blocks until the attempt resolves; callers own the retry
// policy. Once Connect succeeds the interface reports itself connected and
// has an assigned address.
type Interface interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	IPAddress() netip.Addr
	LookupHost(ctx context.Context, host string) (netip.Addr, error)
	DialContext(ctx context.Context, network string, addr netip.AddrPort) (net.Conn, error)
	ListenPacket(ctx context.Context) (net.PacketConn, error)
}
