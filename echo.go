package cellecho

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// echoPayload is the marker sent to the echo service. The reply buffer has
// the same size; the raw received byte count is the only success criterion.
var echoPayload = []byte("TEST")

// Echo performs one echo transaction over the configured transport and
// returns the number of bytes received. Every step is a potential failure
// point that reports one line and aborts the transaction; the socket, once
// one exists, is closed unconditionally.
func (s *Session) Echo(ctx context.Context) (int, error) {
	switch s.transport {
	case TransportTCP:
		return s.echoTCP(ctx)
	default:
		return s.echoUDP(ctx)
	}
}

func (s *Session) echoUDP(ctx context.Context) (int, error) {
	sock, err := s.iface.ListenPacket(ctx)
	if err != nil {
		s.rep.Printf("Socket open failed: %v\n", err)
		return 0, err
	}
	defer sock.Close()

	addr, err := s.iface.LookupHost(ctx, s.host)
	if err != nil {
		s.rep.Printf("Couldn't resolve remote host: %s, %v\n", s.host, err)
		return 0, err
	}
	remote := net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, s.port))

	_ = sock.SetDeadline(time.Now().Add(s.recvTimeout))
	n, err := sock.WriteTo(echoPayload, remote)
	if err != nil {
		s.rep.Printf("UDP send fails: %v\n", err)
		return 0, err
	}
	s.rep.Printf("UDP: Sent %d Bytes to %s\n", n, s.host)

	buf := make([]byte, len(echoPayload))
	n, _, err = sock.ReadFrom(buf)
	if err != nil {
		return 0, fmt.Errorf("echo reply: %w", err)
	}
	if n == 0 {
		return 0, errors.New("echo reply: empty datagram")
	}
	s.rep.Printf("Received from echo server %d Bytes\n", n)
	return n, nil
}

func (s *Session) echoTCP(ctx context.Context) (int, error) {
	addr, err := s.iface.LookupHost(ctx, s.host)
	if err != nil {
		s.rep.Printf("Couldn't resolve remote host: %s, %v\n", s.host, err)
		return 0, err
	}

	conn, err := s.iface.DialContext(ctx, "tcp", netip.AddrPortFrom(addr, s.port))
	if err != nil {
		s.rep.Printf("TCP connect fails: %v\n", err)
		return 0, err
	}
	defer conn.Close()
	s.rep.Printf("TCP: connected with %s server\n", s.host)

	_ = conn.SetDeadline(time.Now().Add(s.recvTimeout))
	n, err := conn.Write(echoPayload)
	if err != nil {
		s.rep.Printf("TCP send fails: %v\n", err)
		return 0, err
	}
	s.rep.Printf("TCP: Sent %d Bytes to %s\n", n, s.host)

	buf := make([]byte, len(echoPayload))
	n, err = conn.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("echo reply: %w", err)
	}
	if n == 0 {
		return 0, errors.New("echo reply: no data")
	}
	s.rep.Printf("Received from echo server %d Bytes\n", n)
	return n, nil
}
