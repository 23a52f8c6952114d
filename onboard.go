package cellecho

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
)

// OnboardModem is the interface variant for modems managed by the host
// operating system (qmi/mbim style): the carrier session is brought up by
// the OS and shows up as a regular network interface, so sockets and name
// resolution go through the host network stack. Connect only verifies that
// the backing interface is up and addressed.
type OnboardModem struct {
	mu        sync.Mutex
	cfg       OnboardConfig
	log       *slog.Logger
	connected bool
	addr      netip.Addr
}

// OnboardConfig contains the configuration for an OnboardModem.
type OnboardConfig struct {
	// BindInterface is the name of the network interface backing the
	// modem. When set, sockets are bound to its address and Connect fails
	// (retryably) until the interface is up with an address. When empty
	// the default route is used and any usable host address qualifies.
	BindInterface string
	// Logger receives verbose trace records (default: discard)
	Logger *slog.Logger
}

// NewOnboardModem creates an OnboardModem from config.
// Returns ErrConfigRequired if config is nil.
func NewOnboardModem(config *OnboardConfig) (*OnboardModem, error) {
	if config == nil {
		return nil, ErrConfigRequired
	}
	o := &OnboardModem{cfg: *config, log: config.Logger}
	if o.log == nil {
		o.log = discardLogger()
	}
	return o, nil
}

// Connect verifies the backing interface is usable and records its address.
// Failures are retryable: the OS may still be registering the bearer.
func (o *OnboardModem) Connect() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.connected {
		return nil
	}
	addr, err := o.pickAddr()
	if err != nil {
		return err
	}
	o.addr = addr
	o.connected = true
	o.log.Debug("onboard interface up", "ip", addr.String())
	return nil
}

func (o *OnboardModem) pickAddr() (netip.Addr, error) {
	if name := o.cfg.BindInterface; name != "" {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("%w: interface %s: %v", ErrNoCarrier, name, err)
		}
		if ifi.Flags&net.FlagUp == 0 {
			return netip.Addr{}, fmt.Errorf("%w: interface %s is down", ErrNoCarrier, name)
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			return netip.Addr{}, fmt.Errorf("%w: interface %s: %v", ErrNoCarrier, name, err)
		}
		if a, ok := firstUnicastAddr(addrs); ok {
			return a, nil
		}
		return netip.Addr{}, fmt.Errorf("%w: interface %s has no address", ErrNoCarrier, name)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %v", ErrNoCarrier, err)
	}
	var loopback netip.Addr
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		if a, ok := firstUnicastAddr(addrs); ok {
			return a, nil
		}
		if !loopback.IsValid() {
			if a, ok := firstLoopbackAddr(addrs); ok {
				loopback = a
			}
		}
	}
	// loopback-only host, still usable for local echo runs
	if loopback.IsValid() {
		return loopback, nil
	}
	return netip.Addr{}, fmt.Errorf("%w: no usable address", ErrNoCarrier)
}

func firstUnicastAddr(addrs []net.Addr) (netip.Addr, bool) {
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		return ip, true
	}
	return netip.Addr{}, false
}

func firstLoopbackAddr(addrs []net.Addr) (netip.Addr, bool) {
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok || !ip.Unmap().IsLoopback() {
			continue
		}
		return ip.Unmap(), true
	}
	return netip.Addr{}, false
}

// Disconnect marks the interface disconnected. The bearer itself stays
// with the OS.
func (o *OnboardModem) Disconnect() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connected = false
	o.addr = netip.Addr{}
	return nil
}

// IsConnected reports whether Connect has succeeded.
func (o *OnboardModem) IsConnected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connected
}

// IPAddress returns the address recorded by the last successful Connect.
func (o *OnboardModem) IPAddress() netip.Addr {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.addr
}

// LookupHost resolves host through the host resolver.
func (o *OnboardModem) LookupHost(ctx context.Context, host string) (netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return a, nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("no addresses for %s", host)
	}
	return addrs[0].Unmap(), nil
}

// DialContext opens a stream connection through the host stack, bound to
// the backing interface's address when one was configured.
func (o *OnboardModem) DialContext(ctx context.Context, network string, addr netip.AddrPort) (net.Conn, error) {
	d := net.Dialer{}
	o.mu.Lock()
	if o.cfg.BindInterface != "" && o.addr.IsValid() {
		d.LocalAddr = &net.TCPAddr{IP: o.addr.AsSlice()}
	}
	o.mu.Unlock()
	return d.DialContext(ctx, network, addr.String())
}

// ListenPacket opens a datagram socket through the host stack, bound to
// the backing interface's address when one was configured.
func (o *OnboardModem) ListenPacket(ctx context.Context) (net.PacketConn, error) {
	laddr := ":0"
	o.mu.Lock()
	if o.cfg.BindInterface != "" && o.addr.IsValid() {
		laddr = net.JoinHostPort(o.addr.String(), "0")
	}
	o.mu.Unlock()
	lc := net.ListenConfig{}
	return lc.ListenPacket(ctx, "udp", laddr)
}
