package cellecho

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"
)

// newDriverSim wires an ATModem to a SimModem over an in-memory pipe, the
// same shape as the serial link on real hardware.
func newDriverSim(t *testing.T, simCfg *SimConfig, atCfg *ATConfig) (*ATModem, *SimModem) {
	t.Helper()
	driverSide, simSide := net.Pipe()

	if simCfg == nil {
		simCfg = &SimConfig{}
	}
	simCfg.TTY = simSide
	if simCfg.Id == "" {
		simCfg.Id = "sim"
	}
	if simCfg.GuardTime == 0 {
		simCfg.GuardTime = 1 // 50ms, keeps escape tests fast
	}
	sim, err := NewSimModem(simCfg)
	if err != nil {
		t.Fatalf("NewSimModem() error = %v", err)
	}
	t.Cleanup(sim.CloseSync)

	if atCfg == nil {
		atCfg = &ATConfig{}
	}
	atCfg.Port = driverSide
	if atCfg.CommandTimeout == 0 {
		atCfg.CommandTimeout = 2 * time.Second
	}
	if atCfg.RegisterPoll == 0 {
		atCfg.RegisterPoll = 10 * time.Millisecond
	}
	if atCfg.GuardTime == 0 {
		atCfg.GuardTime = 80 * time.Millisecond
	}
	m, err := NewATModem(atCfg)
	if err != nil {
		t.Fatalf("NewATModem() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, sim
}

func netDial(network, address string) (io.ReadWriteCloser, error) {
	return net.Dial(network, address)
}

func TestNewATModem(t *testing.T) {
	if _, err := NewATModem(nil); !errors.Is(err, ErrConfigRequired) {
		t.Errorf("NewATModem(nil) error = %v, want ErrConfigRequired", err)
	}
	if _, err := NewATModem(&ATConfig{}); !errors.Is(err, ErrConfigRequired) {
		t.Errorf("NewATModem(no port) error = %v, want ErrConfigRequired", err)
	}
}

func TestATModem_ConnectSuccess(t *testing.T) {
	m, _ := newDriverSim(t,
		&SimConfig{PIN: "1234", RegisterAfter: 1, LocalIP: netip.MustParseAddr("10.64.64.64")},
		&ATConfig{PIN: "1234", APN: "internet"})

	if err := m.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !m.IsConnected() {
		t.Error("IsConnected() = false after successful connect")
	}
	if got := m.IPAddress(); got != netip.MustParseAddr("10.64.64.64") {
		t.Errorf("IPAddress() = %v, want 10.64.64.64", got)
	}
	// second connect is a no-op
	if err := m.Connect(); err != nil {
		t.Fatalf("repeat Connect() error = %v", err)
	}
}

func TestATModem_WrongPIN(t *testing.T) {
	m, _ := newDriverSim(t,
		&SimConfig{PIN: "1234"},
		&ATConfig{PIN: "0000"})

	err := m.Connect()
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("Connect() error = %v, want ErrAuthFailure", err)
	}
	if m.IsConnected() {
		t.Error("IsConnected() = true after auth failure")
	}
}

func TestATModem_PINRequired(t *testing.T) {
	m, _ := newDriverSim(t, &SimConfig{PIN: "1234"}, &ATConfig{})

	if err := m.Connect(); !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("Connect() error = %v, want ErrAuthFailure", err)
	}
}

func TestATModem_NotRegistered(t *testing.T) {
	m, _ := newDriverSim(t,
		&SimConfig{RegisterAfter: 1000},
		&ATConfig{RegisterAttempts: 3})

	err := m.Connect()
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("Connect() error = %v, want ErrNotRegistered", err)
	}
	if errors.Is(err, ErrAuthFailure) {
		t.Error("registration timeout must stay retryable")
	}
}

func TestATModem_LookupHost(t *testing.T) {
	m, _ := newDriverSim(t,
		&SimConfig{Resolve: func(host string) (netip.Addr, error) {
			if host == "echo.test" {
				return netip.MustParseAddr("192.0.2.7"), nil
			}
			return netip.Addr{}, errors.New("NXDOMAIN")
		}},
		nil)

	if err := m.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	addr, err := m.LookupHost(context.Background(), "echo.test")
	if err != nil {
		t.Fatalf("LookupHost() error = %v", err)
	}
	if addr != netip.MustParseAddr("192.0.2.7") {
		t.Errorf("LookupHost() = %v, want 192.0.2.7", addr)
	}
	if _, err := m.LookupHost(context.Background(), "nowhere.test"); err == nil {
		t.Error("LookupHost(nowhere.test) error = nil, want failure")
	}
}

func TestATModem_SessionRoundTripTCP(t *testing.T) {
	ep := startTCPEcho(t)
	m, _ := newDriverSim(t, &SimConfig{Dial: netDial}, nil)

	if err := m.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn, err := m.DialContext(context.Background(), "tcp", ep)
	if err != nil {
		t.Fatalf("DialContext() error = %v", err)
	}
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("TEST")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	buf := make([]byte, 4)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if n == 0 {
		t.Fatal("Read() returned no data")
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// after the escape the modem answers commands again
	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if m.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
}

func TestATModem_DialAfterPortDeath(t *testing.T) {
	m, _ := newDriverSim(t, &SimConfig{Dial: netDial}, nil)

	if err := m.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// wait for the port reader to observe the dead link
	deadline := time.Now().Add(2 * time.Second)
	for {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("port reader did not observe the closed port")
		}
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.DialContext(context.Background(), "tcp", netip.MustParseAddrPort("192.0.2.7:7"))
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrModemClosed) {
			t.Fatalf("DialContext() error = %v, want ErrModemClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("DialContext() did not return after port death")
	}
}

func TestATModem_ConcurrentTeardown(t *testing.T) {
	ep := startTCPEcho(t)
	m, _ := newDriverSim(t, &SimConfig{Dial: netDial}, nil)

	if err := m.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn, err := m.DialContext(context.Background(), "tcp", ep)
	if err != nil {
		t.Fatalf("DialContext() error = %v", err)
	}

	// both paths escape the session; the command mutex serializes them so
	// exactly one runs the +++ sequence and neither steals the other's
	// result lines
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- conn.Close()
	}()
	go func() {
		defer wg.Done()
		errs <- m.Disconnect()
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("teardown error = %v", err)
		}
	}
	if m.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
}

// Full in-process pass: Session -> ATModem -> SimModem -> local echo server.
func TestATModem_EndToEndSession(t *testing.T) {
	transports := []struct {
		name      string
		transport Transport
		start     func(*testing.T) netip.AddrPort
	}{
		{"TCP", TransportTCP, startTCPEcho},
		{"UDP", TransportUDP, startUDPEcho},
	}
	for _, tc := range transports {
		t.Run(tc.name, func(t *testing.T) {
			ep := tc.start(t)
			m, _ := newDriverSim(t,
				&SimConfig{
					PIN:           "1234",
					RegisterAfter: 1,
					Dial:          netDial,
					Resolve: func(host string) (netip.Addr, error) {
						if host == "echo.test" {
							return ep.Addr(), nil
						}
						return netip.Addr{}, errors.New("NXDOMAIN")
					},
				},
				&ATConfig{PIN: "1234", APN: "internet"})

			var out bytes.Buffer
			s, err := NewSession(&SessionConfig{
				Interface:   m,
				Reporter:    NewReporter(&out),
				Transport:   tc.transport,
				EchoHost:    "echo.test",
				EchoPort:    ep.Port(),
				RecvTimeout: 2 * time.Second,
			})
			if err != nil {
				t.Fatalf("NewSession() error = %v", err)
			}

			if err := s.Run(context.Background()); err != nil {
				t.Fatalf("Run() error = %v\noutput:\n%s", err, out.String())
			}
			got := out.String()
			if !strings.Contains(got, "Connection Established.") {
				t.Errorf("output missing established notice:\n%s", got)
			}
			if !strings.Contains(got, "Received from echo server") {
				t.Errorf("output missing receive notice:\n%s", got)
			}
			if !strings.Contains(got, "Success. Exiting") {
				t.Errorf("output missing success verdict:\n%s", got)
			}
		})
	}
}
