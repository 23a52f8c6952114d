package cellecho

import (
	"io"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockPort implements io.ReadWriteCloser as the serial side of the modem.
// Input is fed through a channel to simulate external bytes arriving.
type mockPort struct {
	readChan chan byte
	mu       sync.Mutex
	writes   []byte
	closed   bool
}

func newMockPort() *mockPort {
	return &mockPort{readChan: make(chan byte, 1024)}
}

func (m *mockPort) Read(p []byte) (int, error) {
	b, ok := <-m.readChan
	if !ok {
		return 0, io.EOF
	}
	p[0] = b
	return 1, nil
}

func (m *mockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	m.writes = append(m.writes, p...)
	return len(p), nil
}

func (m *mockPort) WriteInput(data []byte) {
	for _, b := range data {
		m.readChan <- b
	}
}

func (m *mockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.readChan)
	}
	return nil
}

func (m *mockPort) GetWrittenString() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.writes)
}

func (m *mockPort) ClearWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = nil
}

func waitOutput(t *testing.T, p *mockPort, want string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		out := p.GetWrittenString()
		if strings.Contains(out, want) {
			return out
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %q, output so far %q", want, p.GetWrittenString())
	return ""
}

// atCmd sends one AT command line and waits for want in the output.
func atCmd(t *testing.T, tty *mockPort, cmd, want string) string {
	t.Helper()
	tty.ClearWrites()
	tty.WriteInput([]byte(cmd + "\r"))
	return waitOutput(t, tty, want)
}

// echoPipe is an in-memory network leg that echoes whatever is written.
type echoPipe struct {
	ch   chan byte
	once sync.Once
}

func newEchoPipe() *echoPipe {
	return &echoPipe{ch: make(chan byte, 1024)}
}

func (e *echoPipe) Write(p []byte) (int, error) {
	for _, b := range p {
		e.ch <- b
	}
	return len(p), nil
}

func (e *echoPipe) Read(p []byte) (int, error) {
	b, ok := <-e.ch
	if !ok {
		return 0, io.EOF
	}
	p[0] = b
	return 1, nil
}

func (e *echoPipe) Close() error {
	e.once.Do(func() { close(e.ch) })
	return nil
}

func newTestSim(t *testing.T, cfg *SimConfig) (*SimModem, *mockPort) {
	t.Helper()
	tty := newMockPort()
	if cfg == nil {
		cfg = &SimConfig{}
	}
	cfg.TTY = tty
	if cfg.Id == "" {
		cfg.Id = "test-sim"
	}
	m, err := NewSimModem(cfg)
	if err != nil {
		t.Fatalf("NewSimModem() error = %v", err)
	}
	t.Cleanup(m.CloseSync)
	return m, tty
}

// bringUp walks the modem through the full bearer sequence the driver uses.
func bringUp(t *testing.T, tty *mockPort) {
	t.Helper()
	atCmd(t, tty, "ATE0", "OK")
	atCmd(t, tty, "AT+CMEE=1", "OK")
	atCmd(t, tty, "AT+CREG?", "+CREG: 0,1")
	atCmd(t, tty, "AT+CGATT=1", "OK")
	atCmd(t, tty, "AT+CIPMODE=1", "OK")
	atCmd(t, tty, `AT+CSTT="internet","",""`, "OK")
	atCmd(t, tty, "AT+CIICR", "OK")
}

func TestSimStatus_String(t *testing.T) {
	tests := []struct {
		status   SimStatus
		expected string
	}{
		{SimIdle, "Idle"},
		{SimDialing, "Dialing"},
		{SimOnline, "Online"},
		{SimOnlineCmd, "OnlineCmd"},
		{SimClosed, "Closed"},
		{SimStatus(99), "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.status.String(); got != tt.expected {
				t.Errorf("String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNewSimModem(t *testing.T) {
	if _, err := NewSimModem(nil); err != ErrConfigRequired {
		t.Errorf("NewSimModem(nil) error = %v, want ErrConfigRequired", err)
	}
	if _, err := NewSimModem(&SimConfig{Id: "no-tty"}); err != ErrConfigRequired {
		t.Errorf("NewSimModem(no TTY) error = %v, want ErrConfigRequired", err)
	}
	m, tty := newTestSim(t, &SimConfig{Id: "sim1"})
	if m.StatusSync() != SimIdle {
		t.Errorf("initial status = %v, want Idle", m.StatusSync())
	}
	if m.Id() != "sim1" {
		t.Errorf("Id() = %q, want sim1", m.Id())
	}
	atCmd(t, tty, "AT", "OK")
}

func TestSimModem_EchoToggle(t *testing.T) {
	_, tty := newTestSim(t, nil)

	out := atCmd(t, tty, "AT", "OK")
	if !strings.Contains(out, "AT") {
		t.Errorf("command not echoed with E1: %q", out)
	}

	atCmd(t, tty, "ATE0", "OK")
	out = atCmd(t, tty, "AT", "OK")
	if strings.Contains(strings.TrimSuffix(out, "\r\nOK\r\n"), "AT") {
		t.Errorf("command echoed with E0: %q", out)
	}
}

func TestSimModem_PINFlow(t *testing.T) {
	_, tty := newTestSim(t, &SimConfig{PIN: "1234"})
	atCmd(t, tty, "ATE0", "OK")
	atCmd(t, tty, "AT+CMEE=1", "OK")

	atCmd(t, tty, "AT+CPIN?", "+CPIN: SIM PIN")
	atCmd(t, tty, `AT+CPIN="0000"`, "+CME ERROR: 16")
	atCmd(t, tty, `AT+CPIN="1234"`, "OK")
	atCmd(t, tty, "AT+CPIN?", "+CPIN: READY")
}

func TestSimModem_PINErrorWithoutCMEE(t *testing.T) {
	_, tty := newTestSim(t, &SimConfig{PIN: "1234"})
	atCmd(t, tty, "ATE0", "OK")

	out := atCmd(t, tty, `AT+CPIN="0000"`, "ERROR")
	if strings.Contains(out, "+CME") {
		t.Errorf("extended error emitted with CMEE off: %q", out)
	}
}

func TestSimModem_RegistrationDelay(t *testing.T) {
	_, tty := newTestSim(t, &SimConfig{RegisterAfter: 2})
	atCmd(t, tty, "ATE0", "OK")

	atCmd(t, tty, "AT+CREG?", "+CREG: 0,2")
	atCmd(t, tty, "AT+CREG?", "+CREG: 0,2")
	atCmd(t, tty, "AT+CREG?", "+CREG: 0,1")
}

func TestSimModem_AttachRequiresRegistration(t *testing.T) {
	_, tty := newTestSim(t, &SimConfig{RegisterAfter: 5})
	atCmd(t, tty, "ATE0", "OK")
	atCmd(t, tty, "AT+CMEE=1", "OK")

	atCmd(t, tty, "AT+CGATT=1", "+CME ERROR: 3")
}

func TestSimModem_BringUp(t *testing.T) {
	_, tty := newTestSim(t, &SimConfig{LocalIP: netip.MustParseAddr("10.11.12.13")})
	bringUp(t, tty)
	atCmd(t, tty, "AT+CIFSR", "10.11.12.13")
	atCmd(t, tty, "AT+CGATT?", "+CGATT: 1")
	atCmd(t, tty, "AT+CSQ", "+CSQ:")
}

func TestSimModem_CIFSRRequiresContext(t *testing.T) {
	_, tty := newTestSim(t, nil)
	atCmd(t, tty, "ATE0", "OK")
	atCmd(t, tty, "AT+CIFSR", "ERROR")
}

func TestSimModem_DNS(t *testing.T) {
	_, tty := newTestSim(t, &SimConfig{
		Resolve: func(host string) (netip.Addr, error) {
			if host == "echo.test" {
				return netip.MustParseAddr("192.0.2.7"), nil
			}
			return netip.Addr{}, io.EOF
		},
	})
	bringUp(t, tty)

	atCmd(t, tty, `AT+CDNSGIP="echo.test"`, `+CDNSGIP: 1,"echo.test","192.0.2.7"`)
	out := atCmd(t, tty, `AT+CDNSGIP="nowhere.test"`, "ERROR")
	if !strings.Contains(out, "+CDNSGIP: 0") {
		t.Errorf("failed lookup missing +CDNSGIP: 0 notice: %q", out)
	}
}

func TestSimModem_Session(t *testing.T) {
	pipe := newEchoPipe()
	m, tty := newTestSim(t, &SimConfig{
		GuardTime:        1,
		DisablePreGuard:  true,
		DisablePostGuard: true,
		Dial: func(network, address string) (io.ReadWriteCloser, error) {
			if network != "tcp" || address != "192.0.2.7:7" {
				t.Errorf("dial %s %s, want tcp 192.0.2.7:7", network, address)
			}
			return pipe, nil
		},
	})
	bringUp(t, tty)

	atCmd(t, tty, `AT+CIPSTART="TCP","192.0.2.7",7`, "CONNECT")
	if m.StatusSync() != SimOnline {
		t.Fatalf("status = %v, want Online", m.StatusSync())
	}

	// transparent pass-through both directions
	tty.ClearWrites()
	tty.WriteInput([]byte("TEST"))
	waitOutput(t, tty, "TEST")

	// escape back to command mode, then hang up
	tty.ClearWrites()
	tty.WriteInput([]byte("+++"))
	waitOutput(t, tty, "OK")
	if m.StatusSync() != SimOnlineCmd {
		t.Fatalf("status = %v, want OnlineCmd", m.StatusSync())
	}
	atCmd(t, tty, "ATH", "NO CARRIER")
	if m.StatusSync() != SimIdle {
		t.Fatalf("status = %v, want Idle", m.StatusSync())
	}

	metrics := m.MetricsSync()
	if metrics.NumSessions != 1 {
		t.Errorf("NumSessions = %d, want 1", metrics.NumSessions)
	}
	if metrics.ConnTxBytes < 4 {
		t.Errorf("ConnTxBytes = %d, want at least 4", metrics.ConnTxBytes)
	}
	if metrics.ConnRxBytes < 4 {
		t.Errorf("ConnRxBytes = %d, want at least 4", metrics.ConnRxBytes)
	}
}

func TestSimModem_SessionDialFailure(t *testing.T) {
	m, tty := newTestSim(t, &SimConfig{
		Dial: func(network, address string) (io.ReadWriteCloser, error) {
			return nil, ErrNoCarrier
		},
	})
	bringUp(t, tty)

	atCmd(t, tty, `AT+CIPSTART="TCP","192.0.2.7",7`, "NO CARRIER")
	if m.StatusSync() != SimIdle {
		t.Errorf("status = %v, want Idle after failed dial", m.StatusSync())
	}
}

func TestSimModem_CIPSTARTRequiresContext(t *testing.T) {
	_, tty := newTestSim(t, &SimConfig{
		Dial: func(network, address string) (io.ReadWriteCloser, error) {
			return newEchoPipe(), nil
		},
	})
	atCmd(t, tty, "ATE0", "OK")
	// no attach, no context, no transparent mode yet
	atCmd(t, tty, `AT+CIPSTART="TCP","192.0.2.7",7`, "ERROR")
}

func TestSimModem_CIPSHUT(t *testing.T) {
	pipe := newEchoPipe()
	m, tty := newTestSim(t, &SimConfig{
		GuardTime:        1,
		DisablePreGuard:  true,
		DisablePostGuard: true,
		Dial: func(network, address string) (io.ReadWriteCloser, error) {
			return pipe, nil
		},
	})
	bringUp(t, tty)
	atCmd(t, tty, `AT+CIPSTART="TCP","192.0.2.7",7`, "CONNECT")

	tty.ClearWrites()
	tty.WriteInput([]byte("+++"))
	waitOutput(t, tty, "OK")
	atCmd(t, tty, "AT+CIPSHUT", "NO CARRIER")
	if m.StatusSync() != SimIdle {
		t.Errorf("status = %v, want Idle after CIPSHUT", m.StatusSync())
	}
	// context gone, sessions refused until CIICR again
	atCmd(t, tty, `AT+CIPSTART="TCP","192.0.2.7",7`, "ERROR")
}
