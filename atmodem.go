package cellecho

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/warthog618/modem/trace"
	"go.bug.st/serial"
)

// CME error codes the driver cares about.
const (
	cmeOperationNotAllowed = 3
	cmeSIMPUKRequired      = 12
	cmeIncorrectPassword   = 16
)

// ATModem is the interface variant for an external cellular modem on a
// serial port. The IP stack lives inside the modem: sessions are started
// with AT+CIPSTART and carried in transparent data mode, hostname lookups
// go through AT+CDNSGIP. One session at a time.
type ATModem struct {
	mu        sync.Mutex
	cfg       ATConfig
	log       *slog.Logger
	port      io.ReadWriteCloser
	rw        io.ReadWriter
	connected bool
	ip        netip.Addr
	closed    bool
	readErr   error

	cmdMu  sync.Mutex // serializes AT commands
	lineCh chan string
	dataCh chan []byte

	dataMu      sync.Mutex
	dataMode    bool
	wantConnect bool
}

// ATConfig contains the configuration for an ATModem.
type ATConfig struct {
	// Device is the serial device path (required unless Port is set)
	Device string
	// Baud is the serial baud rate (default: 115200)
	Baud int
	// Port overrides Device/Baud with an already open byte stream.
	// Used by tests and alternate transports.
	Port io.ReadWriteCloser
	// PIN is the SIM PIN (default: unset)
	PIN string
	// APN, Username and Password are the bearer credentials (default: empty)
	APN      string
	Username string
	Password string
	// ModemTrace enables byte-level tracing of modem I/O
	ModemTrace bool
	// TraceWriter is the sink for modem tracing (default: stderr)
	TraceWriter io.Writer
	// Logger receives verbose trace records (default: discard)
	Logger *slog.Logger
	// CommandTimeout bounds the wait for a final result code (default: 5s)
	CommandTimeout time.Duration
	// RegisterAttempts is the number of +CREG? polls before giving up
	// (default: 10)
	RegisterAttempts int
	// RegisterPoll is the delay between +CREG? polls (default: 500ms)
	RegisterPoll time.Duration
	// GuardTime is the silence honored around the +++ escape (default: 1.1s)
	GuardTime time.Duration
}

// NewATModem opens the modem port and starts the port reader.
// Returns ErrConfigRequired if config is nil or names no port.
func NewATModem(config *ATConfig) (*ATModem, error) {
	if config == nil {
		return nil, ErrConfigRequired
	}
	cfg := *config
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	if cfg.RegisterAttempts == 0 {
		cfg.RegisterAttempts = 10
	}
	if cfg.RegisterPoll == 0 {
		cfg.RegisterPoll = 500 * time.Millisecond
	}
	if cfg.GuardTime == 0 {
		cfg.GuardTime = 1100 * time.Millisecond
	}
	m := &ATModem{
		cfg:    cfg,
		log:    cfg.Logger,
		lineCh: make(chan string, 32),
		dataCh: make(chan []byte, 64),
	}
	if m.log == nil {
		m.log = discardLogger()
	}
	if cfg.Port != nil {
		m.port = cfg.Port
	} else {
		if cfg.Device == "" {
			return nil, ErrConfigRequired
		}
		p, err := serial.Open(cfg.Device, &serial.Mode{BaudRate: cfg.Baud})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
		}
		m.port = p
	}
	m.rw = m.port
	if cfg.ModemTrace {
		w := cfg.TraceWriter
		if w == nil {
			w = os.Stderr
		}
		m.rw = trace.New(m.port, trace.WithLogger(log.New(w, "modem ", log.LstdFlags)))
	}
	go m.readTask()
	return m, nil
}

// Close closes the modem port. The reader terminates on the resulting
// read error.
func (m *ATModem) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.port.Close()
}

// readTask owns all reads from the port. In command mode it assembles
// result and info lines; in transparent data mode it forwards raw bytes to
// the session reader.
func (m *ATModem) readTask() {
	buf := make([]byte, 256)
	var line []byte
	skipLF := false
	for {
		n, err := m.rw.Read(buf)
		if n > 0 {
			rest := buf[:n]
			for len(rest) > 0 {
				if skipLF {
					skipLF = false
					if rest[0] == '\n' {
						rest = rest[1:]
						continue
					}
				}
				if m.inDataMode() {
					b := make([]byte, len(rest))
					copy(b, rest)
					m.dataCh <- b
					rest = nil
					break
				}
				c := rest[0]
				rest = rest[1:]
				if c == '\r' || c == '\n' {
					if len(line) > 0 {
						m.deliverLine(string(line))
						line = line[:0]
						// the LF of CONNECT's CRLF pair is still framing,
						// not session data
						if c == '\r' && m.inDataMode() {
							skipLF = true
						}
					}
					continue
				}
				line = append(line, c)
			}
		}
		if err != nil {
			m.mu.Lock()
			m.closed = true
			m.readErr = err
			m.mu.Unlock()
			close(m.lineCh)
			close(m.dataCh)
			return
		}
	}
}

func (m *ATModem) deliverLine(s string) {
	if strings.HasPrefix(s, "CONNECT") && m.takeWantConnect() {
		// transparent mode starts right after the CONNECT line
		m.setDataMode(true)
	}
	select {
	case m.lineCh <- s:
	default:
		// nobody waiting and the buffer is full, drop the unsolicited line
	}
}

func (m *ATModem) inDataMode() bool {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	return m.dataMode
}

func (m *ATModem) setDataMode(on bool) {
	m.dataMu.Lock()
	m.dataMode = on
	m.dataMu.Unlock()
}

func (m *ATModem) setWantConnect(on bool) {
	m.dataMu.Lock()
	m.wantConnect = on
	m.dataMu.Unlock()
}

func (m *ATModem) takeWantConnect() bool {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	if !m.wantConnect {
		return false
	}
	m.wantConnect = false
	return true
}

func (m *ATModem) write(b []byte) error {
	_, err := m.rw.Write(b)
	return err
}

func (m *ATModem) readError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return fmt.Errorf("%w: %v", ErrModemClosed, m.readErr)
	}
	return ErrModemClosed
}

// command sends one AT command and collects info lines until a final
// result code arrives. The leading "AT" is added here.
func (m *ATModem) command(ctx context.Context, cmd string) ([]string, error) {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	full := "AT" + cmd
	if err := m.write([]byte(full + "\r")); err != nil {
		return nil, err
	}
	timer := time.NewTimer(m.cfg.CommandTimeout)
	defer timer.Stop()
	var info []string
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%s: command timeout", full)
		case s, ok := <-m.lineCh:
			if !ok {
				return nil, m.readError()
			}
			switch {
			case s == full:
				// command echo, seen until ATE0 takes effect
			case s == "OK":
				return info, nil
			case strings.HasPrefix(s, "CONNECT"):
				return info, nil
			case s == "ERROR":
				return info, fmt.Errorf("%s: command failed", full)
			case strings.HasPrefix(s, "+CME ERROR:"):
				return info, cmeToErr(full, s)
			case s == "NO CARRIER" || s == "BUSY" || s == "NO DIALTONE" || s == "NO ANSWER":
				return info, fmt.Errorf("%s: %w", full, ErrNoCarrier)
			default:
				info = append(info, s)
			}
		}
	}
}

func cmeToErr(cmd, line string) error {
	f := strings.TrimSpace(strings.TrimPrefix(line, "+CME ERROR:"))
	code, err := strconv.Atoi(f)
	if err != nil {
		return fmt.Errorf("%s: %s", cmd, line)
	}
	switch code {
	case cmeIncorrectPassword, cmeSIMPUKRequired:
		return fmt.Errorf("%s: %w (+CME ERROR: %d)", cmd, ErrAuthFailure, code)
	}
	return fmt.Errorf("%s: +CME ERROR: %d", cmd, code)
}

// Connect brings the bearer up: sync, SIM unlock, network registration,
// packet attach, transparent mode, context activation and address query.
// Authentication problems map to ErrAuthFailure, registration and
// activation problems to the retryable sentinels.
func (m *ATModem) Connect() error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	ctx := context.Background()

	if _, err := m.command(ctx, ""); err != nil {
		return err
	}
	if _, err := m.command(ctx, "E0"); err != nil {
		return err
	}
	if _, err := m.command(ctx, "+CMEE=1"); err != nil {
		return err
	}
	if err := m.unlockSIM(ctx); err != nil {
		return err
	}
	if err := m.waitRegistered(ctx); err != nil {
		return err
	}
	if _, err := m.command(ctx, "+CGATT=1"); err != nil {
		if errors.Is(err, ErrAuthFailure) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrNotAttached, err)
	}
	if _, err := m.command(ctx, "+CIPMODE=1"); err != nil {
		return err
	}
	cstt := fmt.Sprintf("+CSTT=%q,%q,%q", m.cfg.APN, m.cfg.Username, m.cfg.Password)
	if _, err := m.command(ctx, cstt); err != nil {
		return err
	}
	if _, err := m.command(ctx, "+CIICR"); err != nil {
		if errors.Is(err, ErrAuthFailure) {
			return err
		}
		return fmt.Errorf("%w: context activation: %v", ErrNoCarrier, err)
	}
	info, err := m.command(ctx, "+CIFSR")
	if err != nil {
		return err
	}
	addr, err := parseCIFSR(info)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.connected = true
	m.ip = addr
	m.mu.Unlock()
	m.log.Debug("pdp context up", "ip", addr.String())
	m.querySignal(ctx)
	return nil
}

func (m *ATModem) unlockSIM(ctx context.Context) error {
	info, err := m.command(ctx, "+CPIN?")
	if err != nil {
		return err
	}
	state := ""
	for _, s := range info {
		if strings.HasPrefix(s, "+CPIN:") {
			state = strings.TrimSpace(strings.TrimPrefix(s, "+CPIN:"))
		}
	}
	switch state {
	case "READY":
		return nil
	case "SIM PIN":
		if m.cfg.PIN == "" {
			return fmt.Errorf("%w: SIM PIN required", ErrAuthFailure)
		}
		if _, err := m.command(ctx, fmt.Sprintf("+CPIN=%q", m.cfg.PIN)); err != nil {
			return err
		}
		return nil
	case "SIM PUK":
		return fmt.Errorf("%w: SIM PUK required", ErrAuthFailure)
	default:
		return fmt.Errorf("unexpected SIM state %q", state)
	}
}

func (m *ATModem) waitRegistered(ctx context.Context) error {
	for i := 0; i < m.cfg.RegisterAttempts; i++ {
		info, err := m.command(ctx, "+CREG?")
		if err != nil {
			return err
		}
		switch parseCREG(info) {
		case 1, 5: // registered home / roaming
			return nil
		case 3:
			return fmt.Errorf("%w: registration denied", ErrAuthFailure)
		}
		time.Sleep(m.cfg.RegisterPoll)
	}
	return ErrNotRegistered
}

func parseCREG(info []string) int {
	for _, s := range info {
		if !strings.HasPrefix(s, "+CREG:") {
			continue
		}
		parts := strings.Split(strings.TrimPrefix(s, "+CREG:"), ",")
		if len(parts) < 2 {
			continue
		}
		stat, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			continue
		}
		return stat
	}
	return -1
}

func parseCIFSR(info []string) (netip.Addr, error) {
	for _, s := range info {
		if a, err := netip.ParseAddr(strings.TrimSpace(s)); err == nil {
			return a, nil
		}
	}
	return netip.Addr{}, errors.New("no local address in +CIFSR reply")
}

func (m *ATModem) querySignal(ctx context.Context) {
	info, err := m.command(ctx, "+CSQ")
	if err != nil {
		return
	}
	for _, s := range info {
		if strings.HasPrefix(s, "+CSQ:") {
			m.log.Debug("signal quality", "csq", strings.TrimSpace(strings.TrimPrefix(s, "+CSQ:")))
		}
	}
}

// Disconnect tears the bearer down: escape any live session, deactivate
// the PDP context and detach from the packet service.
func (m *ATModem) Disconnect() error {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()
	if !connected {
		return nil
	}
	ctx := context.Background()
	if m.inDataMode() {
		_ = m.endSession()
	}
	if _, err := m.command(ctx, "+CIPSHUT"); err != nil {
		return err
	}
	_, _ = m.command(ctx, "+CGATT=0")
	m.mu.Lock()
	m.connected = false
	m.ip = netip.Addr{}
	m.mu.Unlock()
	return nil
}

// IsConnected reports whether the PDP context is up.
func (m *ATModem) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// IPAddress returns the address reported by +CIFSR, zero when disconnected.
func (m *ATModem) IPAddress() netip.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ip
}

// LookupHost resolves host through the modem's DNS (+CDNSGIP).
func (m *ATModem) LookupHost(ctx context.Context, host string) (netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return a, nil
	}
	info, err := m.command(ctx, fmt.Sprintf("+CDNSGIP=%q", host))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, s := range info {
		if !strings.HasPrefix(s, "+CDNSGIP:") {
			continue
		}
		parts := strings.Split(strings.TrimPrefix(s, "+CDNSGIP:"), ",")
		if len(parts) >= 3 && strings.TrimSpace(parts[0]) == "1" {
			ip := strings.Trim(strings.TrimSpace(parts[2]), `"`)
			return netip.ParseAddr(ip)
		}
	}
	return netip.Addr{}, fmt.Errorf("resolve %s: no address", host)
}

// startSession opens a transparent-mode session to the remote endpoint.
func (m *ATModem) startSession(ctx context.Context, proto string, ep netip.AddrPort) error {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()
	if !connected {
		return fmt.Errorf("%w: interface not connected", ErrNoCarrier)
	}
	// drop stale bytes from a previous session
	for {
		select {
		case _, ok := <-m.dataCh:
			if !ok {
				return m.readError()
			}
			continue
		default:
		}
		break
	}
	m.setWantConnect(true)
	defer m.setWantConnect(false)
	cmd := fmt.Sprintf("+CIPSTART=%q,%q,%d", proto, ep.Addr().String(), ep.Port())
	if _, err := m.command(ctx, cmd); err != nil {
		return fmt.Errorf("session start: %w", err)
	}
	if !m.inDataMode() {
		return errors.New("session start: no CONNECT")
	}
	return nil
}

// endSession escapes transparent mode with the +++ guard sequence and
// hangs the session up. It holds the command mutex so its OK and
// NO CARRIER results cannot be consumed by a concurrent command; the
// data-mode check is repeated under the lock so overlapping teardowns
// escape once.
func (m *ATModem) endSession() error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	if !m.inDataMode() {
		return nil
	}
	time.Sleep(m.cfg.GuardTime)
	if err := m.write([]byte("+++")); err != nil {
		return err
	}
	m.setDataMode(false)
	deadline := time.Now().Add(m.cfg.CommandTimeout + 2*m.cfg.GuardTime)
	if err := m.waitLine("OK", deadline); err != nil {
		return err
	}
	if err := m.write([]byte("ATH\r")); err != nil {
		return err
	}
	return m.waitLine("NO CARRIER", deadline)
}

func (m *ATModem) waitLine(want string, deadline time.Time) error {
	for {
		d := time.Until(deadline)
		if d <= 0 {
			return fmt.Errorf("timeout waiting for %s", want)
		}
		select {
		case s, ok := <-m.lineCh:
			if !ok {
				return m.readError()
			}
			if s == want {
				return nil
			}
		case <-time.After(d):
			return fmt.Errorf("timeout waiting for %s", want)
		}
	}
}

// DialContext starts a stream session through the modem and returns a
// net.Conn carried over transparent mode.
func (m *ATModem) DialContext(ctx context.Context, network string, addr netip.AddrPort) (net.Conn, error) {
	var proto string
	switch network {
	case "tcp", "tcp4":
		proto = "TCP"
	case "udp", "udp4":
		proto = "UDP"
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	if err := m.startSession(ctx, proto, addr); err != nil {
		return nil, err
	}
	return &atConn{m: m, remote: addr}, nil
}

// ListenPacket returns a packet socket carried over the modem. The session
// to the remote endpoint is started lazily by the first WriteTo, matching
// the modem's one-remote-per-socket transparent mode.
func (m *ATModem) ListenPacket(ctx context.Context) (net.PacketConn, error) {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()
	if !connected {
		return nil, fmt.Errorf("%w: interface not connected", ErrNoCarrier)
	}
	return &atPacketConn{m: m, ctx: ctx}, nil
}

// atConn is a net.Conn carried over the modem's transparent data mode.
// It is owned by a single transaction goroutine.
type atConn struct {
	m            *ATModem
	remote       netip.AddrPort
	buf          []byte
	readDeadline time.Time
	closed       bool
}

func (c *atConn) Read(p []byte) (int, error) {
	if len(c.buf) > 0 {
		n := copy(p, c.buf)
		c.buf = c.buf[n:]
		return n, nil
	}
	var timeout <-chan time.Time
	if !c.readDeadline.IsZero() {
		d := time.Until(c.readDeadline)
		if d <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case b, ok := <-c.m.dataCh:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, b)
		c.buf = b[n:]
		return n, nil
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

func (c *atConn) Write(p []byte) (int, error) {
	if !c.m.inDataMode() {
		return 0, io.ErrClosedPipe
	}
	if err := c.m.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *atConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.m.endSession()
}

func (c *atConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: c.m.IPAddress().AsSlice()}
}

func (c *atConn) RemoteAddr() net.Addr {
	return net.TCPAddrFromAddrPort(c.remote)
}

func (c *atConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *atConn) SetReadDeadline(t time.Time) error {
	c.readDeadline = t
	return nil
}

func (c *atConn) SetWriteDeadline(t time.Time) error {
	// writes complete against the modem buffer, no deadline to honor
	return nil
}

// atPacketConn adapts a transparent-mode session to net.PacketConn.
type atPacketConn struct {
	m            *ATModem
	ctx          context.Context
	conn         *atConn
	readDeadline time.Time
}

func (c *atPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if c.conn == nil {
		ua, ok := addr.(*net.UDPAddr)
		if !ok {
			return 0, fmt.Errorf("unsupported address type %T", addr)
		}
		ap := ua.AddrPort()
		if err := c.m.startSession(c.ctx, "UDP", ap); err != nil {
			return 0, err
		}
		c.conn = &atConn{m: c.m, remote: ap, readDeadline: c.readDeadline}
	}
	return c.conn.Write(p)
}

func (c *atPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	if c.conn == nil {
		return 0, nil, errors.New("no session, nothing sent yet")
	}
	n, err := c.conn.Read(p)
	return n, net.UDPAddrFromAddrPort(c.conn.remote), err
}

func (c *atPacketConn) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *atPacketConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: c.m.IPAddress().AsSlice()}
}

func (c *atPacketConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *atPacketConn) SetReadDeadline(t time.Time) error {
	c.readDeadline = t
	if c.conn != nil {
		return c.conn.SetReadDeadline(t)
	}
	return nil
}

func (c *atPacketConn) SetWriteDeadline(t time.Time) error {
	return nil
}
