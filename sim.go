package cellecho

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrInvalidStateTransition is raised when the simulator state machine is
// driven through a transition it does not allow.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// SimStatus represents the current operational state of the simulated modem.
type SimStatus int

const (
	// SimIdle is the command-mode state with no data session
	SimIdle SimStatus = iota
	// SimDialing is the state while a +CIPSTART session is being established
	SimDialing
	// SimOnline is the transparent data mode state
	SimOnline
	// SimOnlineCmd is command mode during an active session (after +++)
	SimOnlineCmd
	// SimClosed is the terminal state
	SimClosed
)

// String returns a human-readable representation of the status.
func (s SimStatus) String() string {
	switch s {
	case SimIdle:
		return "Idle"
	case SimDialing:
		return "Dialing"
	case SimOnline:
		return "Online"
	case SimOnlineCmd:
		return "OnlineCmd"
	case SimClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ResultCode is the final result of an AT command.
type ResultCode int

const (
	// ResultOK indicates successful command execution
	ResultOK ResultCode = iota
	// ResultError indicates command execution failed
	ResultError
	// ResultSilent indicates no final result should be printed
	ResultSilent
	// ResultConnect indicates a data session was established
	ResultConnect
	// ResultNoCarrier indicates the session ended or could not be established
	ResultNoCarrier
	// ResultNoDialtone indicates no network service
	ResultNoDialtone
	// ResultBusy indicates the remote endpoint is busy
	ResultBusy
	// ResultNoAnswer indicates the remote endpoint did not answer
	ResultNoAnswer
)

// SimDialFunc opens the network leg of a transparent-mode session.
// network is "tcp" or "udp", address a joined ip:port.
type SimDialFunc func(network, address string) (io.ReadWriteCloser, error)

// SimResolveFunc resolves a hostname for +CDNSGIP.
type SimResolveFunc func(host string) (netip.Addr, error)

// SimModem simulates a cellular AT modem with an internal IP stack: SIM
// lock, network registration, packet attach, PDP context, modem-side DNS
// and CIPSTART transparent-mode sessions bridged to real connections via
// an injectable dialer. It stands in for modem hardware in tests and on
// workstations.
//
// The simulator is thread-safe. Most methods require the caller to hold
// the modem lock, with Sync variants that acquire and release it.
type SimModem struct {
	sync.Mutex
	st          SimStatus
	stCtx       context.Context
	stCtxCancel context.CancelFunc
	id          string
	tty         io.ReadWriteCloser
	conn        io.ReadWriteCloser
	dial        SimDialFunc
	resolve     SimResolveFunc
	connectStr  string

	echo      bool
	shortForm bool
	quietMode bool
	cmee      bool
	sregs     map[byte]byte

	pin      string
	pinOK    bool
	regDelay int
	regPolls int
	attached bool
	ipMode   bool
	apn      string
	user     string
	password string
	pdpUp    bool
	localIP  netip.Addr

	disablePreGuard  bool
	disablePostGuard bool
	metrics          *SimMetrics
}

// SimConfig contains the configuration for creating a simulated modem.
// TTY is required, everything else has defaults.
type SimConfig struct {
	// Id is an identifier for the modem instance
	Id string
	// TTY is the serial side of the modem (required)
	TTY io.ReadWriteCloser
	// Dial opens the network leg of a session (default: sessions fail)
	Dial SimDialFunc
	// Resolve backs +CDNSGIP (default: resolution fails)
	Resolve SimResolveFunc
	// PIN is the SIM PIN the modem expects; empty disables the lock
	PIN string
	// RegisterAfter is the number of +CREG? polls answered "searching"
	// before the modem reports registered (default: 0)
	RegisterAfter int
	// LocalIP is the address reported by +CIFSR (default: 10.0.0.2)
	LocalIP netip.Addr
	// ConnectStr is the string printed when a session is established
	// (default: "CONNECT")
	ConnectStr string
	// GuardTime is the +++ guard time in 50ms increments (default: 20)
	GuardTime int
	// DisablePreGuard disables the pre-guard silence check
	DisablePreGuard bool
	// DisablePostGuard disables the post-guard silence check
	DisablePostGuard bool
}

// SimMetrics contains runtime counters for a simulated modem.
// Byte counters are cumulative totals since the modem was created.
type SimMetrics struct {
	// Status is the current operational status
	Status SimStatus
	// TtyTxBytes is the total written to the TTY
	TtyTxBytes int
	// TtyRxBytes is the total read from the TTY
	TtyRxBytes int
	// ConnTxBytes is the total forwarded to network sessions
	ConnTxBytes int
	// ConnRxBytes is the total received from network sessions
	ConnRxBytes int
	// NumSessions is the number of data sessions established
	NumSessions int
	// LastTtyTxTime is the timestamp of the last TTY write
	LastTtyTxTime time.Time
	// LastTtyRxTime is the timestamp of the last TTY read
	LastTtyRxTime time.Time
	// LastAtCmdTime is the timestamp of the last AT command processed
	LastAtCmdTime time.Time
	// LastConnTime is the timestamp of the last session establishment
	LastConnTime time.Time
}

func checkValidCmdChar(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

func checkValidNumChar(b byte) bool {
	return b >= '0' && b <= '9'
}

func (m *SimModem) checkLock() {
	if m.TryLock() {
		panic("SimModem lock not held")
	}
}

func (m *SimModem) ttyWrite(b []byte) {
	m.metrics.LastTtyTxTime = time.Now()
	n, err := m.tty.Write(b)
	if err != nil || n == 0 {
		m.setStatus(SimClosed)
		return
	}
	m.metrics.TtyTxBytes += n
}

func (m *SimModem) ttyWriteStr(s string) {
	m.ttyWrite([]byte(s))
}

// Id returns the identifier of the modem instance.
func (m *SimModem) Id() string {
	return m.id
}

func (m *SimModem) cr() string {
	if m.shortForm {
		return "\r"
	}
	return "\r\n"
}

func (m *SimModem) writeInfo(s string) {
	m.ttyWriteStr(m.cr() + s + "\r\n")
}

func (m *SimModem) printResult(ret ResultCode) {
	retStr := ""
	if m.shortForm {
		switch ret {
		case ResultSilent:
			return
		case ResultOK:
			retStr = "0"
		case ResultError:
			retStr = "4"
		case ResultConnect:
			retStr = "1"
		case ResultNoCarrier:
			retStr = "3"
		case ResultNoDialtone:
			retStr = "6"
		case ResultBusy:
			retStr = "7"
		case ResultNoAnswer:
			retStr = "8"
		}
	} else {
		switch ret {
		case ResultSilent:
			return
		case ResultOK:
			retStr = "OK"
		case ResultError:
			retStr = "ERROR"
		case ResultConnect:
			retStr = m.connectStr
		case ResultNoCarrier:
			retStr = "NO CARRIER"
		case ResultNoDialtone:
			retStr = "NO DIALTONE"
		case ResultBusy:
			retStr = "BUSY"
		case ResultNoAnswer:
			retStr = "NO ANSWER"
		}
	}
	if !m.quietMode {
		// Write directly to the TTY without error handling to avoid recursion during state transitions
		_, _ = m.tty.Write([]byte(m.cr() + retStr + m.cr()))
	}
}

// cmeResult emits the extended error when +CMEE is enabled, plain ERROR
// otherwise.
func (m *SimModem) cmeResult(code int) ResultCode {
	if !m.cmee {
		return ResultError
	}
	if !m.quietMode {
		_, _ = m.tty.Write([]byte(m.cr() + fmt.Sprintf("+CME ERROR: %d", code) + m.cr()))
	}
	return ResultSilent
}

func (m *SimModem) setStatus(status SimStatus) {
	prevStatus := m.st
	if prevStatus == status {
		return
	}
	if prevStatus == SimClosed {
		panic(ErrInvalidStateTransition)
	}
	m.stCtxCancel()
	m.stCtx, m.stCtxCancel = context.WithCancel(context.Background())
	m.st = status
	switch m.st {
	case SimIdle:
		if prevStatus == SimOnline || prevStatus == SimOnlineCmd || prevStatus == SimDialing {
			m.printResult(ResultNoCarrier)
		}
		if m.conn != nil {
			m.conn.Close()
			m.conn = nil
		}
	case SimOnline:
		if prevStatus != SimDialing && prevStatus != SimOnlineCmd {
			panic(ErrInvalidStateTransition)
		}
		if prevStatus == SimDialing {
			m.metrics.NumSessions++
			m.metrics.LastConnTime = time.Now()
		}
		m.printResult(ResultConnect)
		go m.onlineTask(m.stCtx)
	case SimOnlineCmd:
		if prevStatus != SimOnline {
			panic(ErrInvalidStateTransition)
		}
		m.printResult(ResultOK)
	case SimDialing:
		if prevStatus != SimIdle {
			panic(ErrInvalidStateTransition)
		}
	case SimClosed:
		m.tty.Close()
		if prevStatus == SimOnline || prevStatus == SimOnlineCmd {
			m.conn.Close()
			m.conn = nil
		}
	}
}

// SetStatus changes the modem's operational status.
// The modem lock must be held before calling this method.
func (m *SimModem) SetStatus(status SimStatus) {
	m.checkLock()
	m.setStatus(status)
}

// SetStatusSync changes the modem's operational status with automatic lock management.
func (m *SimModem) SetStatusSync(status SimStatus) {
	m.Lock()
	defer m.Unlock()
	m.setStatus(status)
}

func (m *SimModem) status() SimStatus {
	return m.st
}

// Status returns the current operational status.
// The modem lock must be held before calling this method.
func (m *SimModem) Status() SimStatus {
	m.checkLock()
	return m.status()
}

// StatusSync returns the current operational status with automatic lock management.
func (m *SimModem) StatusSync() SimStatus {
	m.Lock()
	defer m.Unlock()
	return m.status()
}

// Close terminates the modem and closes all associated resources.
// The modem lock must be held before calling this method.
func (m *SimModem) Close() {
	m.checkLock()
	m.setStatus(SimClosed)
}

// CloseSync terminates the modem with automatic lock management.
func (m *SimModem) CloseSync() {
	m.Lock()
	defer m.Unlock()
	m.setStatus(SimClosed)
}

// Metrics returns a copy of the current counters.
// The modem lock must be held before calling this method.
func (m *SimModem) Metrics() *SimMetrics {
	m.checkLock()
	copy := *m.metrics
	copy.Status = m.status()
	return &copy
}

// MetricsSync returns a copy of the current counters with automatic lock management.
func (m *SimModem) MetricsSync() *SimMetrics {
	m.Lock()
	defer m.Unlock()
	return m.Metrics()
}

func (m *SimModem) onlineTask(ctx context.Context) {
	buff := make([]byte, 128)
	m.Lock()
	for ctx.Err() == nil {
		m.Unlock()
		n, err := m.conn.Read(buff)
		m.Lock()
		if ctx.Err() != nil {
			break
		}
		if err != nil || n == 0 {
			m.setStatus(SimIdle)
			break
		}
		m.metrics.ConnRxBytes += n
		m.Unlock()
		m.ttyWrite(buff[:n])
		m.Lock()
	}
	m.Unlock()
}

func (m *SimModem) processDialing(ctx context.Context, network, address string) {
	if ctx.Err() != nil {
		return
	}
	conn, err := m.dial(network, address)
	m.Lock()
	defer m.Unlock()
	if ctx.Err() != nil {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.setStatus(SimIdle)
		return
	}
	m.conn = conn
	m.setStatus(SimOnline)
}

func (m *SimModem) simReady() bool {
	return m.pin == "" || m.pinOK
}

func (m *SimModem) registered() bool {
	return m.simReady() && m.regPolls > m.regDelay
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

func (m *SimModem) processCommand(cmdChar string, cmdNum string, cmdAssign bool, cmdQuery bool, cmdAssignVal string) ResultCode {
	switch cmdChar {
	case "S":
		r, _ := strconv.Atoi(cmdNum)
		if r < 0 || r > 255 {
			return ResultError
		}
		if cmdAssign {
			v, _ := strconv.Atoi(cmdAssignVal)
			if v < 0 || v > 255 {
				return ResultError
			}
			m.sregs[byte(r)] = byte(v)
			return ResultOK
		}
		if cmdQuery {
			m.ttyWriteStr(fmt.Sprintf(m.cr()+"%03d\r\n", m.sregs[byte(r)]))
			return ResultOK
		}
	case "E":
		n, _ := strconv.Atoi(cmdNum)
		switch n {
		case 0:
			m.echo = false
		case 1:
			m.echo = true
		default:
			return ResultError
		}
	case "V":
		n, _ := strconv.Atoi(cmdNum)
		switch n {
		case 0:
			m.shortForm = true
		case 1:
			m.shortForm = false
		default:
			return ResultError
		}
	case "Q":
		n, _ := strconv.Atoi(cmdNum)
		switch n {
		case 0:
			m.quietMode = false
		case 1:
			m.quietMode = true
		default:
			return ResultError
		}
	case "H":
		if m.status() == SimOnline || m.status() == SimOnlineCmd {
			m.setStatus(SimIdle)
			return ResultSilent
		}
	case "O":
		if m.status() != SimOnlineCmd {
			return ResultError
		}
		m.setStatus(SimOnline)
		return ResultSilent
	case "&F", "Z":
		m.sregs[0] = 0
		m.echo = true
		m.shortForm = false
		m.quietMode = false
		m.cmee = false
		if m.status() == SimOnline || m.status() == SimOnlineCmd {
			m.setStatus(SimIdle)
			return ResultSilent
		}
	case "+CMEE":
		if cmdQuery {
			v := 0
			if m.cmee {
				v = 1
			}
			m.writeInfo(fmt.Sprintf("+CMEE: %d", v))
			return ResultOK
		}
		if cmdAssign {
			switch cmdAssignVal {
			case "0":
				m.cmee = false
			case "1", "2":
				m.cmee = true
			default:
				return ResultError
			}
		}
	case "+CPIN":
		if cmdQuery {
			if m.simReady() {
				m.writeInfo("+CPIN: READY")
			} else {
				m.writeInfo("+CPIN: SIM PIN")
			}
			return ResultOK
		}
		if cmdAssign {
			if m.pin == "" || unquote(cmdAssignVal) == m.pin {
				m.pinOK = true
				return ResultOK
			}
			return m.cmeResult(cmeIncorrectPassword)
		}
	case "+CREG":
		if cmdQuery {
			m.regPolls++
			stat := 2 // searching
			if m.registered() {
				stat = 1
			}
			m.writeInfo(fmt.Sprintf("+CREG: 0,%d", stat))
			return ResultOK
		}
	case "+CGATT":
		if cmdQuery {
			v := 0
			if m.attached {
				v = 1
			}
			m.writeInfo(fmt.Sprintf("+CGATT: %d", v))
			return ResultOK
		}
		if cmdAssign {
			switch cmdAssignVal {
			case "1":
				if !m.registered() {
					return m.cmeResult(cmeOperationNotAllowed)
				}
				m.attached = true
			case "0":
				m.attached = false
				m.pdpUp = false
			default:
				return ResultError
			}
		}
	case "+CIPMODE":
		if cmdAssign {
			switch cmdAssignVal {
			case "1":
				m.ipMode = true
			case "0":
				m.ipMode = false
			default:
				return ResultError
			}
		}
	case "+CSTT":
		if !cmdAssign {
			return ResultError
		}
		if !m.attached {
			return m.cmeResult(cmeOperationNotAllowed)
		}
		parts := strings.Split(cmdAssignVal, ",")
		if len(parts) > 0 {
			m.apn = unquote(parts[0])
		}
		if len(parts) > 1 {
			m.user = unquote(parts[1])
		}
		if len(parts) > 2 {
			m.password = unquote(parts[2])
		}
	case "+CIICR":
		if !m.attached {
			return m.cmeResult(cmeOperationNotAllowed)
		}
		m.pdpUp = true
	case "+CIFSR":
		if !m.pdpUp {
			return ResultError
		}
		m.writeInfo(m.localIP.String())
	case "+CDNSGIP":
		if !cmdAssign || !m.pdpUp {
			return ResultError
		}
		host := unquote(cmdAssignVal)
		if m.resolve == nil {
			m.writeInfo("+CDNSGIP: 0,8")
			return ResultError
		}
		addr, err := m.resolve(host)
		if err != nil {
			m.writeInfo("+CDNSGIP: 0,8")
			return ResultError
		}
		m.writeInfo(fmt.Sprintf("+CDNSGIP: 1,%q,%q", host, addr.String()))
	case "+CSQ":
		m.writeInfo("+CSQ: 21,0")
	case "+CIPSTART":
		if !cmdAssign || m.status() != SimIdle {
			return ResultError
		}
		if !m.pdpUp || !m.ipMode || m.dial == nil {
			return ResultError
		}
		parts := strings.Split(cmdAssignVal, ",")
		if len(parts) < 3 {
			return ResultError
		}
		var network string
		switch strings.ToUpper(unquote(parts[0])) {
		case "TCP":
			network = "tcp"
		case "UDP":
			network = "udp"
		default:
			return ResultError
		}
		host := unquote(parts[1])
		port, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || port < 1 || port > 65535 {
			return ResultError
		}
		m.setStatus(SimDialing)
		go m.processDialing(m.stCtx, network, fmt.Sprintf("%s:%d", host, port))
		return ResultSilent
	case "+CIPSHUT":
		if m.status() == SimOnline || m.status() == SimOnlineCmd {
			m.setStatus(SimIdle)
		}
		m.pdpUp = false
	}
	return ResultOK
}

func (m *SimModem) processAtCommand(cmd string) ResultCode {
	if m.status() != SimIdle && m.status() != SimOnlineCmd {
		return ResultError
	}
	m.metrics.LastAtCmdTime = time.Now()
	cmdBuf := bytes.NewBufferString(cmd)
	cmdRet := ResultOK
	e := false
	for cmdBuf.Len() > 0 && !e {
		cmdChar := ""
		cmdNum := ""
		cmdLong := false
		cmdAssign := false
		cmdQuery := false
		cmdAssignVal := ""

		for cmdBuf.Len() > 0 && !e {
			b, err := cmdBuf.ReadByte()
			if err != nil {
				e = true
				break
			}

			if b == '?' {
				if cmdChar != "" {
					cmdQuery = true
					break
				} else {
					e = true
					break
				}
			}

			if cmdAssign {
				if !cmdLong && !checkValidNumChar(b) { // short command only accepts numbers
					cmdBuf.UnreadByte()
					break
				}
				cmdAssignVal += string(b)
				continue
			}

			if b == '+' || b == '#' {
				if cmdChar == "" {
					cmdLong = true
					cmdChar += string(b)
					continue
				} else {
					e = true
					break
				}
			}

			if b == '=' {
				if cmdChar != "" {
					cmdAssign = true
					continue
				} else {
					e = true
					break
				}
			}

			if cmdLong {
				if checkValidCmdChar(b) {
					cmdChar += string(b)
					continue
				} else {
					e = true
					break
				}
			}

			if cmdChar == "" || cmdChar == "&" || cmdChar == "%" {
				if (b == '&' || b == '%') && cmdChar == "" && cmdBuf.Len() > 0 {
					cmdChar += string(b)
					continue
				}
				if checkValidCmdChar(b) {
					cmdChar += string(b)
				} else {
					e = true
					break
				}
			} else {
				if checkValidNumChar(b) {
					cmdNum += string(b)
				} else {
					cmdBuf.UnreadByte()
					break
				}
			}
		}
		if !e {
			cmdRet = m.processCommand(strings.ToUpper(cmdChar), cmdNum, cmdAssign, cmdQuery, cmdAssignVal)
			if cmdRet == ResultError {
				break
			}
		}
		if cmdLong {
			break // long commands don't support chaining
		}
	}

	if e {
		cmdRet = ResultError
	}
	return cmdRet
}

// ProcessAtCommand processes an AT command string and returns the result code.
// The modem lock must be held before calling this method.
func (m *SimModem) ProcessAtCommand(cmd string) ResultCode {
	m.checkLock()
	return m.processAtCommand(cmd)
}

// ProcessAtCommandSync processes an AT command string with automatic lock management.
func (m *SimModem) ProcessAtCommandSync(cmd string) ResultCode {
	m.Lock()
	defer m.Unlock()
	return m.processAtCommand(cmd)
}

func (m *SimModem) ttyReadTask() {
	aFlag := false
	atFlag := false
	buffer := *bytes.NewBuffer(nil)
	byteBuff := make([]byte, 1)
	lastCmd := ""
	plusCnt := 0
	lastPlus := time.Time{}
	lastNotPlus := time.Time{}

	m.Lock()
	for m.status() != SimClosed {
		m.Unlock()
		n, err := m.tty.Read(byteBuff)
		m.Lock()
		if m.status() == SimClosed {
			break
		}

		if err != nil || n == 0 {
			m.setStatus(SimClosed)
			break
		}
		m.metrics.LastTtyRxTime = time.Now()
		m.metrics.TtyRxBytes += n
		if m.status() == SimOnline { // transparent mode pass-through
			m.metrics.ConnTxBytes += n
			if m.conn != nil {
				if _, err := m.conn.Write(byteBuff); err != nil {
					m.setStatus(SimIdle)
					continue
				}
			}
			if byteBuff[0] == '+' {
				if !m.disablePreGuard {
					if time.Since(lastNotPlus) < time.Duration(m.sregs[12])*50*time.Millisecond {
						plusCnt = 0
						lastNotPlus = time.Now()
						continue
					}
				}

				if time.Since(lastPlus) > time.Duration(m.sregs[12])*50*time.Millisecond {
					plusCnt = 0
				}
				plusCnt++
				lastPlus = time.Now()
				if plusCnt == 3 {
					if m.disablePostGuard {
						m.setStatus(SimOnlineCmd)
					} else {
						go func(ctx context.Context) {
							time.Sleep(time.Duration(m.sregs[12]) * 50 * time.Millisecond)
							m.Lock()
							defer m.Unlock()
							if ctx.Err() != nil || plusCnt != 3 {
								return
							}
							m.setStatus(SimOnlineCmd)
						}(m.stCtx)
					}
				}
			} else {
				plusCnt = 0
				lastNotPlus = time.Now()
			}
			continue
		} else {
			plusCnt = 0
		}

		if m.status() == SimDialing { // any key aborts the dial
			m.setStatus(SimIdle)
			continue
		}

		if !atFlag {
			if m.echo {
				m.ttyWrite(byteBuff)
			}
			if bytes.ToUpper(byteBuff)[0] == 'A' {
				aFlag = true
				continue
			}
			if aFlag && byteBuff[0] == '/' {
				aFlag = false
				if m.echo {
					m.ttyWriteStr("\r")
				}
				r := m.processAtCommand(lastCmd)
				m.printResult(r)
				continue
			}
			if aFlag && bytes.ToUpper(byteBuff)[0] == 'T' {
				atFlag = true
				aFlag = false
				continue
			}
			aFlag = false
		} else {
			if byteBuff[0] == 0x7f {
				if buffer.Len() > 0 {
					buffer.Truncate(buffer.Len() - 1)
					if m.echo {
						m.ttyWriteStr("\x1b[D \x1b[D")
					}
				}
				continue
			}
			if byteBuff[0] == '\r' {
				atFlag = false
				lastCmd = buffer.String()
				if m.echo {
					m.ttyWriteStr("\r")
				}
				r := m.processAtCommand(lastCmd)
				m.printResult(r)
				buffer.Reset()
				continue
			}
			if buffer.Len() < 100 && strconv.IsPrint(rune(byteBuff[0])) {
				buffer.Write(byteBuff)
				if m.echo {
					m.ttyWrite(byteBuff)
				}
			}
		}
	}
	m.Unlock()
}

// NewSimModem creates a simulated modem from config. The modem starts in
// SimIdle and begins processing TTY input immediately.
//
// Returns ErrConfigRequired if config is nil or TTY is missing.
func NewSimModem(config *SimConfig) (*SimModem, error) {
	if config == nil {
		return nil, ErrConfigRequired
	}
	if config.TTY == nil {
		return nil, ErrConfigRequired
	}

	m := &SimModem{
		st:               SimIdle,
		id:               config.Id,
		tty:              config.TTY,
		dial:             config.Dial,
		resolve:          config.Resolve,
		connectStr:       config.ConnectStr,
		pin:              config.PIN,
		regDelay:         config.RegisterAfter,
		localIP:          config.LocalIP,
		disablePreGuard:  config.DisablePreGuard,
		disablePostGuard: config.DisablePostGuard,
		echo:             true,
		sregs:            make(map[byte]byte),
		metrics:          &SimMetrics{},
	}

	m.stCtx, m.stCtxCancel = context.WithCancel(context.Background())

	if m.connectStr == "" {
		m.connectStr = "CONNECT"
	}
	if !m.localIP.IsValid() {
		m.localIP = netip.MustParseAddr("10.0.0.2")
	}
	guard := config.GuardTime
	if guard == 0 {
		guard = 20
	}
	m.sregs[12] = byte(guard)

	go m.ttyReadTask()
	return m, nil
}
