package cellecho

import (
	"context"
	"log/slog"
	"time"
)

const banner = "cellular echo example"

// Defaults for the echo service endpoint. Port 7 is the well-known RFC 862
// echo port, shared by the TCP and UDP variants.
const (
	DefaultEchoHost = "echo.mbedcloudtesting.com"
	DefaultEchoPort = 7
)

const (
	defaultRecvTimeout = 15 * time.Second
	defaultRetryLimit  = 3
)

// Session drives one pass of the demonstration: connect the interface with
// bounded retry, then perform a single echo transaction. A Session owns its
// transaction buffer and socket exclusively; only the console path is shared
// with other goroutines.
type Session struct {
	iface            Interface
	rep              *Reporter
	log              *slog.Logger
	transport        Transport
	host             string
	port             uint16
	recvTimeout      time.Duration
	retryLimit       int
	progress         bool
	progressInterval time.Duration
}

// SessionConfig contains the parameters for creating a Session.
// Interface is required, everything else has defaults.
type SessionConfig struct {
	// Interface is the cellular interface variant to drive (required)
	Interface Interface
	// Reporter is the console sink (default: stdout)
	Reporter *Reporter
	// Logger receives verbose trace records (default: discard)
	Logger *slog.Logger
	// Transport selects UDP or TCP for the echo exchange (default: UDP)
	Transport Transport
	// EchoHost is the echo service hostname (default: DefaultEchoHost)
	EchoHost string
	// EchoPort is the echo service port (default: 7)
	EchoPort uint16
	// RecvTimeout bounds the wait for the echo reply (default: 15s)
	RecvTimeout time.Duration
	// RetryLimit is the number of additional connect attempts allowed
	// after the first failure (default: 3)
	RetryLimit int
	// Progress enables the background dot indicator while connecting.
	// It should be off when verbose tracing is on, the two are mutually
	// exclusive to keep the output readable.
	Progress bool
	// ProgressInterval is the time between dots (default: 4s)
	ProgressInterval time.Duration
}

// NewSession creates a Session from config. Returns ErrConfigRequired if
// config is nil or no interface is supplied.
func NewSession(config *SessionConfig) (*Session, error) {
	if config == nil || config.Interface == nil {
		return nil, ErrConfigRequired
	}
	s := &Session{
		iface:            config.Interface,
		rep:              config.Reporter,
		log:              config.Logger,
		transport:        config.Transport,
		host:             config.EchoHost,
		port:             config.EchoPort,
		recvTimeout:      config.RecvTimeout,
		retryLimit:       config.RetryLimit,
		progress:         config.Progress,
		progressInterval: config.ProgressInterval,
	}
	if s.rep == nil {
		s.rep = NewReporter(nil)
	}
	if s.log == nil {
		s.log = discardLogger()
	}
	if s.transport == "" {
		s.transport = TransportUDP
	}
	if s.host == "" {
		s.host = DefaultEchoHost
	}
	if s.port == 0 {
		s.port = DefaultEchoPort
	}
	if s.recvTimeout == 0 {
		s.recvTimeout = defaultRecvTimeout
	}
	if s.retryLimit == 0 {
		s.retryLimit = defaultRetryLimit
	}
	return s, nil
}

// Run performs the whole pass: banner, connect, echo transaction, final
// verdict. The returned error is nil only when the interface connected and
// the echo round trip brought data back.
func (s *Session) Run(ctx context.Context) error {
	s.rep.Print("\n\n" + banner + "\n")
	s.rep.Print("PIN code set\n")
	s.rep.Print("Establishing connection\n")

	if s.progress {
		pctx, cancel := context.WithCancel(ctx)
		p := &Progress{
			Interval:  s.progressInterval,
			Connected: s.iface.IsConnected,
			Reporter:  s.rep,
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			p.Run(pctx)
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	if err := s.Connect(ctx); err != nil {
		s.rep.Print("\n\nFailure. Exiting\n\n")
		return err
	}
	defer func() {
		if err := s.iface.Disconnect(); err != nil {
			s.log.Debug("disconnect", "error", err)
		}
	}()

	if _, err := s.Echo(ctx); err != nil {
		s.rep.Print("\n\nFailure. Exiting\n\n")
		return err
	}
	s.rep.Print("\n\nSuccess. Exiting\n\n")
	return nil
}
