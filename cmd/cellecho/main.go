package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	ce "cellecho"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

type options struct {
	Interface     string `long:"interface" env:"CELLECHO_INTERFACE" default:"onboard" choice:"onboard" choice:"external" description:"cellular interface variant"`
	Transport     string `long:"transport" env:"CELLECHO_TRANSPORT" default:"udp" choice:"udp" choice:"tcp" description:"transport for the echo exchange"`
	Device        string `long:"device" env:"CELLECHO_DEVICE" default:"/dev/ttyUSB0" description:"serial device of the external modem"`
	Baud          int    `long:"baud" env:"CELLECHO_BAUD" default:"115200" description:"serial baud rate"`
	BindInterface string `long:"bind-interface" env:"CELLECHO_BIND_INTERFACE" description:"network interface backing the onboard modem"`
	PIN           string `long:"sim-pin" env:"CELLECHO_SIM_PIN" description:"SIM PIN code"`
	APN           string `long:"apn" env:"CELLECHO_APN" description:"access point name"`
	Username      string `long:"username" env:"CELLECHO_USERNAME" description:"bearer username"`
	Password      string `long:"password" env:"CELLECHO_PASSWORD" description:"bearer password"`
	Host          string `long:"host" env:"CELLECHO_ECHO_HOST" default:"echo.mbedcloudtesting.com" description:"echo service hostname"`
	Port          uint16 `long:"port" env:"CELLECHO_ECHO_PORT" default:"7" description:"echo service port"`
	ModemTrace    bool   `long:"modem-trace" env:"CELLECHO_MODEM_TRACE" description:"trace modem I/O at byte level"`
	Trace         bool   `long:"trace" env:"CELLECHO_TRACE" description:"verbose tracing (disables the progress indicator)"`
}

func main() {
	_ = godotenv.Load()
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if err := run(&opts); err != nil {
		os.Exit(1)
	}
}

func run(opts *options) error {
	rep := ce.NewReporter(os.Stdout)
	logger := ce.NewTraceLogger(rep, opts.Trace)
	// route stdlib log output through the console lock so third-party
	// tracing cannot interleave with status lines
	log.SetOutput(rep.Writer())

	var iface ce.Interface
	switch opts.Interface {
	case "external":
		m, err := ce.NewATModem(&ce.ATConfig{
			Device:      opts.Device,
			Baud:        opts.Baud,
			PIN:         opts.PIN,
			APN:         opts.APN,
			Username:    opts.Username,
			Password:    opts.Password,
			ModemTrace:  opts.ModemTrace,
			TraceWriter: rep.Writer(),
			Logger:      logger,
		})
		if err != nil {
			rep.Printf("Modem init failed: %v\n", err)
			return err
		}
		defer m.Close()
		iface = m
	default:
		m, err := ce.NewOnboardModem(&ce.OnboardConfig{
			BindInterface: opts.BindInterface,
			Logger:        logger,
		})
		if err != nil {
			rep.Printf("Modem init failed: %v\n", err)
			return err
		}
		iface = m
	}

	sess, err := ce.NewSession(&ce.SessionConfig{
		Interface: iface,
		Reporter:  rep,
		Logger:    logger,
		Transport: ce.Transport(opts.Transport),
		EchoHost:  opts.Host,
		EchoPort:  opts.Port,
		Progress:  !opts.Trace,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return sess.Run(ctx)
}
