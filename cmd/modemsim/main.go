// Command modemsim serves a simulated cellular AT modem on a
// pseudo-terminal and prints the device path, so the demo can run its full
// serial/AT path on a workstation:
//
//	modemsim --pin 1234 &
//	cellecho --interface external --device /dev/pts/N --sim-pin 1234
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	ce "cellecho"

	"github.com/aymanbagabas/go-pty"
	"github.com/jessevdk/go-flags"
)

type options struct {
	PIN           string `long:"pin" description:"SIM PIN the modem expects (empty disables the lock)"`
	RegisterAfter int    `long:"register-after" description:"number of +CREG? polls before the modem reports registered"`
	LocalIP       string `long:"local-ip" default:"10.0.0.2" description:"address reported by +CIFSR"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	localIP, err := netip.ParseAddr(opts.LocalIP)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad local-ip: %v\n", err)
		os.Exit(2)
	}

	tty, err := pty.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer tty.Close()
	fmt.Printf("modem device: %s\n", tty.Name())

	m, err := ce.NewSimModem(&ce.SimConfig{
		Id:            "sim0",
		TTY:           tty,
		PIN:           opts.PIN,
		RegisterAfter: opts.RegisterAfter,
		LocalIP:       localIP,
		Dial: func(network, address string) (io.ReadWriteCloser, error) {
			return net.Dial(network, address)
		},
		Resolve: func(host string) (netip.Addr, error) {
			addrs, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip4", host)
			if err != nil {
				return netip.Addr{}, err
			}
			if len(addrs) == 0 {
				return netip.Addr{}, fmt.Errorf("no addresses for %s", host)
			}
			return addrs[0].Unmap(), nil
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer m.CloseSync()
	fmt.Printf("modem status: %v\n", m.StatusSync())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
