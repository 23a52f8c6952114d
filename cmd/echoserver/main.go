// Command echoserver runs a local RFC 862 echo service on TCP and UDP so
// the demo round trip can be exercised without the public echo host.
package main

import (
	"context"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
)

type options struct {
	Addr   string        `long:"addr" env:"ECHO_ADDR" default:":7777" description:"listen address, shared by TCP and UDP"`
	Report time.Duration `long:"report" env:"ECHO_REPORT" default:"30s" description:"metrics report interval (0 disables)"`
}

type metrics struct {
	conns   int64
	packets int64
	bytes   int64
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		log.Fatalf("tcp listen: %v", err)
	}
	pc, err := net.ListenPacket("udp", opts.Addr)
	if err != nil {
		log.Fatalf("udp listen: %v", err)
	}
	log.Printf("echo server listening on %s (tcp and udp)", opts.Addr)

	var m metrics
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		serveTCP(ln, &m)
	}()
	go func() {
		defer wg.Done()
		serveUDP(pc, &m)
	}()
	if opts.Report > 0 {
		go reportLoop(ctx, &m, opts.Report)
	}

	<-ctx.Done()
	ln.Close()
	pc.Close()
	wg.Wait()
}

func serveTCP(ln net.Listener, m *metrics) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		atomic.AddInt64(&m.conns, 1)
		go func() {
			defer conn.Close()
			n, _ := io.Copy(conn, conn)
			atomic.AddInt64(&m.bytes, n)
		}()
	}
}

func serveUDP(pc net.PacketConn, m *metrics) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		atomic.AddInt64(&m.packets, 1)
		atomic.AddInt64(&m.bytes, int64(n))
		if _, err := pc.WriteTo(buf[:n], addr); err != nil {
			log.Printf("udp echo to %s: %v", addr, err)
		}
	}
}

func reportLoop(ctx context.Context, m *metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("echoed: %d conns, %d packets, %d bytes",
				atomic.LoadInt64(&m.conns),
				atomic.LoadInt64(&m.packets),
				atomic.LoadInt64(&m.bytes))
		}
	}
}
