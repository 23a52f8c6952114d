package cellecho

import (
	"context"
	"time"
)

const defaultProgressInterval = 4 * time.Second

// Progress emits a periodic marker through the Reporter while the interface
// is not yet connected. It is purely observational: it reads connection
// state and never touches transaction data. It terminates on its own as
// soon as it observes a connected state, or when the context is cancelled.
type Progress struct {
	// Interval is the time between markers (default 4s)
	Interval time.Duration
	// Connected reports whether the interface is connected
	Connected func() bool
	// Reporter receives the markers
	Reporter *Reporter
}

// Run blocks until the connection is observed established or ctx is
// cancelled. It is meant to run on its own goroutine.
func (p *Progress) Run(ctx context.Context) {
	interval := p.Interval
	if interval == 0 {
		interval = defaultProgressInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.Connected() {
				return
			}
			p.Reporter.Print(".")
		}
	}
}
