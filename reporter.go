package cellecho

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Reporter is the process-wide console sink. Every status line from any
// goroutine is funneled through a single mutex so interleaved multi-goroutine
// output stays coherent.
type Reporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewReporter creates a Reporter writing to w. A nil w defaults to stdout.
func NewReporter(w io.Writer) *Reporter {
	if w == nil {
		w = os.Stdout
	}
	return &Reporter{w: w}
}

// Print writes s while holding the console lock.
func (r *Reporter) Print(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.w, s)
}

// Printf formats and writes a single status line while holding the console lock.
func (r *Reporter) Printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, format, args...)
}

// Writer returns an io.Writer that acquires the console lock for the
// duration of each Write call. It is handed to the trace subsystem and to
// third-party byte tracers so all output obeys the same lock.
func (r *Reporter) Writer() io.Writer {
	return lockedWriter{r: r}
}

type lockedWriter struct {
	r *Reporter
}

func (lw lockedWriter) Write(p []byte) (int, error) {
	lw.r.mu.Lock()
	defer lw.r.mu.Unlock()
	return lw.r.w.Write(p)
}

// NewTraceLogger builds the verbose trace logger. When tracing is disabled
// the logger discards everything; when enabled it writes text records
// through the Reporter's locked writer at debug level.
func NewTraceLogger(r *Reporter, enabled bool) *slog.Logger {
	if !enabled || r == nil {
		return discardLogger()
	}
	h := slog.NewTextHandler(r.Writer(), &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(h)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
