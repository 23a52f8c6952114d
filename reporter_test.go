package cellecho

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestReporter_ConcurrentLinesStayIntact(t *testing.T) {
	var out bytes.Buffer
	rep := NewReporter(&out)

	const workers = 20
	const lines = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < lines; i++ {
				rep.Printf("worker %d line %d\n", w, i)
			}
		}(w)
	}
	wg.Wait()

	got := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(got) != workers*lines {
		t.Fatalf("line count = %d, want %d", len(got), workers*lines)
	}
	for _, line := range got {
		var w, i int
		if _, err := fmt.Sscanf(line, "worker %d line %d", &w, &i); err != nil {
			t.Fatalf("interleaved line %q", line)
		}
	}
}

func TestReporter_LockedWriter(t *testing.T) {
	var out bytes.Buffer
	rep := NewReporter(&out)
	w := rep.Writer()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				fmt.Fprintln(w, "traced record")
			}
		}()
	}
	wg.Wait()

	for _, line := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
		if line != "traced record" {
			t.Fatalf("interleaved line %q", line)
		}
	}
}

func TestNewTraceLogger(t *testing.T) {
	var out bytes.Buffer
	rep := NewReporter(&out)

	logger := NewTraceLogger(rep, true)
	logger.Info("IP address", "ip", "10.0.0.2")
	if !strings.Contains(out.String(), "IP address") {
		t.Errorf("enabled logger wrote nothing: %q", out.String())
	}

	out.Reset()
	logger = NewTraceLogger(rep, false)
	logger.Info("should not appear")
	if out.Len() != 0 {
		t.Errorf("disabled logger wrote %q", out.String())
	}
}
