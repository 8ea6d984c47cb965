package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// View is what the terminal shows for one side of a transfer.
type View struct {
	Role  string
	Code  string
	State string
	File  string
	Stats Stats
	// Remote is the sender's advisory percentage, shown on the receiver.
	Remote float64
	Err    string
}

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
)

func colorize(s string, color string, enabled bool) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + colorReset
}

// IsTTY reports whether w is a terminal. Writers that wrap a file may
// expose it through a File method.
func IsTTY(w io.Writer) bool {
	var f *os.File
	switch v := w.(type) {
	case *os.File:
		f = v
	case interface{ File() *os.File }:
		f = v.File()
	default:
		return false
	}
	if f == nil {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// Render redraws view on w until ctx ends or the returned stop function is
// called. Terminals are redrawn in place; other writers get one line per
// second.
func Render(ctx context.Context, w io.Writer, view func() View) func() {
	isTTY := IsTTY(w)
	interval := 100 * time.Millisecond
	if !isTTY {
		interval = time.Second
	} else {
		fmt.Fprint(w, "\033[?25l")
	}
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	var (
		renderMu  sync.Mutex
		lastLines int
		lastLine  string
	)

	renderOnce := func() {
		renderMu.Lock()
		defer renderMu.Unlock()
		v := view()
		if isTTY {
			if lastLines > 0 {
				fmt.Fprintf(w, "\033[%dA", lastLines)
				fmt.Fprint(w, "\033[J")
			}
			lastLines = writeView(w, v, true)
			return
		}
		line := FormatLine(v)
		if line == lastLine {
			return
		}
		lastLine = line
		fmt.Fprintln(w, line)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				renderOnce()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			renderOnce()
			if isTTY {
				fmt.Fprint(w, "\033[?25h")
			}
		})
	}
}

func writeView(w io.Writer, v View, color bool) int {
	lines := 0
	header := fmt.Sprintf("%s  code %s  %s", v.Role, v.Code, v.State)
	fmt.Fprintln(w, colorize(header, colorCyan, color))
	lines++
	if v.File != "" {
		fmt.Fprintf(w, "file: %s\n", v.File)
		lines++
	}
	fmt.Fprintln(w, colorize(formatStatsLine(v), colorGreen, color))
	lines++
	if v.Err != "" {
		fmt.Fprintln(w, colorize("error: "+v.Err, colorRed, color))
		lines++
	}
	return lines
}

// FormatLine renders v as a single plain line.
func FormatLine(v View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s code=%s state=%s", v.Role, v.Code, v.State)
	if v.File != "" {
		fmt.Fprintf(&b, " file=%s", v.File)
	}
	fmt.Fprintf(&b, " %.1f%% %s ETA %s", v.Stats.Percent, formatRate(v.Stats.RateBps), formatETA(v.Stats.ETA))
	if v.Err != "" {
		fmt.Fprintf(&b, " error=%q", v.Err)
	}
	return b.String()
}

func formatStatsLine(v View) string {
	line := fmt.Sprintf("%s %5.1f%%  %s  ETA %s  (%s/%s)",
		renderBar(v.Stats.Percent, 20),
		v.Stats.Percent,
		formatRate(v.Stats.RateBps),
		formatETA(v.Stats.ETA),
		FormatSize(v.Stats.BytesDone),
		FormatSize(v.Stats.Total),
	)
	if v.Remote > 0 {
		line += fmt.Sprintf("  sender %.0f%%", v.Remote)
	}
	return line
}

func renderBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int((percent / 100) * float64(width))
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func formatRate(bps float64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	if bps >= g {
		return fmt.Sprintf("%.2f GB/s", bps/float64(g))
	}
	if bps >= m {
		return fmt.Sprintf("%.1f MB/s", bps/float64(m))
	}
	if bps >= k {
		return fmt.Sprintf("%.0f KB/s", bps/float64(k))
	}
	return fmt.Sprintf("%.0f B/s", bps)
}

// FormatSize renders a byte count with a binary unit.
func FormatSize(n int64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	switch {
	case n <= 0:
		return "0 B"
	case n >= g:
		return fmt.Sprintf("%.2f GiB", float64(n)/float64(g))
	case n >= m:
		return fmt.Sprintf("%.1f MiB", float64(n)/float64(m))
	case n >= k:
		return fmt.Sprintf("%.1f KiB", float64(n)/float64(k))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	secs := int(d.Seconds())
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
