package progress

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestRenderBar(t *testing.T) {
	tests := []struct {
		percent float64
		want    string
	}{
		{-10, "[░░░░]"},
		{0, "[░░░░]"},
		{50, "[██░░]"},
		{100, "[████]"},
		{250, "[████]"},
	}
	for _, tt := range tests {
		if got := renderBar(tt.percent, 4); got != tt.want {
			t.Errorf("renderBar(%v) = %q, want %q", tt.percent, got, tt.want)
		}
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := formatRate(512); got != "512 B/s" {
		t.Errorf("formatRate(512) = %q", got)
	}
	if got := formatRate(3 * 1024 * 1024); got != "3.0 MB/s" {
		t.Errorf("formatRate(3MiB) = %q", got)
	}
	if got := FormatSize(2_500_000); got != "2.4 MiB" {
		t.Errorf("FormatSize(2500000) = %q", got)
	}
	if got := FormatSize(0); got != "0 B" {
		t.Errorf("FormatSize(0) = %q", got)
	}
	if got := formatETA(0); got != "--:--:--" {
		t.Errorf("formatETA(0) = %q", got)
	}
	if got := formatETA(3723 * time.Second); got != "01:02:03" {
		t.Errorf("formatETA(3723s) = %q", got)
	}
}

func TestFormatLine(t *testing.T) {
	line := FormatLine(View{
		Role:  "receiver",
		Code:  "4821",
		State: "downloading",
		File:  "report.pdf",
		Stats: Stats{Percent: 83.9},
		Err:   "boom",
	})
	for _, want := range []string{"receiver", "code=4821", "state=downloading", "file=report.pdf", "83.9%", `error="boom"`} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestRenderWritesFinalLineOnStop(t *testing.T) {
	var buf bytes.Buffer
	stop := Render(context.Background(), &buf, func() View {
		return View{Role: "sender", Code: "1234", State: "idle"}
	})
	stop()
	stop()
	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", out)
	}
	if !strings.Contains(out, "code=1234") {
		t.Fatalf("unexpected output %q", out)
	}
}
