package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/Xiaoxue-xx/TextBox/optimizer"
)

// newClockedBar returns a bar whose clock advances by tick on every read
func newClockedBar(out *bytes.Buffer, label string, total int, tick time.Duration) *ProgressBar {
	pb := NewProgressBar(out, label, total)
	clock := time.Date(2026, time.October, 19, 10, 0, 0, 0, time.UTC)
	pb.started = clock
	pb.now = func() time.Time {
		clock = clock.Add(tick)
		return clock
	}
	return pb
}

func TestProgressBar(t *testing.T) {
	var out bytes.Buffer
	pb := newClockedBar(&out, "train    0", 10, 250*time.Millisecond)

	for i := 1; i <= 5; i++ {
		pb.Step(float64(i))
	}
	line := pb.line()
	for _, want := range []string{"train    0  50%|", "| 5/10 [", "loss=3.0000", "batch/s"} {
		if !strings.Contains(line, want) {
			t.Errorf("Expected %q in %q", want, line)
		}
	}
	if pb.MeanLoss() != 3 {
		t.Errorf("Expected mean loss 3, got %g", pb.MeanLoss())
	}

	for i := 6; i <= 10; i++ {
		pb.Step(0)
	}
	pb.Finish()
	if !strings.HasSuffix(out.String(), "\n") {
		t.Error("Expected Finish to end the line")
	}
	if final := pb.line(); !strings.Contains(final, "100%|"+strings.Repeat("█", barWidth)+"| 10/10") {
		t.Errorf("Expected a full bar, got %q", final)
	}
}

func TestProgressBarRedrawThrottle(t *testing.T) {
	tests := []struct {
		name     string
		tick     time.Duration
		expected int
	}{
		{"fast batches redraw on the last batch only", time.Millisecond, 1},
		{"slow batches redraw every batch", time.Second, 4},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		pb := newClockedBar(&out, "valid", 4, tt.tick)
		pb.drawn = pb.started
		for i := 0; i < 4; i++ {
			pb.Step(1)
		}
		if got := strings.Count(out.String(), "\r"); got != tt.expected {
			t.Errorf("%s: expected %d redraws, got %d", tt.name, tt.expected, got)
		}
	}
}

func TestProgressBarUnknownTotal(t *testing.T) {
	pb := NewProgressBar(nil, "valid", 0)
	pb.Step(2)
	pb.Step(4)
	pb.Finish()
	line := pb.line()
	if strings.Contains(line, "%|") || !strings.Contains(line, "valid 2 batches [") {
		t.Errorf("Unexpected line for unknown total: %q", line)
	}
	if !strings.Contains(line, "loss=3.0000") {
		t.Errorf("Expected mean loss in %q", line)
	}
}

func TestDrawBar(t *testing.T) {
	tests := []struct {
		fraction float64
		width    int
		expected string
	}{
		{0, 4, "    "},
		{0.5, 4, "██  "},
		{0.5625, 4, "██▎ "},
		{1, 4, "████"},
	}
	for _, tt := range tests {
		if got := drawBar(tt.fraction, tt.width); got != tt.expected {
			t.Errorf("drawBar(%g, %d) = %q, want %q", tt.fraction, tt.width, got, tt.expected)
		}
	}
}

func TestFormatRate(t *testing.T) {
	tests := []struct {
		batches  int
		elapsed  time.Duration
		expected string
	}{
		{0, time.Second, ""},
		{4, time.Second, "4.00batch/s"},
		{1, 4 * time.Second, "4.00s/batch"},
	}
	for _, tt := range tests {
		if got := formatRate(tt.batches, tt.elapsed); got != tt.expected {
			t.Errorf("formatRate(%d, %s) = %q, want %q", tt.batches, tt.elapsed, got, tt.expected)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds  int
		expected string
	}{
		{0, "00:00"},
		{59, "00:59"},
		{61, "01:01"},
		{3599, "59:59"},
		{3600, "1:00:00"},
		{3725, "1:02:05"},
	}
	for _, tt := range tests {
		got := formatDuration(time.Duration(tt.seconds) * time.Second)
		if got != tt.expected {
			t.Errorf("formatDuration(%ds) = %s, want %s", tt.seconds, got, tt.expected)
		}
	}
}

func TestPrintParameters(t *testing.T) {
	var out bytes.Buffer
	params := []*optimizer.Parameter{
		optimizer.NewParameter("embedding", []int{100, 20}),
		optimizer.NewParameter("bias", []int{20}),
	}
	PrintParameters(&out, "CharLM", params)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("Expected header, 2 rows, total and size, got:\n%s", out.String())
	}
	for i, want := range [][]string{
		{"CharLM", "shape", "parameters"},
		{"embedding", "[100 20]", "2.0K"},
		{"bias", "[20]", "20"},
		{"total", "2.0K"},
		{"Params size (MB): 0.015"},
	} {
		for _, field := range want {
			if !strings.Contains(lines[i], field) {
				t.Errorf("Expected %q in line %d: %q", field, i, lines[i])
			}
		}
	}
	// Columns are aligned
	if strings.Index(lines[1], "[100 20]") != strings.Index(lines[2], "[20]") {
		t.Errorf("Expected aligned shape column:\n%s", out.String())
	}
}
