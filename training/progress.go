package training

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Xiaoxue-xx/TextBox/optimizer"
)

const (
	barWidth      = 30
	redrawEvery   = 100 * time.Millisecond
	partialBlocks = " ▏▎▍▌▋▊▉"
)

// ProgressBar draws the batch progress of one training or validation pass
// on a single terminal line, together with the mean loss of the pass so far.
type ProgressBar struct {
	out   io.Writer
	label string
	total int

	batches int
	lossSum float64

	now     func() time.Time
	started time.Time
	drawn   time.Time
}

// NewProgressBar creates a bar over total batches; a non-positive total only
// counts batches. A nil writer renders nothing.
func NewProgressBar(out io.Writer, label string, total int) *ProgressBar {
	if out == nil {
		out = io.Discard
	}
	pb := &ProgressBar{out: out, label: label, total: total, now: time.Now}
	pb.started = pb.now()
	return pb
}

// Step records a finished batch and its loss. The line is redrawn at most
// every redrawEvery, and always on the last batch.
func (pb *ProgressBar) Step(loss float64) {
	pb.batches++
	pb.lossSum += loss

	now := pb.now()
	if pb.batches == pb.total || now.Sub(pb.drawn) >= redrawEvery {
		pb.drawn = now
		fmt.Fprint(pb.out, pb.line())
	}
}

// Finish draws the final state and ends the line
func (pb *ProgressBar) Finish() {
	fmt.Fprintln(pb.out, pb.line())
}

// MeanLoss returns the mean loss of the recorded batches, 0 before any
func (pb *ProgressBar) MeanLoss() float64 {
	if pb.batches == 0 {
		return 0
	}
	return pb.lossSum / float64(pb.batches)
}

func (pb *ProgressBar) line() string {
	elapsed := pb.now().Sub(pb.started)

	var b strings.Builder
	b.WriteString("\r")
	b.WriteString(pb.label)
	if pb.total > 0 {
		fraction := min(float64(pb.batches)/float64(pb.total), 1)
		fmt.Fprintf(&b, " %3d%%|%s| %d/%d [%s<%s", int(fraction*100), drawBar(fraction, barWidth),
			pb.batches, pb.total, formatDuration(elapsed), formatDuration(pb.remaining(elapsed)))
	} else {
		fmt.Fprintf(&b, " %d batches [%s", pb.batches, formatDuration(elapsed))
	}
	if rate := formatRate(pb.batches, elapsed); rate != "" {
		b.WriteString(", ")
		b.WriteString(rate)
	}
	if pb.batches > 0 {
		fmt.Fprintf(&b, ", loss=%.4f", pb.MeanLoss())
	}
	b.WriteString("]")
	return b.String()
}

// remaining extrapolates the time left from the mean time per batch
func (pb *ProgressBar) remaining(elapsed time.Duration) time.Duration {
	if pb.batches == 0 || pb.batches >= pb.total {
		return 0
	}
	perBatch := elapsed / time.Duration(pb.batches)
	return perBatch * time.Duration(pb.total-pb.batches)
}

// drawBar fills width cells, using eighth blocks for the partial cell
func drawBar(fraction float64, width int) string {
	eighths := int(fraction * float64(width*8))
	full := eighths / 8
	bar := strings.Repeat("█", full)
	if full < width {
		partial := []rune(partialBlocks)[eighths%8]
		bar += string(partial) + strings.Repeat(" ", width-full-1)
	}
	return bar
}

// formatRate shows batches per second, or seconds per batch when slower
// than one batch a second
func formatRate(batches int, elapsed time.Duration) string {
	if batches == 0 || elapsed <= 0 {
		return ""
	}
	rate := float64(batches) / elapsed.Seconds()
	if rate < 1 {
		return fmt.Sprintf("%.2fs/batch", 1/rate)
	}
	return fmt.Sprintf("%.2fbatch/s", rate)
}

// formatDuration formats d as MM:SS, or H:MM:SS from an hour on
func formatDuration(d time.Duration) string {
	total := int(d.Seconds())
	hours, minutes, seconds := total/3600, total/60%60, total%60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// PrintParameters writes one aligned row per parameter tensor of a model,
// then the parameter count and the float64 memory they take
func PrintParameters(out io.Writer, modelName string, params []*optimizer.Parameter) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\tshape\tparameters\n", modelName)

	var total int64
	for _, p := range params {
		size := int64(p.Size())
		total += size
		fmt.Fprintf(tw, "  %s\t%v\t%s\n", p.Name, p.Shape, formatParameterCount(size))
	}
	fmt.Fprintf(tw, "total\t\t%s\n", formatParameterCount(total))
	tw.Flush()

	fmt.Fprintf(out, "Params size (MB): %.3f\n", float64(total*8)/(1<<20))
}

// formatParameterCount abbreviates count with K and M suffixes
func formatParameterCount(count int64) string {
	switch {
	case count >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(count)/1e6)
	case count >= 1_000:
		return fmt.Sprintf("%.1fK", float64(count)/1e3)
	default:
		return fmt.Sprintf("%d", count)
	}
}
