package tui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/Fralo/trento-tree-detection/internal/engine/batch"
)

const barWidth = 30

// ProgressRenderer draws the advisory progress indicator.
//
// On a terminal the line is redrawn in place with a bar; otherwise one plain
// line is written per update so logs and pipes stay readable.
type ProgressRenderer struct {
	out         io.Writer
	interactive bool
	bar         progress.Model
	lastWidth   int
	drawn       bool
}

// NewProgressRenderer returns a renderer writing to out. interactive selects
// in-place redraw with colours.
func NewProgressRenderer(out io.Writer, interactive bool) *ProgressRenderer {
	return &ProgressRenderer{
		out:         out,
		interactive: interactive,
		bar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(barWidth),
			progress.WithoutPercentage(),
		),
	}
}

// Update renders s.
func (r *ProgressRenderer) Update(s batch.ProgressSnapshot) {
	line := FormatProgress(s)
	if !r.interactive {
		_, _ = fmt.Fprintf(r.out, "Progress: %s\n", line)
		return
	}

	line = r.bar.ViewAs(s.Fraction()) + " " + line
	width := lipgloss.Width(line)
	pad := ""
	if r.lastWidth > width {
		pad = strings.Repeat(" ", r.lastWidth-width)
	}
	r.lastWidth = width
	r.drawn = true
	_, _ = fmt.Fprintf(r.out, "\r%s%s", line, pad)
}

// Finish terminates an in-place progress line.
func (r *ProgressRenderer) Finish() {
	if r.interactive && r.drawn {
		_, _ = fmt.Fprintln(r.out)
		r.drawn = false
	}
}

// FormatProgress renders "completed/total (pct%)", followed by the failure
// count once any task has failed, the completion rate once one is known, and
// the estimated time left while work remains.
func FormatProgress(s batch.ProgressSnapshot) string {
	line := fmt.Sprintf("%d/%d (%.0f%%)", s.Completed, s.Total, s.PercentComplete)
	if s.Failed > 0 {
		line += fmt.Sprintf(", %d failed", s.Failed)
	}
	if s.ItemsPerSecond > 0 {
		line += fmt.Sprintf(", %.1f files/s", s.ItemsPerSecond)
	}
	if s.EstimatedLeft > 0 {
		line += ", ETA " + s.EstimatedLeft.Round(time.Second).String()
	}
	return line
}

// Banner describes a run before it starts.
type Banner struct {
	Files     int
	Jobs      int
	DestDir   string
	Converter string
}

// RenderBanner renders the run banner.
func RenderBanner(b Banner, styled bool) string {
	header := style(HeaderStyle, "Converting", styled)
	return fmt.Sprintf("%s %d files with %d jobs into %s %s",
		header, b.Files, b.Jobs, style(InfoStyle, b.DestDir, styled),
		style(MutedStyle, "(converter: "+b.Converter+")", styled))
}

// FetchBanner describes a tile download run before it starts.
type FetchBanner struct {
	Tiles   int
	Skipped int
	Jobs    int
	DestDir string
	Layer   string
}

// RenderFetchBanner renders the download banner.
func RenderFetchBanner(b FetchBanner, styled bool) string {
	line := fmt.Sprintf("%s %d tiles with %d jobs into %s %s",
		style(HeaderStyle, "Fetching", styled), b.Tiles, b.Jobs, style(InfoStyle, b.DestDir, styled),
		style(MutedStyle, "(layer: "+b.Layer+")", styled))
	if b.Skipped > 0 {
		line += fmt.Sprintf(", %d already present", b.Skipped)
	}
	return line
}

// Summary is the final outcome of a run.
type Summary struct {
	Succeeded int
	Failed    int
	Canceled  bool
	Elapsed   time.Duration
}

// RenderSummary renders the final summary line, e.g.
// "Done: 5 succeeded, 0 failed in 1.2s".
func RenderSummary(s Summary, styled bool) string {
	var label string
	switch {
	case s.Canceled:
		label = style(WarningStyle, "Cancelled:", styled)
	case s.Failed > 0:
		label = style(ErrorStyle, "Done with failures:", styled)
	default:
		label = style(SuccessStyle, "Done:", styled)
	}

	return fmt.Sprintf("%s %d succeeded, %d failed %s",
		label, s.Succeeded, s.Failed, style(MutedStyle, "in "+s.Elapsed.Round(time.Millisecond).String(), styled))
}
