// Package report renders operator-facing views: the end-of-run summary,
// monthly usage from the size index, per-date status and run history.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/zm-archiver/internal/engine"
)

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD")).
			Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(16)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B"))
)

func field(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

// Summary renders the boxed end-of-run summary.
func Summary(rep *engine.Report) string {
	status := okStyle.Render(string(rep.Status))
	if rep.Failed() {
		status = failStyle.Render(string(rep.Status))
	}

	lines := []string{
		titleStyle.Render("zm-archiver run " + shortID(rep.RunID)),
		field("Status", status),
		field("Elapsed", rep.Elapsed.Round(time.Second).String()),
	}
	if rep.Delete.Enabled {
		lines = append(lines, field("Deleted", phaseLine(rep.Delete)))
	}
	if rep.Archive.Enabled {
		line := phaseLine(rep.Archive)
		if rep.Archive.Capped {
			line += warnStyle.Render(" (daily cap reached)")
		}
		lines = append(lines, field("Archived", line))
	}
	if rep.Archive.Aborted {
		lines = append(lines, field("Archive skipped", failStyle.Render(rep.Archive.AbortReason.Error())))
	}
	lines = append(lines,
		field("Disk delta", signed(rep.UsedDelta)),
		field("Available", fmt.Sprintf("%s (%d%% used)", humanize.Bytes(rep.UsageEnd.Available), rep.UsageEnd.Percent)),
	)
	if rep.Unmount.Attempted {
		if rep.Unmount.Unmounted {
			lines = append(lines, field("Unmount", "done"))
		} else {
			lines = append(lines, field("Unmount", failStyle.Render(fmt.Sprintf("failed after %d attempts: %v", rep.Unmount.Attempts, rep.Unmount.Err))))
		}
	}
	if n := len(rep.Invalid); n > 0 {
		lines = append(lines, field("Invalid dirs", warnStyle.Render(fmt.Sprintf("%d, remove by hand", n))))
	}
	for _, p := range append(append([]string(nil), rep.Delete.Partials...), rep.Archive.Partials...) {
		lines = append(lines, field("Partial", warnStyle.Render(p)))
	}
	if rep.Alert != nil {
		lines = append(lines, field("Alert", warnStyle.Render(rep.Alert.Line())))
	}
	if rep.Err != nil {
		lines = append(lines, field("Error", failStyle.Render(rep.Err.Error())))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func phaseLine(p engine.PhaseReport) string {
	s := fmt.Sprintf("%d/%d units, %s", p.Succeeded, p.Planned, humanize.Bytes(uint64(p.CompletedBytes)))
	if p.Failed > 0 {
		s += failStyle.Render(fmt.Sprintf(", %d failed", p.Failed))
	}
	if p.Cancelled > 0 {
		s += warnStyle.Render(fmt.Sprintf(", %d cancelled", p.Cancelled))
	}
	return s
}

func signed(n int64) string {
	if n < 0 {
		return "-" + humanize.Bytes(uint64(-n))
	}
	return "+" + humanize.Bytes(uint64(n))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
