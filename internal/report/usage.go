package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/zm-archiver/internal/sizeindex"
)

// MonthTotal is the recorded footage size of one calendar month.
type MonthTotal struct {
	Month string // YYYY-MM
	Bytes int64
}

// Label renders the month as "Jan '24".
func (m MonthTotal) Label() string {
	t, err := time.Parse("2006-01", m.Month)
	if err != nil {
		return m.Month
	}
	return t.Format("Jan '06")
}

// MonthlyUsage sums the index per calendar month over the given collections
// (every indexed collection when empty) and returns the latest months,
// oldest first.
func MonthlyUsage(ix *sizeindex.Index, collections []string, months int) []MonthTotal {
	if len(collections) == 0 {
		collections = ix.Collections()
	}

	var out []MonthTotal
	for _, row := range ix.Rows() {
		if len(row.Date) < 7 {
			continue
		}
		month := row.Date[:7]
		if len(out) == 0 || out[len(out)-1].Month != month {
			out = append(out, MonthTotal{Month: month})
		}
		for _, c := range collections {
			out[len(out)-1].Bytes += row.Sizes[c]
		}
	}
	if months > 0 && len(out) > months {
		out = out[len(out)-months:]
	}
	return out
}

var barStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF"))

// UsageChart renders totals as a horizontal bar chart scaled to width cells.
func UsageChart(totals []MonthTotal, width int) string {
	if len(totals) == 0 {
		return "no size data"
	}
	if width <= 0 {
		width = 40
	}
	var peak, sum int64
	for _, t := range totals {
		peak = max(peak, t.Bytes)
		sum += t.Bytes
	}

	lines := []string{titleStyle.Render(fmt.Sprintf("Monthly usage, last %d months", len(totals)))}
	for _, t := range totals {
		n := 0
		if peak > 0 {
			n = int(t.Bytes * int64(width) / peak)
		}
		lines = append(lines, fmt.Sprintf("%-7s %s %s",
			t.Label(),
			barStyle.Render(strings.Repeat("█", n))+strings.Repeat(" ", width-n),
			humanize.Bytes(uint64(t.Bytes)),
		))
	}
	lines = append(lines, field("Total", humanize.Bytes(uint64(sum))))
	return boxStyle.Render(strings.Join(lines, "\n"))
}
