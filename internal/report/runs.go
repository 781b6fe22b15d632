package report

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/zm-archiver/internal/storage"
)

// RunsTable renders recorded runs, newest first as given.
func RunsTable(runs []storage.Run) string {
	if len(runs) == 0 {
		return "no runs recorded"
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("STARTED", "STATUS", "ELAPSED", "ARCHIVED", "DELETED", "USED", "NOTE").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row >= 0 && col == 1 && runs[row].Status != "Success" {
				return failStyle
			}
			return lipgloss.NewStyle()
		})
	for _, r := range runs {
		note := r.Error
		if note == "" && r.ArchiveCapped {
			note = "archive capped"
		}
		t.Row(
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.Status,
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String(),
			humanize.Bytes(uint64(r.BytesArchived)),
			humanize.Bytes(uint64(r.BytesDeleted)),
			fmt.Sprintf("%d%%", r.UsagePctEnd),
			note,
		)
	}
	return t.String()
}
