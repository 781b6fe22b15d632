package report

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mattjoyce/zm-archiver/internal/sizeindex"
	"github.com/mattjoyce/zm-archiver/internal/store"
)

// Where a recorded date currently lives.
const (
	OnSystem = "on_system"
	OnBackup = "on_backup"
	Deleted  = "deleted"
)

// DateStatus locates one indexed date.
type DateStatus struct {
	Date   string
	Status string
	// Root is the store root holding the date, empty when deleted.
	Root string
}

// Classify locates every date in the index. A date present in both stores
// counts as on_backup. backup may be nil when the volume is not mounted.
func Classify(ix *sizeindex.Index, active, backup *store.Store, collections []string) []DateStatus {
	if len(collections) == 0 {
		collections = ix.Collections()
	}

	rows := ix.Rows()
	out := make([]DateStatus, 0, len(rows))
	for _, row := range rows {
		ds := DateStatus{Date: row.Date, Status: Deleted}
		if anyUnit(active, collections, row.Date) {
			ds.Status, ds.Root = OnSystem, active.Root()
		}
		if backup != nil && anyUnit(backup, collections, row.Date) {
			ds.Status, ds.Root = OnBackup, backup.Root()
		}
		out = append(out, ds)
	}
	return out
}

func anyUnit(s *store.Store, collections []string, date string) bool {
	for _, c := range collections {
		if s.HasUnit(c, date) {
			return true
		}
	}
	return false
}

// StatusTable renders the classification with per-status totals.
func StatusTable(statuses []DateStatus) string {
	counts := map[string]int{}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("DATE", "STATUS", "ROOT")
	for _, s := range statuses {
		counts[s.Status]++
		t.Row(s.Date, s.Status, s.Root)
	}

	var totals []string
	for _, st := range []string{OnSystem, OnBackup, Deleted} {
		totals = append(totals, fmt.Sprintf("%s=%d", st, counts[st]))
	}
	return t.String() + "\n" + strings.Join(totals, "  ")
}
