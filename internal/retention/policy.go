// Package retention decides which dated units are deleted from the backup
// store and which are archived off the active store.
package retention

import (
	"path/filepath"
	"time"

	"github.com/mattjoyce/zm-archiver/internal/jobs"
	"github.com/mattjoyce/zm-archiver/internal/store"
)

// Sizer returns the size in bytes of a unit.
type Sizer interface {
	SizeOf(u store.Unit) int64
}

// SizerFunc adapts a function to Sizer.
type SizerFunc func(store.Unit) int64

func (f SizerFunc) SizeOf(u store.Unit) int64 { return f(u) }

// Age is the number of whole calendar days from date to now.
func Age(now, date time.Time) int {
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	y, m, d = date.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return int(today.Sub(day).Hours() / 24)
}

// SelectDeletes returns a delete record for every backup unit older than
// deleteDays. A unit exactly deleteDays old is kept.
func SelectDeletes(now time.Time, deleteDays int, backup *store.Listing, sizer Sizer) []jobs.Record {
	var out []jobs.Record
	for _, c := range backup.Collections {
		for _, u := range backup.Units[c] {
			if Age(now, u.Date) > deleteDays {
				out = append(out, jobs.NewDelete(u, sizer.SizeOf(u)))
			}
		}
	}
	return out
}

// Selection is the archive plan for one run.
type Selection struct {
	Records      []jobs.Record
	PlannedBytes int64
	// Capped is set when eligible units were left for a later run.
	Capped bool
	// Deferred counts the eligible units left in the collection where the cap
	// filled. Later collections are not scanned.
	Deferred int
}

// ArchiveOptions configures SelectArchives.
type ArchiveOptions struct {
	KeepDays int
	// MaxJobs caps the records of a run; zero or less means unlimited.
	MaxJobs int
	// Kind is jobs.KindArchive or jobs.KindMove.
	Kind       jobs.Kind
	BackupRoot string
}

// SelectArchives walks the active listing, collections in order and oldest
// units first, emitting a record for every unit older than KeepDays. Once
// MaxJobs records exist the scan stops at the end of the current collection.
// Later collections are only checked for whether anything was left behind.
func SelectArchives(now time.Time, opts ArchiveOptions, active *store.Listing, sizer Sizer) Selection {
	var sel Selection
	full := func() bool { return opts.MaxJobs > 0 && len(sel.Records) >= opts.MaxJobs }

	for i, c := range active.Collections {
		for _, u := range active.Units[c] {
			if Age(now, u.Date) <= opts.KeepDays {
				continue
			}
			if full() {
				sel.Capped = true
				sel.Deferred++
				continue
			}

			dest := filepath.Join(opts.BackupRoot, u.Collection, u.Name)
			size := sizer.SizeOf(u)
			var rec jobs.Record
			if opts.Kind == jobs.KindMove {
				rec = jobs.NewMove(u, dest, size)
			} else {
				rec = jobs.NewArchive(u, dest, size)
			}
			sel.Records = append(sel.Records, rec)
			sel.PlannedBytes += size
		}
		if full() {
			if !sel.Capped {
				sel.Capped = anyEligible(now, opts.KeepDays, active, active.Collections[i+1:])
			}
			break
		}
	}
	return sel
}

func anyEligible(now time.Time, keepDays int, active *store.Listing, collections []string) bool {
	for _, c := range collections {
		for _, u := range active.Units[c] {
			if Age(now, u.Date) > keepDays {
				return true
			}
		}
	}
	return false
}
