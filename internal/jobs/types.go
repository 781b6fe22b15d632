package jobs

import (
	"errors"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/zm-archiver/internal/store"
)

type Kind string

const (
	KindDelete  Kind = "delete"
	KindArchive Kind = "archive"
	KindMove    Kind = "move"
)

// ArchiveExt is appended to <date>_<collection> to name an archive.
const ArchiveExt = ".tar.gz"

// PartialExt marks an archive that is still being written or failed verification.
const PartialExt = ".partial"

// Record is one unit of work. It is never modified once built.
type Record struct {
	ID          string
	Kind        Kind
	Unit        store.Unit
	Source      string
	Destination string
	SizeBytes   int64
}

// NewDelete removes u from the backup store.
func NewDelete(u store.Unit, size int64) Record {
	return Record{ID: uuid.NewString(), Kind: KindDelete, Unit: u, Source: u.Path, SizeBytes: size}
}

// NewArchive archives u into destDir.
func NewArchive(u store.Unit, destDir string, size int64) Record {
	return Record{ID: uuid.NewString(), Kind: KindArchive, Unit: u, Source: u.Path, Destination: destDir, SizeBytes: size}
}

// NewMove copies u into destDir.
func NewMove(u store.Unit, destDir string, size int64) Record {
	return Record{ID: uuid.NewString(), Kind: KindMove, Unit: u, Source: u.Path, Destination: destDir, SizeBytes: size}
}

// ArchiveName is the file name of the archive built for the record.
func (r Record) ArchiveName() string {
	return r.Unit.Name + "_" + r.Unit.Collection + ArchiveExt
}

// Outcome is what happened to one Record.
type Outcome struct {
	Record     Record
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error

	// Cancelled jobs never obtained a permit and did not touch the filesystem.
	Cancelled bool
	// Catastrophic failures (permission errors) fail the run status.
	Catastrophic bool

	// Artifact is the final archive path, Digest its BLAKE3 hex digest and
	// Entries the number of tar entries verified.
	Artifact string
	Digest   string
	Entries  int

	SourceRemoved bool
	// Partial names a path left half-written for operator cleanup.
	Partial string
}

func (o Outcome) Succeeded() bool { return o.Err == nil && !o.Cancelled }

func (o Outcome) Duration() time.Duration { return o.FinishedAt.Sub(o.StartedAt) }

func (o Outcome) Status() string {
	switch {
	case o.Cancelled:
		return "cancelled"
	case o.Err != nil:
		return "failed"
	default:
		return "succeeded"
	}
}

func isCatastrophic(err error) bool {
	return errors.Is(err, os.ErrPermission)
}

// PhaseResult aggregates the outcomes of one phase after the barrier.
type PhaseResult struct {
	Phase      string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []Outcome
}

// Counts returns succeeded, failed and cancelled job counts.
func (p PhaseResult) Counts() (succeeded, failed, cancelled int) {
	for _, o := range p.Outcomes {
		switch {
		case o.Cancelled:
			cancelled++
		case o.Err != nil:
			failed++
		default:
			succeeded++
		}
	}
	return
}

// CompletedBytes sums the planned size of the jobs that succeeded.
func (p PhaseResult) CompletedBytes() int64 {
	var n int64
	for _, o := range p.Outcomes {
		if o.Succeeded() {
			n += o.Record.SizeBytes
		}
	}
	return n
}

// Catastrophic reports whether any job hit a catastrophic failure.
func (p PhaseResult) Catastrophic() bool {
	for _, o := range p.Outcomes {
		if o.Catastrophic {
			return true
		}
	}
	return false
}

// Partials lists the paths left behind for operator cleanup.
func (p PhaseResult) Partials() []string {
	var out []string
	for _, o := range p.Outcomes {
		if o.Partial != "" {
			out = append(out, o.Partial)
		}
	}
	return out
}
