package engine

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/zm-archiver/internal/alert"
	"github.com/mattjoyce/zm-archiver/internal/jobs"
	"github.com/mattjoyce/zm-archiver/internal/store"
	"github.com/mattjoyce/zm-archiver/internal/volume"
)

type Status string

const (
	StatusSuccess Status = "Success"
	StatusFailure Status = "Failure"
)

// CapacityError is why the archive phase was skipped.
type CapacityError struct {
	Planned    int64
	Available  uint64
	Jobs       int
	MountPoint string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("backup volume at %s has %s available, %d archive jobs need %s",
		e.MountPoint, humanize.Bytes(e.Available), e.Jobs, humanize.Bytes(uint64(e.Planned)))
}

// PhaseReport summarizes one phase.
type PhaseReport struct {
	Enabled        bool
	Planned        int
	PlannedBytes   int64
	Succeeded      int
	Failed         int
	Cancelled      int
	CompletedBytes int64
	Catastrophic   bool
	Partials       []string

	// Capped and Deferred only apply to the archive phase.
	Capped   bool
	Deferred int

	Aborted     bool
	AbortReason error

	Result jobs.PhaseResult
}

func (p *PhaseReport) absorb(res jobs.PhaseResult) {
	p.Result = res
	p.Succeeded, p.Failed, p.Cancelled = res.Counts()
	p.CompletedBytes = res.CompletedBytes()
	p.Catastrophic = res.Catastrophic()
	p.Partials = res.Partials()
}

// Report is the outcome of one run.
type Report struct {
	RunID      string
	Status     Status
	StartedAt  time.Time
	FinishedAt time.Time
	Elapsed    time.Duration

	Delete  PhaseReport
	Archive PhaseReport

	BytesArchived int64
	BytesDeleted  int64

	MountPoint        string
	BackupRootCreated bool
	UsageStart        volume.Usage
	UsageEnd          volume.Usage
	// UsedDelta is end minus start used bytes; negative when the run freed space.
	UsedDelta int64

	Unmount volume.UnmountResult
	Invalid []store.InvalidEntry
	Alert   *alert.Record

	// Err is the fatal error that ended the run early, if any.
	Err error
}

// Failed reports whether the run's terminal status is Failure.
func (r *Report) Failed() bool { return r.Status == StatusFailure }

// JobCounts returns phase -> status -> count for the jobs of the run.
func (r *Report) JobCounts() map[string]map[string]int {
	out := map[string]map[string]int{}
	for name, p := range map[string]PhaseReport{PhaseDelete: r.Delete, PhaseArchive: r.Archive} {
		if !p.Enabled {
			continue
		}
		out[name] = map[string]int{
			"succeeded": p.Succeeded,
			"failed":    p.Failed,
			"cancelled": p.Cancelled,
		}
	}
	return out
}
