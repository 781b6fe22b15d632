// Package jobs executes the delete, archive and move work of a run.
//
// A run is two phases. Every record of a phase is built before the phase
// starts; RunPhase then starts one goroutine per record and waits for all of
// them (the phase barrier) before returning. One weighted semaphore, shared by
// every phase of the pool, bounds how many filesystem-heavy jobs run at once.
//
// Job kinds:
//   - delete: remove the unit directory tree from the backup store
//   - archive: tar+gzip the unit into <dest>/<date>_<collection>.tar.gz via a
//     .partial file, verify the BLAKE3 digest and entry count, rename, and
//     only then remove the source (when enabled)
//   - move: recursive copy into the destination, then optional source removal
//
// Error handling:
//   - A failed job never cancels its siblings; the failure lands in its Outcome
//   - Permission errors are flagged Catastrophic and fail the run status
//   - Anything left half-written is reported in Outcome.Partial and kept for
//     operator cleanup, never rolled back
//   - The source of an archive or move is only touched after the copy is
//     complete and verified
//
// A cancelled context stops jobs that have not yet obtained a permit; running
// jobs always finish.
package jobs
