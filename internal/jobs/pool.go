package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/zm-archiver/internal/events"
)

// DefaultConcurrency is the number of jobs allowed to run at once.
const DefaultConcurrency = 5

// Publisher receives progress events.
type Publisher interface {
	Publish(eventType string, data any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// Pool runs phases of jobs on a shared semaphore.
type Pool struct {
	fs           afero.Fs
	sem          *semaphore.Weighted
	concurrency  int
	deleteSource bool
	logger       *slog.Logger
	pub          Publisher
	now          func() time.Time
}

// Option customizes a Pool.
type Option func(*Pool)

// WithDeleteSource removes archive and move sources after a verified copy.
func WithDeleteSource(enabled bool) Option {
	return func(p *Pool) { p.deleteSource = enabled }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

func WithPublisher(pub Publisher) Option {
	return func(p *Pool) { p.pub = pub }
}

// WithClock sets the clock used for job and phase timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// NewPool returns a pool allowing concurrency jobs at once on fs.
func NewPool(fs afero.Fs, concurrency int, opts ...Option) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	p := &Pool{
		fs:          fs,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		concurrency: concurrency,
		logger:      slog.Default(),
		pub:         nopPublisher{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) Concurrency() int { return p.concurrency }

// RunPhase starts every record, waits for all of them and returns their
// outcomes in record order. Job failures are reported, never returned.
func (p *Pool) RunPhase(ctx context.Context, phase string, records []Record) PhaseResult {
	res := PhaseResult{
		Phase:     phase,
		StartedAt: p.now(),
		Outcomes:  make([]Outcome, len(records)),
	}
	total := len(records)
	var planned int64
	for _, r := range records {
		planned += r.SizeBytes
	}

	logger := p.logger.With("phase", phase)
	logger.Info("phase started", "jobs", total, "planned", humanize.Bytes(uint64(planned)), "concurrency", p.concurrency)
	p.pub.Publish(events.PhaseStarted, events.PhasePayload{Phase: phase, Total: total, Bytes: planned})

	var (
		wg   sync.WaitGroup
		done atomic.Int64
	)
	for i := range records {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := records[i]

			if err := p.sem.Acquire(ctx, 1); err != nil {
				res.Outcomes[i] = Outcome{Record: rec, Cancelled: true, Err: fmt.Errorf("not started: %w", err)}
				return
			}
			out := p.execute(rec, logger)
			p.sem.Release(1)

			n := int(done.Add(1))
			p.report(logger, phase, n, total, out)
			res.Outcomes[i] = out
		}(i)
	}
	wg.Wait()

	res.FinishedAt = p.now()
	ok, failed, cancelled := res.Counts()
	logger.Info("phase finished",
		"succeeded", ok,
		"failed", failed,
		"cancelled", cancelled,
		"completed", humanize.Bytes(uint64(res.CompletedBytes())),
		"elapsed", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond).String(),
	)
	p.pub.Publish(events.PhaseFinished, events.PhasePayload{
		Phase:     phase,
		Total:     total,
		Bytes:     res.CompletedBytes(),
		Succeeded: ok,
		Failed:    failed + cancelled,
	})
	return res
}

func (p *Pool) execute(rec Record, phaseLogger *slog.Logger) Outcome {
	logger := phaseLogger.With("job_id", rec.ID, "kind", string(rec.Kind), "unit", rec.Unit.Key())
	out := Outcome{Record: rec, StartedAt: p.now()}

	switch rec.Kind {
	case KindDelete:
		p.runDelete(&out, logger)
	case KindArchive:
		p.runArchive(&out, logger)
	case KindMove:
		p.runMove(&out, logger)
	default:
		out.Err = fmt.Errorf("unknown job kind %q", rec.Kind)
	}

	out.FinishedAt = p.now()
	if out.Err != nil {
		out.Catastrophic = isCatastrophic(out.Err)
	}
	return out
}

func (p *Pool) report(logger *slog.Logger, phase string, n, total int, out Outcome) {
	rec := out.Record
	attrs := []any{
		"job_id", rec.ID,
		"kind", string(rec.Kind),
		"unit", rec.Unit.Key(),
		"source", rec.Source,
		"size", humanize.Bytes(uint64(rec.SizeBytes)),
		"elapsed", out.Duration().Round(time.Millisecond).String(),
	}
	if rec.Destination != "" {
		attrs = append(attrs, "destination", rec.Destination)
	}
	msg := fmt.Sprintf("job %d of %d", n, total)
	switch {
	case out.Err != nil && out.Catastrophic:
		logger.Error(msg+" failed", append(attrs, "error", out.Err, "partial", out.Partial, "catastrophic", true)...)
	case out.Err != nil:
		logger.Error(msg+" failed", append(attrs, "error", out.Err, "partial", out.Partial)...)
	default:
		logger.Info(msg+" done", attrs...)
	}

	payload := events.JobPayload{
		Phase:  phase,
		JobID:  rec.ID,
		Kind:   string(rec.Kind),
		Unit:   rec.Unit.Key(),
		N:      n,
		Total:  total,
		Bytes:  rec.SizeBytes,
		OK:     out.Err == nil,
		Millis: out.Duration().Milliseconds(),
	}
	if out.Err != nil {
		payload.Error = out.Err.Error()
	}
	p.pub.Publish(events.JobFinished, payload)
}

func (p *Pool) runDelete(out *Outcome, logger *slog.Logger) {
	src := out.Record.Source
	if err := p.fs.RemoveAll(src); err != nil {
		out.Err = fmt.Errorf("delete %s: %w", src, err)
		if exists, _ := afero.Exists(p.fs, src); exists {
			out.Partial = src
		}
		return
	}
	out.SourceRemoved = true
	logger.Debug("deleted unit", "path", src)
}
