package backup

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/smartbackup/core/internal/sizing"
)

// HashReport summarizes a ComputeMissingHashes pass.
type HashReport struct {
	// Hashed is the number of payloads whose primary digest was computed.
	Hashed int

	// Verified is the number of payloads newly verified against their source.
	Verified int

	// Removed is the number of entries dropped after a verification fault.
	Removed int

	Failures Failures
}

// hashJob is the I/O half of hashing one payload. Jobs are prepared and
// applied serially; only the digest computation runs in parallel.
type hashJob struct {
	entry  *Entry
	bin    *Binary
	hasher Hasher
	verify bool

	section   io.Reader
	stored    string
	source    string
	unchanged bool
	err       error
}

// ComputeMissingHashes computes the primary digest of every payload that
// could have a duplicate, that is every payload sharing its stored length
// with another, and verifies every unverified payload whose source is still
// unchanged. Payloads that cannot be read are skipped and reported; they
// are retried by the next pass.
func (a *Archive) ComputeMissingHashes(ctx context.Context) (HashReport, error) {
	var report HashReport
	if err := a.checkOpen(); err != nil {
		return report, err
	}

	byLength := make(map[int64]int)
	var binaries []*Entry
	for e := range a.cat.All() {
		if b, ok := e.Content.(*Binary); ok {
			binaries = append(binaries, e)
			byLength[b.Length]++
		}
	}

	var jobs []*hashJob
	for _, e := range binaries {
		b := e.Content.(*Binary) //nolint:errcheck,forcetypeassert // collected as binaries above
		needsHash := b.PrimaryHash == "" && b.Length > 0 && byLength[b.Length] > 1
		needsVerify := !b.Verified && sourceUnchanged(e.Source)
		if !needsHash && !needsVerify {
			continue
		}
		h, err := hasherFor(b.PrimaryHash, a.primary)
		if err != nil {
			report.Failures = append(report.Failures, Failure{Key: e.Key, Op: "hash", Err: err})
			continue
		}
		jobs = append(jobs, &hashJob{entry: e, bin: b, hasher: h, verify: needsVerify})
	}

	a.log().Info("computing missing hashes", "payloads", len(jobs))
	batch := max(a.cfg.workers*4, 1)
	for start := 0; start < len(jobs); start += batch {
		chunk := jobs[start:min(start+batch, len(jobs))]
		if err := a.runHashJobs(ctx, chunk); err != nil {
			return report, err
		}
		for _, j := range chunk {
			a.applyHashJob(ctx, j, &report)
		}
		done := start + len(chunk)
		a.report(ProgressEvent{
			Stage:      StageHashing,
			Message:    fmt.Sprintf("hashed %d of %d payloads", done, len(jobs)),
			FilesDone:  done,
			FilesTotal: len(jobs),
		})
		if err := a.Checkpoint(); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (a *Archive) applyHashJob(ctx context.Context, j *hashJob, report *HashReport) {
	e := j.entry
	if j.err != nil {
		a.fault(StageHashing, report.addFailure, e.Key, "hash", j.err)
		return
	}
	hadHash := j.bin.PrimaryHash != ""
	if !j.verify {
		if !hadHash {
			a.cat.SetHashes(e, j.stored, "")
			report.Hashed++
		}
		return
	}

	verified, err := a.applyVerification(e, j.bin, j.stored, j.source, j.unchanged)
	if errors.Is(err, ErrVerification) {
		var removed bool
		verified, removed, err = a.reverify(ctx, e)
		if removed {
			report.Removed++
		}
	}
	if !hadHash && j.bin.PrimaryHash != "" {
		report.Hashed++
	}
	if err != nil {
		a.fault(StageHashing, report.addFailure, e.Key, "verify", err)
		return
	}
	if verified {
		report.Verified++
	}
}

// runHashJobs opens every job's section serially, then hashes them with at
// most cfg.workers goroutines. Per-job faults are stored on the job; only
// cancellation is returned.
func (a *Archive) runHashJobs(ctx context.Context, jobs []*hashJob) error {
	for _, j := range jobs {
		j.section, j.err = a.section(ctx, j.entry, j.bin)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.workers)
	for _, j := range jobs {
		if j.err != nil {
			continue
		}
		g.Go(func() error {
			j.stored, j.err = a.digestSection(gctx, j.hasher, j.bin, j.section)
			if j.err == nil && j.verify {
				j.source, j.unchanged, j.err = hashSource(gctx, j.hasher, j.entry.Source)
			}
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (r *HashReport) addFailure(f Failure) {
	r.Failures = append(r.Failures, f)
}

// fault logs and reports a per-file fault and hands it to collect.
func (a *Archive) fault(stage ProgressStage, collect func(Failure), key, op string, err error) {
	f := Failure{Key: key, Op: op, Err: err}
	a.log().Warn(op+" failed", "key", key, "error", err)
	a.report(ProgressEvent{Stage: stage, Path: key, Message: f.Error(), Err: err})
	collect(f)
}

// sizeMessage renders a byte count for progress messages.
func sizeMessage(n int64) string {
	u, err := sizing.ToUint64(n, ErrSizeOverflow)
	if err != nil {
		return "invalid size"
	}
	return humanize.IBytes(u)
}
