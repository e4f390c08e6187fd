package smartbackup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	backup "github.com/meigma/smartbackup/core"
	"github.com/meigma/smartbackup/internal/scan"
)

// Runner drives backup, tombstoning, maintenance and extraction passes over
// one archive directory.
type Runner struct {
	archive *backup.Archive
	scanner *scan.Scanner
	logger  *slog.Logger
	report  ProgressFunc
}

// BackupReport summarizes a backup pass.
type BackupReport struct {
	// Scanned is the number of regular files found in the source tree.
	Scanned int

	// Inserted is the number of new versions recorded.
	Inserted int

	// Unchanged is the number of files whose newest version was current.
	Unchanged int

	// Retried is the number of files that failed once and were tried again.
	Retried int

	// Bytes is the source size of the inserted versions.
	Bytes uint64

	// Duration is the wall time of the pass.
	Duration time.Duration

	// Failures holds the files that still failed after the retry.
	Failures Failures
}

// DeletedReport summarizes a tombstoning pass.
type DeletedReport struct {
	// Marked is the number of keys whose newest version was tombstoned.
	Marked int

	Failures Failures
}

// NewRunner opens, or creates, the archive in targetDir.
func NewRunner(targetDir string, opts ...Option) (*Runner, error) {
	var cfg runnerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	dir, err := filepath.Abs(targetDir)
	if err != nil {
		return nil, fmt.Errorf("resolve target directory: %w", err)
	}

	archiveOpts := append([]backup.Option{}, cfg.archiveOpts...)
	if cfg.logger != nil {
		archiveOpts = append(archiveOpts, backup.WithLogger(cfg.logger))
	}
	if cfg.progress != nil {
		archiveOpts = append(archiveOpts, backup.WithProgress(cfg.progress))
	}
	a, err := backup.Open(dir, archiveOpts...)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		archive: a,
		logger:  cfg.logger,
		report:  cfg.progress,
	}
	r.scanner = scan.New(
		scan.WithIgnoredExtensions(cfg.ignored...),
		scan.WithExcludedDirs(a.Dir()),
		scan.WithLogger(cfg.logger),
		scan.WithProgress(func(found int) {
			r.progress(ProgressEvent{
				Stage:     StageScanning,
				Message:   fmt.Sprintf("%d files found", found),
				FilesDone: found,
			})
		}),
	)
	return r, nil
}

func (r *Runner) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.New(slog.DiscardHandler)
}

func (r *Runner) progress(ev ProgressEvent) {
	if r.report != nil {
		r.report(ev)
	}
}

// Archive returns the underlying archive.
func (r *Runner) Archive() *backup.Archive {
	return r.archive
}

// Backup scans source and records a new version of every new or changed
// file. Files that fail are retried once at the end of the pass; those that
// fail again are returned in the report. The catalogue is checkpointed
// between files and saved when the pass ends.
//
// A non-nil error means the pass itself stopped: the context was canceled,
// the scan failed or the catalogue could not be saved.
func (r *Runner) Backup(ctx context.Context, source string) (BackupReport, error) {
	start := time.Now()
	var report BackupReport

	root, err := filepath.Abs(source)
	if err != nil {
		return report, fmt.Errorf("resolve source directory: %w", err)
	}
	r.log().Info("backup started", "source", root, "target", r.archive.Dir())

	files, err := r.scanner.Scan(ctx, root)
	if err != nil {
		return report, err
	}
	report.Scanned = len(files)

	var retry []backup.FileInfo
	for i, info := range files {
		if err := ctx.Err(); err != nil {
			return report, r.finish(&report, start, err)
		}
		if err := r.insert(ctx, &report, info, i+1, len(files)); err != nil {
			if retryable(err) {
				r.log().Debug("insert failed, will retry", "path", info.Path, "error", err)
				retry = append(retry, info)
			} else {
				r.fault(&report.Failures, StageBackingUp, info.Path, "insert", err)
			}
		}
		if err := r.archive.Checkpoint(); err != nil {
			return report, r.finish(&report, start, err)
		}
	}

	for i, info := range retry {
		if err := ctx.Err(); err != nil {
			return report, r.finish(&report, start, err)
		}
		report.Retried++
		if err := r.insert(ctx, &report, info, i+1, len(retry)); err != nil {
			r.fault(&report.Failures, StageBackingUp, info.Path, "insert", err)
		}
		if err := r.archive.Checkpoint(); err != nil {
			return report, r.finish(&report, start, err)
		}
	}

	if err := r.finish(&report, start, nil); err != nil {
		return report, err
	}
	r.log().Info("backup finished",
		"scanned", report.Scanned,
		"inserted", report.Inserted,
		"unchanged", report.Unchanged,
		"failed", len(report.Failures),
		"bytes", humanize.IBytes(report.Bytes),
		"duration", report.Duration)
	return report, nil
}

func (r *Runner) insert(ctx context.Context, report *BackupReport, info backup.FileInfo, done, total int) error {
	e, created, err := r.archive.InsertVersion(ctx, info)
	if err != nil {
		return err
	}
	if !created {
		report.Unchanged++
		return nil
	}
	report.Inserted++
	if e.Source.Size > 0 {
		report.Bytes += uint64(e.Source.Size)
	}
	r.progress(ProgressEvent{
		Stage:      StageBackingUp,
		Path:       info.Path,
		Message:    fmt.Sprintf("%s version %d (%s)", info.Path, e.Version, humanize.IBytes(uint64(max(e.Source.Size, 0)))),
		BytesDone:  report.Bytes,
		FilesDone:  done,
		FilesTotal: total,
	})
	return nil
}

// finish saves the catalogue at the end of a pass. cause, when set, is the
// error that ended the pass early and takes precedence over a save error.
func (r *Runner) finish(report *BackupReport, start time.Time, cause error) error {
	report.Duration = time.Since(start)
	saveErr := r.archive.Save()
	if cause != nil {
		if saveErr != nil {
			r.log().Error("save catalogue", "error", saveErr)
		}
		return cause
	}
	return saveErr
}

// retryable reports whether a per-file fault may clear on a second attempt.
func retryable(err error) bool {
	switch {
	case errors.Is(err, backup.ErrTooLarge),
		errors.Is(err, backup.ErrSymlink),
		errors.Is(err, backup.ErrNotRegular),
		errors.Is(err, backup.ErrClosed):
		return false
	}
	return true
}

func (r *Runner) fault(dst *Failures, stage ProgressStage, key, op string, err error) {
	r.log().Warn(op+" failed", "key", key, "error", err)
	r.progress(ProgressEvent{
		Stage:   stage,
		Path:    key,
		Message: fmt.Sprintf("%s %s failed", op, key),
		Err:     err,
	})
	*dst = append(*dst, Failure{Key: key, Op: op, Err: err})
}

// IdentifyDeleted tombstones every key whose source file is gone and saves
// the catalogue.
func (r *Runner) IdentifyDeleted(ctx context.Context) (DeletedReport, error) {
	marked, failures, err := r.archive.MarkDeletedIfMissing(ctx)
	report := DeletedReport{Marked: marked, Failures: failures}
	saveErr := r.archive.Save()
	if err != nil {
		return report, err
	}
	return report, saveErr
}

// Maintain computes missing hashes, links duplicate payloads and compacts
// every container. The catalogue is saved after each stage.
func (r *Runner) Maintain(ctx context.Context) (MaintenanceReport, error) {
	start := time.Now()
	report, err := r.archive.RunMaintenance(ctx)
	if err != nil {
		return report, err
	}
	r.log().Info("maintenance finished",
		"hashed", report.Hash.Hashed,
		"linked", report.Dedup.Linked,
		"reclaimed", humanize.IBytes(uint64(max(report.Defrag.Reclaimed, 0))),
		"failed", len(report.Failures()),
		"duration", time.Since(start))
	return report, nil
}

// ExtractAll reconstructs the newest live version of every key under dest.
func (r *Runner) ExtractAll(ctx context.Context, dest string) (ExtractReport, error) {
	return r.archive.ExtractAll(ctx, dest)
}

// ExtractOne reconstructs a single version of key under dest. Version 0
// selects the newest version. A relative key is resolved against the
// working directory.
func (r *Runner) ExtractOne(ctx context.Context, key string, version int, dest string) (bool, error) {
	abs, err := filepath.Abs(key)
	if err != nil {
		return false, fmt.Errorf("resolve key: %w", err)
	}
	return r.archive.ExtractOne(ctx, abs, version, dest)
}

// Close saves the catalogue and releases every container.
func (r *Runner) Close() error {
	saveErr := r.archive.Save()
	if errors.Is(saveErr, backup.ErrClosed) {
		saveErr = nil
	}
	return errors.Join(saveErr, r.archive.Close())
}
