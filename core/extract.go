package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

// ExtractReport summarizes an ExtractAll pass.
type ExtractReport struct {
	// Written is the number of files written.
	Written int

	// Skipped is the number of files left alone because the destination was
	// at least as new as the recorded version.
	Skipped int

	// Deleted is the number of keys whose newest version is a tombstone.
	Deleted int

	// Bytes is the number of uncompressed bytes written.
	Bytes int64

	Failures Failures
}

func (r *ExtractReport) addFailure(f Failure) {
	r.Failures = append(r.Failures, f)
}

// DestinationPath returns where e is extracted under dest:
// dest/RelativePath/Name.
func DestinationPath(dest string, e *Entry) (string, error) {
	rel := filepath.Join(e.Source.RelativePath, e.Source.Name)
	if e.Source.Name == "" || !filepath.IsLocal(rel) {
		return "", &fs.PathError{Op: "extract", Path: rel, Err: fs.ErrInvalid}
	}
	return filepath.Join(dest, rel), nil
}

// Extract writes the content of e to dest/RelativePath/Name, following
// links to the stored payload; a link is written to its own location.
//
// The file is skipped, and false returned, when the destination already
// exists with a modification time at or after the recorded one. Otherwise
// the content is written beside the destination and renamed over it, so a
// failure leaves any existing file intact, and the recorded modification
// time is applied.
func (a *Archive) Extract(ctx context.Context, e *Entry, dest string) (bool, error) {
	_, written, err := a.extract(ctx, e, dest)
	return written, err
}

func (a *Archive) extract(ctx context.Context, e *Entry, dest string) (int64, bool, error) {
	if err := a.checkOpen(); err != nil {
		return 0, false, err
	}
	path, err := DestinationPath(dest, e)
	if err != nil {
		return 0, false, err
	}
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return 0, false, &fs.PathError{Op: "extract", Path: path, Err: errors.New("is a directory")}
		}
		if !info.ModTime().Before(e.Source.ModTime) {
			a.log().Debug("destination is newer, skipped", "path", path)
			return 0, false, nil
		}
	}

	bin, err := a.ResolveEntry(e)
	if err != nil {
		return 0, false, err
	}
	b := binaryOf(bin)

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, false, fmt.Errorf("create destination directory: %w", err)
	}
	pf, err := renameio.TempFile(filepath.Dir(path), path)
	if err != nil {
		return 0, false, fmt.Errorf("create temp file: %w", err)
	}
	defer pf.Cleanup() //nolint:errcheck // no-op after a successful replace

	// Copy the stored bytes out of the container before decoding them.
	staged, err := a.reg.Get(bin.Container()).Extract(ctx, a.dir, b.Offset, b.Length)
	if err != nil {
		return 0, false, fmt.Errorf("extract %s@%d: %w", e.Key, e.Version, err)
	}
	defer os.Remove(staged)
	payload, err := os.Open(staged)
	if err != nil {
		return 0, false, err
	}
	defer payload.Close()
	n, err := a.comp.Decompress(ctx, b.Compression, pf, payload)
	if err != nil {
		return 0, false, fmt.Errorf("extract %s@%d: %w", e.Key, e.Version, err)
	}
	if a.cfg.validateOnExtract {
		if err := a.validateExtracted(ctx, pf.File, bin, b); err != nil {
			return 0, false, err
		}
	}
	if err := pf.Chmod(0o644); err != nil {
		return 0, false, fmt.Errorf("setting mode: %w", err)
	}
	if err := os.Chtimes(pf.Name(), e.Source.ModTime, e.Source.ModTime); err != nil {
		return 0, false, fmt.Errorf("setting times: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return 0, false, fmt.Errorf("replace %s: %w", path, err)
	}
	return n, true, nil
}

// validateExtracted re-hashes the written file against the recorded digest
// of the payload it came from.
func (a *Archive) validateExtracted(ctx context.Context, f *os.File, bin *Entry, b *Binary) error {
	want, fallback := b.PrimaryHash, a.primary
	if want == "" {
		want, fallback = b.SecondaryHash, a.secondary
	}
	if want == "" {
		a.log().Debug("no recorded digest, extraction not validated", "key", bin.Key, "version", bin.Version)
		return nil
	}
	h, err := hasherFor(want, fallback)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	got, err := h.Hash(ctx, f)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: extracted %s@%d is %s, recorded %s", ErrVerification, bin.Key, bin.Version, got, want)
	}
	return nil
}

// ExtractAll reconstructs the current tree under dest: the newest version
// of every key, skipping keys whose newest version is a tombstone.
// Per-file faults are collected in the report and do not stop the pass.
func (a *Archive) ExtractAll(ctx context.Context, dest string) (ExtractReport, error) {
	var report ExtractReport
	if err := a.checkOpen(); err != nil {
		return report, err
	}
	keys := a.cat.Keys()
	a.log().Info("extracting", "dest", dest, "keys", len(keys))
	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		e, ok := a.cat.FindNewest(key)
		if !ok {
			continue
		}
		if e.Deleted {
			report.Deleted++
			continue
		}
		n, written, err := a.extract(ctx, e, dest)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			a.fault(StageExtracting, report.addFailure, key, "extract", err)
			continue
		}
		if !written {
			report.Skipped++
		} else {
			report.Written++
			report.Bytes += n
		}
		a.report(ProgressEvent{
			Stage:      StageExtracting,
			Path:       key,
			Message:    fmt.Sprintf("extracted %d of %d files, %s", i+1, len(keys), sizeMessage(report.Bytes)),
			BytesDone:  uint64(report.Bytes), //nolint:gosec // non-negative
			FilesDone:  i + 1,
			FilesTotal: len(keys),
		})
	}
	a.log().Info("extraction finished", "written", report.Written, "skipped", report.Skipped,
		"deleted", report.Deleted, "failures", len(report.Failures))
	return report, nil
}

// ExtractOne extracts a single version of key under dest. Version zero
// selects the newest version. Unlike ExtractAll, a tombstoned version is
// extracted.
func (a *Archive) ExtractOne(ctx context.Context, key string, version int, dest string) (bool, error) {
	var (
		e   *Entry
		err error
	)
	if version == 0 {
		e, err = a.FindNewest(key)
	} else {
		e, err = a.FindVersion(key, version)
	}
	if err != nil {
		return false, err
	}
	return a.Extract(ctx, e, dest)
}
