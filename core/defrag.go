package backup

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
)

// DefragResult describes the outcome of compacting one container.
type DefragResult struct {
	// Swapped is false when the container was already compact or only
	// needed stray bytes past its tail cut off.
	Swapped bool

	// Reclaimed is the number of bytes released from the container file.
	Reclaimed int64

	// Promoted is the number of unclaimed links promoted to links.
	Promoted int
}

// DefragReport summarizes a DefragmentAll pass.
type DefragReport struct {
	// Containers is the number of containers rewritten.
	Containers int

	Reclaimed int64
	Promoted  int
	Failures  Failures
}

func (r *DefragReport) addFailure(f Failure) {
	r.Failures = append(r.Failures, f)
}

// DefragmentAll compacts every container. A container that cannot be
// compacted is left untouched and reported; the others proceed.
func (a *Archive) DefragmentAll(ctx context.Context) (DefragReport, error) {
	var report DefragReport
	if err := a.checkOpen(); err != nil {
		return report, err
	}
	targets := a.cat.Targets()
	for i, t := range targets {
		res, err := a.Defragment(ctx, t.Index())
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			if errors.Is(err, errCatalogueSave) {
				return report, err
			}
			a.fault(StageDefragmenting, report.addFailure, a.reg.Path(t.Index()), "defragment", err)
			continue
		}
		if res.Swapped {
			report.Containers++
		}
		report.Reclaimed += res.Reclaimed
		report.Promoted += res.Promoted
		a.report(ProgressEvent{
			Stage:      StageDefragmenting,
			Path:       a.reg.Path(t.Index()),
			Message:    fmt.Sprintf("container %d: reclaimed %s", t.Index(), sizeMessage(res.Reclaimed)),
			FilesDone:  i + 1,
			FilesTotal: len(targets),
		})
	}
	return report, nil
}

var errCatalogueSave = errors.New("save catalogue after swap")

// Defragment rewrites one container so that only bytes referenced by its
// binary entries remain, packed from offset zero in their existing physical
// order, then promotes the container's unclaimed links.
//
// The copy is written beside the container and every payload in it is
// re-hashed against its recorded primary digest before the swap. Any
// failure before the swap leaves the container and catalogue untouched.
// After the swap the catalogue is saved immediately, since the old offsets
// no longer describe the file. Running Defragment on a compact container
// is a no-op.
func (a *Archive) Defragment(ctx context.Context, index int) (DefragResult, error) {
	var res DefragResult
	if err := a.checkOpen(); err != nil {
		return res, err
	}
	t, ok := a.cat.Target(index)
	if !ok {
		return res, fmt.Errorf("container %d: %w", index, ErrNotFound)
	}
	c := a.reg.Get(index)

	retained := t.Binaries()
	slices.SortStableFunc(retained, func(x, y *Entry) int {
		return cmp.Compare(binaryOf(x).Offset, binaryOf(y).Offset)
	})

	size, err := c.Size()
	if err != nil {
		return res, err
	}
	var cursor int64
	compact := true
	for _, e := range retained {
		b := binaryOf(e)
		if b.Offset != cursor {
			compact = false
		}
		cursor += b.Length
	}
	unclaimed := len(t.UnclaimedLinks())
	if compact && cursor == t.Tail() && unclaimed == 0 {
		if size <= t.Tail() {
			a.log().Debug("container already compact", "container", index)
			return res, nil
		}
		// Only stray bytes past the tail remain; cutting them needs no copy.
		if err := c.Truncate(ctx, t.Tail()); err != nil {
			return res, err
		}
		res.Reclaimed = size - t.Tail()
		a.log().Info("container truncated to tail", "container", index, "reclaimed", sizeMessage(res.Reclaimed))
		return res, nil
	}

	for _, e := range retained {
		b := binaryOf(e)
		if b.PrimaryHash != "" {
			continue
		}
		digest, err := a.payloadDigest(ctx, a.primary, e, b)
		if err != nil {
			return res, fmt.Errorf("hash %s@%d before defragmenting: %w", e.Key, e.Version, err)
		}
		a.cat.SetHashes(e, digest, "")
	}

	tmpPath, offsets, tail, err := a.copyRetained(ctx, index, retained)
	if err != nil {
		return res, err
	}
	if err := a.validateCopy(ctx, tmpPath, retained, offsets); err != nil {
		os.Remove(tmpPath)
		return res, err
	}
	if err := c.Swap(ctx, tmpPath); err != nil {
		os.Remove(tmpPath)
		return res, err
	}
	oldTail := t.Tail()
	if err := a.cat.Relocate(index, offsets, tail); err != nil {
		return res, err
	}
	res.Swapped = true
	res.Reclaimed = max(size, oldTail) - tail
	res.Promoted = a.cat.PromoteUnclaimed(index)

	if err := a.Save(); err != nil {
		return res, fmt.Errorf("%w: %w", errCatalogueSave, err)
	}
	a.log().Info("container defragmented", "container", index,
		"reclaimed", sizeMessage(res.Reclaimed), "promoted", res.Promoted)
	return res, nil
}

// copyRetained streams every retained payload into a temporary file beside
// the container and returns its path, the new offsets and the new tail.
func (a *Archive) copyRetained(ctx context.Context, index int, retained []*Entry) (string, map[*Entry]int64, int64, error) {
	c := a.reg.Get(index)
	tmp, err := a.reg.CreateTemp(index)
	if err != nil {
		return "", nil, 0, err
	}
	fail := func(err error) (string, map[*Entry]int64, int64, error) {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, 0, err
	}

	offsets := make(map[*Entry]int64, len(retained))
	var cursor int64
	for _, e := range retained {
		b := binaryOf(e)
		if err := c.CopyRange(ctx, tmp, b.Offset, b.Length); err != nil {
			return fail(fmt.Errorf("copy %s@%d: %w", e.Key, e.Version, err))
		}
		offsets[e] = cursor
		cursor += b.Length
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, 0, err
	}
	return tmp.Name(), offsets, cursor, nil
}

// validateCopy re-hashes every payload at its new offset in the copy.
func (a *Archive) validateCopy(ctx context.Context, path string, retained []*Entry, offsets map[*Entry]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, e := range retained {
		b := binaryOf(e)
		h, err := hasherFor(b.PrimaryHash, a.primary)
		if err != nil {
			return err
		}
		moved := *b
		moved.Offset = offsets[e]
		digest, err := a.digestSection(ctx, h, &moved, io.NewSectionReader(f, moved.Offset, moved.Length))
		if err != nil {
			return fmt.Errorf("validate copy of %s@%d: %w", e.Key, e.Version, err)
		}
		if digest != b.PrimaryHash {
			return fmt.Errorf("%w: copy of %s@%d is %s, recorded %s", ErrVerification, e.Key, e.Version, digest, b.PrimaryHash)
		}
	}
	return nil
}
