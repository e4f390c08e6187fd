package backup

import (
	"context"
	"errors"
	"fmt"
)

// Verify re-hashes the stored payload of e and compares it with a fresh hash
// of its source file, marking the entry Verified on a match.
//
// The result is false without an error when the source is missing or was
// modified since capture; such a source proves nothing about the payload.
// A mismatch against an unchanged source, or stored bytes that no longer
// match the recorded primary digest, is reported as ErrVerification.
// Verify never removes entries.
func (a *Archive) Verify(ctx context.Context, e *Entry) (bool, error) {
	if err := a.checkOpen(); err != nil {
		return false, err
	}
	b, ok := e.Content.(*Binary)
	if !ok {
		return false, fmt.Errorf("verify %s@%d: %s entry has no payload: %w", e.Key, e.Version, e.Kind(), ErrNotFound)
	}
	h, err := hasherFor(b.PrimaryHash, a.primary)
	if err != nil {
		return false, err
	}
	stored, err := a.payloadDigest(ctx, h, e, b)
	if err != nil {
		return false, fmt.Errorf("verify %s@%d: %w", e.Key, e.Version, err)
	}
	source, unchanged, err := hashSource(ctx, h, e.Source)
	if err != nil {
		return false, fmt.Errorf("verify %s@%d: %w", e.Key, e.Version, err)
	}
	return a.applyVerification(e, b, stored, source, unchanged)
}

// applyVerification records the outcome of hashing a payload and, when the
// source was unchanged, its live source. A missing primary digest is only
// recorded once the stored bytes are known to be good or cannot be checked.
func (a *Archive) applyVerification(e *Entry, b *Binary, stored, source string, unchanged bool) (bool, error) {
	if b.PrimaryHash != "" && stored != b.PrimaryHash {
		return false, fmt.Errorf("%w: %s@%d stored content is %s, recorded %s",
			ErrVerification, e.Key, e.Version, stored, b.PrimaryHash)
	}
	if unchanged && stored != source {
		return false, fmt.Errorf("%w: %s@%d stored content differs from unchanged source",
			ErrVerification, e.Key, e.Version)
	}
	if b.PrimaryHash == "" {
		a.cat.SetHashes(e, stored, "")
	}
	if !unchanged {
		return false, nil
	}
	b.Verified = true
	return true, nil
}

// verifyOrRemove verifies e and settles a mismatch with reverify.
func (a *Archive) verifyOrRemove(ctx context.Context, e *Entry) (bool, error) {
	ok, err := a.Verify(ctx, e)
	if !errors.Is(err, ErrVerification) {
		return ok, err
	}
	ok, _, err = a.reverify(ctx, e)
	return ok, err
}

// reverify is the one re-attempt after a verification mismatch. A persistent
// mismatch removes e from the catalogue, reported by the second result,
// unless another entry links to it; its bytes become orphaned until the next
// defragmentation.
func (a *Archive) reverify(ctx context.Context, e *Entry) (bool, bool, error) {
	a.log().Warn("verification mismatch, retrying", "key", e.Key, "version", e.Version)
	ok, err := a.Verify(ctx, e)
	if !errors.Is(err, ErrVerification) {
		return ok, false, err
	}
	if a.isLinkTarget(e) {
		a.log().Error("verification failed for linked content", "key", e.Key, "version", e.Version, "error", err)
		return false, false, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	a.cat.Remove(e)
	a.log().Error("verification failed, entry removed", "key", e.Key, "version", e.Version, "error", err)
	return false, true, err
}

// isLinkTarget reports whether any link names e.
func (a *Archive) isLinkTarget(e *Entry) bool {
	for other := range a.cat.All() {
		var l *Link
		switch c := other.Content.(type) {
		case *Link:
			l = c
		case *UnclaimedLink:
			l = &c.Link
		default:
			continue
		}
		if l.Key == e.Key && l.Version == e.Version {
			return true
		}
	}
	return false
}
