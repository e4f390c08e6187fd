package backup

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/meigma/smartbackup/core/internal/catalogue"
)

// DedupReport summarizes a Deduplicate pass.
type DedupReport struct {
	// Groups is the number of certified duplicate groups.
	Groups int

	// Linked is the number of payload entries replaced by unclaimed links.
	Linked int

	// Reclaimable is the number of stored bytes the next defragmentation
	// can release.
	Reclaimable int64

	// Removed is the number of entries dropped after failing verification
	// against an unchanged source.
	Removed int

	Failures Failures
}

func (r *DedupReport) addFailure(f Failure) {
	r.Failures = append(r.Failures, f)
}

type replacement struct {
	old, repl *Entry
}

// Deduplicate finds payloads with identical content and replaces all but
// one of each set with an unclaimed link to the survivor.
//
// Candidates are grouped by stored length, then by primary digest, and are
// certified only when their secondary digests also match. The survivor is
// the first member, in catalogue order, verified against its live source.
// Replacements are planned over a snapshot and applied after grouping
// completes.
func (a *Archive) Deduplicate(ctx context.Context) (DedupReport, error) {
	var report DedupReport
	if err := a.checkOpen(); err != nil {
		return report, err
	}

	lengthGroups := groupBy(a.binaries(), func(b *Binary) (string, bool) {
		if b.Length == 0 {
			return "", false
		}
		return strconv.FormatInt(b.Length, 10), true
	})

	var needPrimary []*Entry
	for _, g := range lengthGroups {
		for _, e := range g {
			if binaryOf(e).PrimaryHash == "" {
				needPrimary = append(needPrimary, e)
			}
		}
	}
	if err := a.fillDigests(ctx, needPrimary, true, &report); err != nil {
		return report, err
	}

	var primaryGroups [][]*Entry
	for _, g := range lengthGroups {
		primaryGroups = append(primaryGroups, a.groupByPrimary(g)...)
	}

	var needSecondary []*Entry
	for _, g := range primaryGroups {
		for _, e := range g {
			if binaryOf(e).SecondaryHash == "" {
				needSecondary = append(needSecondary, e)
			}
		}
	}
	if err := a.fillDigests(ctx, needSecondary, false, &report); err != nil {
		return report, err
	}

	var plan []replacement
	for _, pg := range primaryGroups {
		for _, g := range groupBy(pg, func(b *Binary) (string, bool) {
			return b.SecondaryHash, b.SecondaryHash != ""
		}) {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			rep, members := a.pickRepresentative(ctx, g, &report)
			if rep == nil || len(members) < 2 {
				continue
			}
			report.Groups++
			for _, e := range members {
				if e == rep {
					continue
				}
				plan = append(plan, replacement{old: e, repl: catalogue.NewUnclaimedLink(e, rep)})
			}
		}
	}

	for _, r := range plan {
		if err := a.cat.Replace(r.old, r.repl); err != nil {
			a.fault(StageDeduplicating, report.addFailure, r.old.Key, "deduplicate", err)
			continue
		}
		report.Linked++
		report.Reclaimable += binaryOf(r.old).Length
		a.log().Debug("linked duplicate", "key", r.old.Key, "version", r.old.Version,
			"target_key", r.repl.Content.(*UnclaimedLink).Key) //nolint:errcheck,forcetypeassert // built by NewUnclaimedLink
	}

	a.log().Info("deduplicated", "groups", report.Groups, "linked", report.Linked,
		"reclaimable", sizeMessage(report.Reclaimable))
	a.report(ProgressEvent{
		Stage:   StageDeduplicating,
		Message: fmt.Sprintf("linked %d duplicates, %s reclaimable", report.Linked, sizeMessage(report.Reclaimable)),
	})
	return report, nil
}

// fillDigests computes the primary or secondary digest of every entry in
// entries. Entries that cannot be hashed keep an empty digest and drop out
// of grouping for this pass.
func (a *Archive) fillDigests(ctx context.Context, entries []*Entry, primary bool, report *DedupReport) error {
	jobs := make([]*hashJob, 0, len(entries))
	for _, e := range entries {
		h := a.secondary
		if primary {
			h = a.primary
		}
		jobs = append(jobs, &hashJob{entry: e, bin: binaryOf(e), hasher: h})
	}
	batch := max(a.cfg.workers*4, 1)
	for start := 0; start < len(jobs); start += batch {
		chunk := jobs[start:min(start+batch, len(jobs))]
		if err := a.runHashJobs(ctx, chunk); err != nil {
			return err
		}
		for _, j := range chunk {
			if j.err != nil {
				a.fault(StageDeduplicating, report.addFailure, j.entry.Key, "hash", j.err)
				continue
			}
			if primary {
				a.cat.SetHashes(j.entry, j.stored, "")
			} else {
				a.cat.SetHashes(j.entry, "", j.stored)
			}
		}
		if err := a.Checkpoint(); err != nil {
			return err
		}
	}
	return nil
}

// pickRepresentative returns the survivor of a certified group and the
// members that may be linked to it. Members failing verification are
// excluded and reported; a persistent mismatch also removes the entry. When no member can be verified, because every
// source changed or disappeared, the first member survives.
func (a *Archive) pickRepresentative(ctx context.Context, group []*Entry, report *DedupReport) (*Entry, []*Entry) {
	for _, e := range group {
		if binaryOf(e).Verified {
			return e, group
		}
	}
	members := make([]*Entry, 0, len(group))
	var rep *Entry
	for _, e := range group {
		if rep != nil {
			members = append(members, e)
			continue
		}
		ok, err := a.Verify(ctx, e)
		if errors.Is(err, ErrVerification) {
			var removed bool
			ok, removed, err = a.reverify(ctx, e)
			if removed {
				report.Removed++
			}
		}
		if err != nil {
			a.fault(StageDeduplicating, report.addFailure, e.Key, "verify", err)
			continue
		}
		members = append(members, e)
		if ok {
			rep = e
		}
	}
	if rep == nil && len(members) > 0 {
		rep = members[0]
	}
	return rep, members
}

// binaries returns every binary entry in catalogue order.
func (a *Archive) binaries() []*Entry {
	var out []*Entry
	for e := range a.cat.All() {
		if _, ok := e.Content.(*Binary); ok {
			out = append(out, e)
		}
	}
	return out
}

func binaryOf(e *Entry) *Binary {
	b, _ := e.Content.(*Binary)
	return b
}

// groupBy partitions binary entries by key, preserving first-seen order of
// groups and of members. Entries for which key reports false are dropped,
// as are groups with a single member.
// groupByPrimary splits a length group into sets sharing a primary digest,
// using the catalogue's digest index. Members keep their order within g.
func (a *Archive) groupByPrimary(g []*Entry) [][]*Entry {
	pos := make(map[*Entry]int, len(g))
	for i, e := range g {
		pos[e] = i
	}
	seen := make(map[string]bool)
	var groups [][]*Entry
	for _, e := range g {
		h := binaryOf(e).PrimaryHash
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		var members []*Entry
		for _, m := range a.cat.ByHash(h) {
			if _, ok := pos[m]; ok {
				members = append(members, m)
			}
		}
		if len(members) < 2 {
			continue
		}
		slices.SortFunc(members, func(x, y *Entry) int {
			return cmp.Compare(pos[x], pos[y])
		})
		groups = append(groups, members)
	}
	return groups
}

func groupBy(entries []*Entry, key func(*Binary) (string, bool)) [][]*Entry {
	index := make(map[string]int)
	var groups [][]*Entry
	for _, e := range entries {
		k, ok := key(binaryOf(e))
		if !ok {
			continue
		}
		i, seen := index[k]
		if !seen {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}
	out := groups[:0]
	for _, g := range groups {
		if len(g) > 1 {
			out = append(out, g)
		}
	}
	return out
}
