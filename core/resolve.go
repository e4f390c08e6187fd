package backup

import "fmt"

// Resolve returns the binary entry holding the content of (key, version),
// following links. Version zero selects the newest version. Deleted
// versions resolve normally.
func (a *Archive) Resolve(key string, version int) (*Entry, error) {
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
		return nil, err
	}
	return a.ResolveEntry(e)
}

// ResolveEntry follows e's link chain to the binary entry holding its
// content. A chain longer than the number of catalogue entries must
// contain a cycle and is reported as ErrCorrupt, as is a link to a missing
// entry.
func (a *Archive) ResolveEntry(e *Entry) (*Entry, error) {
	limit := a.cat.Len()
	cur := e
	for hops := 0; ; hops++ {
		if hops > limit {
			return nil, fmt.Errorf("%w: link chain from %s@%d exceeds %d hops", ErrCorrupt, e.Key, e.Version, limit)
		}
		var target Link
		switch c := cur.Content.(type) {
		case *Binary:
			return cur, nil
		case *Link:
			target = *c
		case *UnclaimedLink:
			target = c.Link
		default:
			return nil, fmt.Errorf("%w: %s@%d has no content", ErrCorrupt, cur.Key, cur.Version)
		}
		next, ok := a.cat.FindVersion(target.Key, target.Version)
		if !ok {
			return nil, fmt.Errorf("%w: %s@%d links to missing %s@%d",
				ErrCorrupt, cur.Key, cur.Version, target.Key, target.Version)
		}
		cur = next
	}
}
