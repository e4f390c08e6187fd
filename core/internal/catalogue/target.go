package catalogue

import (
	"iter"
	"slices"
)

// Target is the catalogue of one container: its entries in insertion order,
// a key index supporting several versions per key, and the container tail.
type Target struct {
	index   int
	tail    int64
	entries []*Entry
	byKey   map[string][]*Entry
}

func newTarget(index int) *Target {
	return &Target{
		index: index,
		byKey: make(map[string][]*Entry),
	}
}

// Index returns the container index.
func (t *Target) Index() int {
	return t.index
}

// Tail returns the offset one past the last committed payload byte; the
// next append point.
func (t *Target) Tail() int64 {
	return t.tail
}

// SetTail moves the append point. The caller owns tail bookkeeping: it is
// advanced after an append and lowered only by defragmentation.
func (t *Target) SetTail(tail int64) {
	t.tail = tail
}

// Len returns the number of entries.
func (t *Target) Len() int {
	return len(t.entries)
}

// All iterates entries in insertion order.
func (t *Target) All() iter.Seq[*Entry] {
	return slices.Values(t.entries)
}

// Binaries returns the entries holding a payload in this container.
func (t *Target) Binaries() []*Entry {
	var out []*Entry
	for _, e := range t.entries {
		if _, ok := e.Content.(*Binary); ok {
			out = append(out, e)
		}
	}
	return out
}

// UnclaimedLinks returns the entries whose replaced bytes are still present.
func (t *Target) UnclaimedLinks() []*Entry {
	var out []*Entry
	for _, e := range t.entries {
		if _, ok := e.Content.(*UnclaimedLink); ok {
			out = append(out, e)
		}
	}
	return out
}

func (t *Target) versions(key string) []*Entry {
	return t.byKey[key]
}

func (t *Target) add(e *Entry) {
	e.container = t.index
	t.entries = append(t.entries, e)
	t.byKey[e.Key] = append(t.byKey[e.Key], e)
}

func (t *Target) remove(e *Entry) bool {
	i := slices.Index(t.entries, e)
	if i < 0 {
		return false
	}
	t.entries = slices.Delete(t.entries, i, i+1)

	versions := t.byKey[e.Key]
	if j := slices.Index(versions, e); j >= 0 {
		versions = slices.Delete(versions, j, j+1)
	}
	if len(versions) == 0 {
		delete(t.byKey, e.Key)
	} else {
		t.byKey[e.Key] = versions
	}
	return true
}

func (t *Target) replace(old, repl *Entry) bool {
	i := slices.Index(t.entries, old)
	if i < 0 {
		return false
	}
	repl.container = t.index
	t.entries[i] = repl
	versions := t.byKey[old.Key]
	if j := slices.Index(versions, old); j >= 0 {
		versions[j] = repl
	}
	return true
}

// rebuildIndex recomputes the key index from the entry list.
func (t *Target) rebuildIndex() {
	t.byKey = make(map[string][]*Entry, len(t.entries))
	for _, e := range t.entries {
		e.container = t.index
		t.byKey[e.Key] = append(t.byKey[e.Key], e)
	}
}

// highWater returns the largest end offset of any byte range the catalogue
// still knows about.
func (t *Target) highWater() int64 {
	var hw int64
	for _, e := range t.entries {
		switch c := e.Content.(type) {
		case *Binary:
			hw = max(hw, c.End())
		case *UnclaimedLink:
			hw = max(hw, c.Offset+c.Length)
		}
	}
	return hw
}
