package catalogue

import (
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/google/uuid"

	"github.com/meigma/smartbackup/core/internal/backuptype"
	"github.com/meigma/smartbackup/core/internal/sizing"
)

// Catalogue is the root aggregate of an archive: the per-container targets,
// the content-hash index used for deduplication, and the archive settings
// that are persisted alongside them.
type Catalogue struct {
	id        uuid.UUID
	maxSizeMB int
	pattern   string
	targets   []*Target
	byIndex   map[int]*Target
	byHash    map[string][]*Entry
	count     int
}

// New creates an empty catalogue for containers of maxSizeMB megabytes whose
// files are named after pattern.
func New(maxSizeMB int, pattern string) *Catalogue {
	return &Catalogue{
		id:        uuid.New(),
		maxSizeMB: maxSizeMB,
		pattern:   pattern,
		byIndex:   make(map[int]*Target),
		byHash:    make(map[string][]*Entry),
	}
}

// ID returns the archive identity assigned at creation.
func (c *Catalogue) ID() uuid.UUID {
	return c.id
}

// MaxSizeMB returns the container capacity in megabytes.
func (c *Catalogue) MaxSizeMB() int {
	return c.maxSizeMB
}

// FilenamePattern returns the prefix used to derive on-disk names.
func (c *Catalogue) FilenamePattern() string {
	return c.pattern
}

// Capacity returns the container capacity in bytes.
func (c *Catalogue) Capacity() int64 {
	capacity, ok := sizing.CapacityBytes(c.maxSizeMB)
	if !ok {
		return 0
	}
	return capacity
}

// Len returns the number of entries across all targets.
func (c *Catalogue) Len() int {
	return c.count
}

// Targets returns the targets in container order.
func (c *Catalogue) Targets() []*Target {
	return slices.Clone(c.targets)
}

// Target returns the target for a container index.
func (c *Catalogue) Target(index int) (*Target, bool) {
	t, ok := c.byIndex[index]
	return t, ok
}

// All iterates every entry, target by target in insertion order.
func (c *Catalogue) All() iter.Seq[*Entry] {
	return func(yield func(*Entry) bool) {
		for _, t := range c.targets {
			for _, e := range t.entries {
				if !yield(e) {
					return
				}
			}
		}
	}
}

// Keys returns every distinct key in first-recorded order.
func (c *Catalogue) Keys() []string {
	seen := make(map[string]struct{})
	var keys []string
	for e := range c.All() {
		if _, ok := seen[e.Key]; ok {
			continue
		}
		seen[e.Key] = struct{}{}
		keys = append(keys, e.Key)
	}
	return keys
}

// Versions returns every recorded version of key in ascending order.
func (c *Catalogue) Versions(key string) []*Entry {
	var out []*Entry
	for _, t := range c.targets {
		out = append(out, t.versions(key)...)
	}
	slices.SortFunc(out, func(a, b *Entry) int { return a.Version - b.Version })
	return out
}

// FindNewest returns the entry with the highest version for key. Deleted
// versions are included; deletion is a property of a version.
func (c *Catalogue) FindNewest(key string) (*Entry, bool) {
	var newest *Entry
	for _, t := range c.targets {
		for _, e := range t.versions(key) {
			if newest == nil || e.Version > newest.Version {
				newest = e
			}
		}
	}
	return newest, newest != nil
}

// FindVersion returns the entry recorded for (key, version).
func (c *Catalogue) FindVersion(key string, version int) (*Entry, bool) {
	for _, t := range c.targets {
		for _, e := range t.versions(key) {
			if e.Version == version {
				return e, true
			}
		}
	}
	return nil, false
}

// AddTarget allocates a target with the next unused container index.
func (c *Catalogue) AddTarget() *Target {
	next := 0
	for _, t := range c.targets {
		next = max(next, t.index+1)
	}
	t := newTarget(next)
	c.targets = append(c.targets, t)
	c.byIndex[next] = t
	return t
}

// SelectTarget returns the first target with at least required bytes of
// spare capacity, allocating a new one when none qualifies. The second
// result reports whether the target was newly allocated.
//
// A payload larger than an empty container fails with ErrTooLarge.
func (c *Catalogue) SelectTarget(required int64) (*Target, bool, error) {
	capacity := c.Capacity()
	if required < 0 || required > capacity {
		return nil, false, fmt.Errorf("%w: %d bytes, capacity %d", backuptype.ErrTooLarge, required, capacity)
	}
	for _, t := range c.targets {
		if capacity-t.tail >= required {
			return t, false, nil
		}
	}
	return c.AddTarget(), true, nil
}

// Record appends e to the target of container index. The version must be
// positive and strictly newer than every recorded version of the key.
func (c *Catalogue) Record(index int, e *Entry) error {
	t, ok := c.byIndex[index]
	if !ok {
		return fmt.Errorf("container %d: %w", index, backuptype.ErrNotFound)
	}
	if e.Key == "" {
		return errors.New("catalogue: entry has no key")
	}
	if e.Version < 1 {
		return fmt.Errorf("%w: %s version %d is not positive", backuptype.ErrVersionConflict, e.Key, e.Version)
	}
	if newest, ok := c.FindNewest(e.Key); ok && e.Version <= newest.Version {
		return fmt.Errorf("%w: %s version %d is not newer than %d", backuptype.ErrVersionConflict, e.Key, e.Version, newest.Version)
	}
	if b, ok := e.Content.(*Binary); ok {
		if end, ok := sizing.AddInt64(b.Offset, b.Length); !ok || end > c.Capacity() {
			return fmt.Errorf("%w: %s range at %d length %d outside container", backuptype.ErrCorrupt, e.Key, b.Offset, b.Length)
		}
	}
	t.add(e)
	c.indexHash(e)
	c.count++
	return nil
}

// Remove deletes e from its target and every index. It is used only when a
// freshly inserted entry fails verification; the payload bytes become
// orphaned until the next defragmentation.
func (c *Catalogue) Remove(e *Entry) bool {
	t, ok := c.byIndex[e.container]
	if !ok || !t.remove(e) {
		return false
	}
	c.unindexHash(e)
	c.count--
	return true
}

// Replace substitutes repl for old in place. Both must carry the same
// (Key, Version).
func (c *Catalogue) Replace(old, repl *Entry) error {
	if old.Key != repl.Key || old.Version != repl.Version {
		return fmt.Errorf("catalogue: replace %s@%d with %s@%d", old.Key, old.Version, repl.Key, repl.Version)
	}
	t, ok := c.byIndex[old.container]
	if !ok || !t.replace(old, repl) {
		return fmt.Errorf("replace %s@%d: %w", old.Key, old.Version, backuptype.ErrNotFound)
	}
	c.unindexHash(old)
	c.indexHash(repl)
	return nil
}

// SetHashes records content digests on a binary entry and keeps the
// content-hash index in step. Empty values leave the digest unchanged.
func (c *Catalogue) SetHashes(e *Entry, primary, secondary string) {
	b, ok := e.Content.(*Binary)
	if !ok {
		return
	}
	c.unindexHash(e)
	if primary != "" {
		b.PrimaryHash = primary
	}
	if secondary != "" {
		b.SecondaryHash = secondary
	}
	c.indexHash(e)
}

// ByHash returns the binary entries whose primary digest is h.
func (c *Catalogue) ByHash(h string) []*Entry {
	return slices.Clone(c.byHash[h])
}

// Relocate commits new payload offsets for binaries of a target after its
// container was compacted, and lowers the tail. Every key of offsets must
// be a binary entry of the target; nothing is applied otherwise.
func (c *Catalogue) Relocate(index int, offsets map[*Entry]int64, tail int64) error {
	t, ok := c.byIndex[index]
	if !ok {
		return fmt.Errorf("container %d: %w", index, backuptype.ErrNotFound)
	}
	for e, off := range offsets {
		b, ok := e.Content.(*Binary)
		if !ok || e.container != index || !slices.Contains(t.entries, e) {
			return fmt.Errorf("%w: relocate %s@%d: not a binary of container %d", backuptype.ErrCorrupt, e.Key, e.Version, index)
		}
		if off < 0 || off+b.Length > tail {
			return fmt.Errorf("%w: relocate %s@%d to [%d, %d) past tail %d", backuptype.ErrCorrupt, e.Key, e.Version, off, off+b.Length, tail)
		}
	}
	for e, off := range offsets {
		e.Content.(*Binary).Offset = off //nolint:errcheck,forcetypeassert // checked above
	}
	t.tail = tail
	return nil
}

// PromoteUnclaimed converts every unclaimed link of a target into a plain
// link and returns how many were promoted. Call only after the replaced
// bytes were excluded from the container.
func (c *Catalogue) PromoteUnclaimed(index int) int {
	t, ok := c.byIndex[index]
	if !ok {
		return 0
	}
	unclaimed := t.UnclaimedLinks()
	for _, e := range unclaimed {
		ul := e.Content.(*UnclaimedLink) //nolint:errcheck,forcetypeassert // filtered by UnclaimedLinks
		promoted := &Entry{
			Key:     e.Key,
			Version: e.Version,
			Deleted: e.Deleted,
			Source:  e.Source,
			Content: &Link{Key: ul.Key, Version: ul.Version},
		}
		t.replace(e, promoted)
	}
	return len(unclaimed)
}

func (c *Catalogue) indexHash(e *Entry) {
	b, ok := e.Content.(*Binary)
	if !ok || b.PrimaryHash == "" {
		return
	}
	c.byHash[b.PrimaryHash] = append(c.byHash[b.PrimaryHash], e)
}

func (c *Catalogue) unindexHash(e *Entry) {
	b, ok := e.Content.(*Binary)
	if !ok || b.PrimaryHash == "" {
		return
	}
	list := c.byHash[b.PrimaryHash]
	if i := slices.Index(list, e); i >= 0 {
		list = slices.Delete(list, i, i+1)
	}
	if len(list) == 0 {
		delete(c.byHash, b.PrimaryHash)
	} else {
		c.byHash[b.PrimaryHash] = list
	}
}

// rebuildIndexes recomputes every derived index from the entry lists.
func (c *Catalogue) rebuildIndexes() error {
	c.byIndex = make(map[int]*Target, len(c.targets))
	c.byHash = make(map[string][]*Entry)
	c.count = 0
	seen := make(map[string]map[int]struct{})
	for _, t := range c.targets {
		if _, dup := c.byIndex[t.index]; dup {
			return fmt.Errorf("%w: duplicate container index %d", backuptype.ErrCorrupt, t.index)
		}
		c.byIndex[t.index] = t
		t.rebuildIndex()
		for _, e := range t.entries {
			versions := seen[e.Key]
			if versions == nil {
				versions = make(map[int]struct{})
				seen[e.Key] = versions
			}
			if _, dup := versions[e.Version]; dup {
				return fmt.Errorf("%w: duplicate version %s@%d", backuptype.ErrCorrupt, e.Key, e.Version)
			}
			versions[e.Version] = struct{}{}
			c.indexHash(e)
			c.count++
		}
		t.tail = max(t.tail, t.highWater())
	}
	return nil
}
