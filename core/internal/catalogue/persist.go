package catalogue

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/renameio"
	"github.com/google/uuid"

	"github.com/meigma/smartbackup/core/internal/backuptype"
	"github.com/meigma/smartbackup/core/internal/codec"
	"github.com/meigma/smartbackup/core/internal/sizing"
)

// FormatVersion is the persisted document version written by Save.
const FormatVersion = 1

// MaxDocumentSize bounds the catalogue file accepted by ReadFile.
const MaxDocumentSize = 1 << 30

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding: the same catalogue always produces the
	// same bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("catalogue: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 2147483647,
		MaxMapPairs:      2147483647,
	}.DecMode()
	if err != nil {
		panic("catalogue: CBOR decoder initialization failed: " + err.Error())
	}
}

type document struct {
	Version   int              `cbor:"version"`
	ID        string           `cbor:"id"`
	MaxSizeMB int              `cbor:"max_size_mb"`
	Pattern   string           `cbor:"pattern"`
	Targets   []targetDocument `cbor:"targets"`
}

type targetDocument struct {
	Index   int      `cbor:"index"`
	Tail    int64    `cbor:"tail"`
	Entries []record `cbor:"entries"`
}

type record struct {
	Key          string `cbor:"key"`
	Version      int    `cbor:"version"`
	Deleted      bool   `cbor:"deleted,omitempty"`
	Path         string `cbor:"path"`
	RelativePath string `cbor:"relative_path,omitempty"`
	Name         string `cbor:"name"`
	Size         int64  `cbor:"size"`
	ModTime      int64  `cbor:"mod_time"`

	Kind          string `cbor:"kind"`
	Offset        int64  `cbor:"offset,omitempty"`
	Length        int64  `cbor:"length,omitempty"`
	Compression   uint8  `cbor:"compression,omitempty"`
	PrimaryHash   string `cbor:"primary_hash,omitempty"`
	SecondaryHash string `cbor:"secondary_hash,omitempty"`
	Verified      bool   `cbor:"verified,omitempty"`
	LinkKey       string `cbor:"link_key,omitempty"`
	LinkVersion   int    `cbor:"link_version,omitempty"`
}

// Save writes the catalogue document to w.
func (c *Catalogue) Save(w io.Writer) error {
	data, err := c.marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// WriteFile persists the catalogue to path atomically: readers observe the
// previous document or the new one, never a partial write.
func (c *Catalogue) WriteFile(path string) error {
	data, err := c.marshal()
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write catalogue: %w", err)
	}
	return nil
}

func (c *Catalogue) marshal() ([]byte, error) {
	doc := document{
		Version:   FormatVersion,
		ID:        c.id.String(),
		MaxSizeMB: c.maxSizeMB,
		Pattern:   c.pattern,
		Targets:   make([]targetDocument, 0, len(c.targets)),
	}
	for _, t := range c.targets {
		td := targetDocument{Index: t.index, Tail: t.tail, Entries: make([]record, 0, len(t.entries))}
		for _, e := range t.entries {
			rec, err := toRecord(e)
			if err != nil {
				return nil, err
			}
			td.Entries = append(td.Entries, rec)
		}
		doc.Targets = append(doc.Targets, td)
	}
	data, err := encMode.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("encode catalogue: %w", err)
	}
	return data, nil
}

// Load decodes a catalogue document from r and rebuilds the derived indexes.
func Load(r io.Reader) (*Catalogue, error) {
	data, err := sizing.ReadAllWithLimit(r, MaxDocumentSize, fmt.Errorf("%w: catalogue exceeds %d bytes", backuptype.ErrCorrupt, MaxDocumentSize))
	if err != nil {
		return nil, err
	}
	return unmarshal(data)
}

// ReadFile loads the catalogue stored at path. A missing file is reported
// as ErrNotFound.
func ReadFile(path string) (*Catalogue, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("catalogue %s: %w", path, backuptype.ErrNotFound)
		}
		return nil, err
	}
	defer f.Close()
	c, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("catalogue %s: %w", path, err)
	}
	return c, nil
}

func unmarshal(data []byte) (*Catalogue, error) {
	var doc document
	if err := decMode.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode catalogue: %w", backuptype.ErrCorrupt, err)
	}
	if doc.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported catalogue version %d", backuptype.ErrCorrupt, doc.Version)
	}
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: catalogue id: %w", backuptype.ErrCorrupt, err)
	}
	if _, ok := sizing.CapacityBytes(doc.MaxSizeMB); !ok {
		return nil, fmt.Errorf("%w: invalid container size %d MB", backuptype.ErrCorrupt, doc.MaxSizeMB)
	}

	c := New(doc.MaxSizeMB, doc.Pattern)
	c.id = id
	for _, td := range doc.Targets {
		if td.Index < 0 || td.Tail < 0 {
			return nil, fmt.Errorf("%w: invalid container %d tail %d", backuptype.ErrCorrupt, td.Index, td.Tail)
		}
		t := newTarget(td.Index)
		t.tail = td.Tail
		for _, rec := range td.Entries {
			e, err := fromRecord(rec)
			if err != nil {
				return nil, err
			}
			t.entries = append(t.entries, e)
		}
		c.targets = append(c.targets, t)
	}
	if err := c.rebuildIndexes(); err != nil {
		return nil, err
	}
	return c, nil
}

func toRecord(e *Entry) (record, error) {
	rec := record{
		Key:          e.Key,
		Version:      e.Version,
		Deleted:      e.Deleted,
		Path:         e.Source.Path,
		RelativePath: e.Source.RelativePath,
		Name:         e.Source.Name,
		Size:         e.Source.Size,
		ModTime:      e.Source.ModTime.UnixNano(),
		Kind:         e.Kind(),
	}
	switch c := e.Content.(type) {
	case *Binary:
		rec.Offset = c.Offset
		rec.Length = c.Length
		rec.Compression = uint8(c.Compression)
		rec.PrimaryHash = c.PrimaryHash
		rec.SecondaryHash = c.SecondaryHash
		rec.Verified = c.Verified
	case *UnclaimedLink:
		rec.LinkKey = c.Key
		rec.LinkVersion = c.Version
		rec.Offset = c.Offset
		rec.Length = c.Length
	case *Link:
		rec.LinkKey = c.Key
		rec.LinkVersion = c.Version
	default:
		return record{}, fmt.Errorf("%w: %s@%d has no content", backuptype.ErrCorrupt, e.Key, e.Version)
	}
	return rec, nil
}

func fromRecord(rec record) (*Entry, error) {
	if rec.Key == "" || rec.Version < 1 {
		return nil, fmt.Errorf("%w: invalid entry %q@%d", backuptype.ErrCorrupt, rec.Key, rec.Version)
	}
	e := &Entry{
		Key:     rec.Key,
		Version: rec.Version,
		Deleted: rec.Deleted,
		Source: FileInfo{
			Path:         rec.Path,
			RelativePath: rec.RelativePath,
			Name:         rec.Name,
			Size:         rec.Size,
			ModTime:      time.Unix(0, rec.ModTime),
		},
	}
	if _, ok := sizing.AddInt64(rec.Offset, rec.Length); !ok {
		return nil, fmt.Errorf("%w: %s@%d has an invalid range", backuptype.ErrCorrupt, rec.Key, rec.Version)
	}
	switch rec.Kind {
	case kindBinary:
		if rec.Compression > uint8(codec.CompressionLZ4) {
			return nil, fmt.Errorf("%w: %s@%d unknown compression %d", backuptype.ErrCorrupt, rec.Key, rec.Version, rec.Compression)
		}
		e.Content = &Binary{
			Offset:        rec.Offset,
			Length:        rec.Length,
			Compression:   codec.Compression(rec.Compression),
			PrimaryHash:   rec.PrimaryHash,
			SecondaryHash: rec.SecondaryHash,
			Verified:      rec.Verified,
		}
	case kindLink:
		if rec.LinkKey == "" {
			return nil, fmt.Errorf("%w: %s@%d link has no target", backuptype.ErrCorrupt, rec.Key, rec.Version)
		}
		e.Content = &Link{Key: rec.LinkKey, Version: rec.LinkVersion}
	case kindUnclaimedLink:
		if rec.LinkKey == "" {
			return nil, fmt.Errorf("%w: %s@%d link has no target", backuptype.ErrCorrupt, rec.Key, rec.Version)
		}
		e.Content = &UnclaimedLink{
			Link:   Link{Key: rec.LinkKey, Version: rec.LinkVersion},
			Offset: rec.Offset,
			Length: rec.Length,
		}
	default:
		return nil, fmt.Errorf("%w: %s@%d unknown entry kind %q", backuptype.ErrCorrupt, rec.Key, rec.Version, rec.Kind)
	}
	return e, nil
}
