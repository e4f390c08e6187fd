package backup

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meigma/smartbackup/core/internal/catalogue"
	"github.com/meigma/smartbackup/core/internal/codec"
	"github.com/meigma/smartbackup/core/internal/container"
	"github.com/meigma/smartbackup/core/internal/hashing"
	"github.com/meigma/smartbackup/core/internal/sizing"
)

const catalogueExt = ".catalogue"

// Archive is an open backup archive: its catalogue, its containers and the
// capabilities used to fill and maintain them.
type Archive struct {
	dir       string
	cfg       config
	cat       *catalogue.Catalogue
	reg       *container.Registry
	comp      *codec.Compressor
	primary   Hasher
	secondary Hasher
	logger    *slog.Logger
	lastSave  time.Time
	closed    bool
}

// ContainerInfo summarizes one container for listings.
type ContainerInfo struct {
	Index   int
	Path    string
	Tail    int64
	Entries int
}

// Open opens the archive in dir, creating the directory and an empty
// catalogue if none exists yet. A catalogue that exists but cannot be read
// aborts with an error wrapping ErrCorrupt.
func Open(dir string, opts ...Option) (*Archive, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.pattern == "" {
		return nil, errors.New("smartbackup: empty filename pattern")
	}
	if _, ok := sizing.CapacityBytes(cfg.maxSizeMB); !ok {
		return nil, fmt.Errorf("smartbackup: invalid container size %d MB", cfg.maxSizeMB)
	}
	if cfg.primary == nil {
		cfg.primary = hashing.NewXXH64()
	}
	if cfg.secondary == nil {
		cfg.secondary = hashing.NewSHA256()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	a := &Archive{
		dir:       dir,
		cfg:       cfg,
		primary:   cfg.primary,
		secondary: cfg.secondary,
		logger:    cfg.logger,
		lastSave:  time.Now(),
	}

	cat, err := catalogue.ReadFile(cataloguePath(dir, cfg.pattern))
	switch {
	case err == nil:
		if cat.FilenamePattern() != cfg.pattern {
			return nil, fmt.Errorf("%w: catalogue records %q, requested %q",
				ErrPatternMismatch, cat.FilenamePattern(), cfg.pattern)
		}
		if cat.MaxSizeMB() != cfg.maxSizeMB {
			a.log().Info("using container size recorded in catalogue",
				"recorded_mb", cat.MaxSizeMB(), "requested_mb", cfg.maxSizeMB)
		}
	case errors.Is(err, ErrNotFound):
		if err := checkForeignCatalogue(dir, cfg.pattern); err != nil {
			return nil, err
		}
		cat = catalogue.New(cfg.maxSizeMB, cfg.pattern)
		a.log().Info("created archive", "dir", dir, "id", cat.ID().String())
	default:
		return nil, err
	}
	a.cat = cat

	var compOpts []codec.Option
	if cfg.skipCompression != nil {
		compOpts = append(compOpts, codec.WithSkip(cfg.skipCompression...))
	}
	a.comp = codec.New(cfg.compression, compOpts...)

	regOpts := []container.Option{container.WithLogger(a.log())}
	if cfg.lockTimeout > 0 {
		regOpts = append(regOpts, container.WithLockTimeout(cfg.lockTimeout))
	}
	a.reg = container.NewRegistry(dir, cat.FilenamePattern(), cfg.ext, regOpts...)
	return a, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (a *Archive) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

// report sends a progress event if a callback is configured.
func (a *Archive) report(ev ProgressEvent) {
	if a.cfg.progress == nil {
		return
	}
	a.cfg.progress(ev)
}

// ID returns the archive identity assigned when it was created.
func (a *Archive) ID() uuid.UUID {
	return a.cat.ID()
}

// Dir returns the archive directory.
func (a *Archive) Dir() string {
	return a.dir
}

// CataloguePath returns the path of the catalogue file.
func (a *Archive) CataloguePath() string {
	return cataloguePath(a.dir, a.cat.FilenamePattern())
}

func cataloguePath(dir, pattern string) string {
	return filepath.Join(dir, pattern+catalogueExt)
}

// checkForeignCatalogue refuses to start a new archive in a directory that
// already holds a catalogue under a different filename pattern.
func checkForeignCatalogue(dir, pattern string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+catalogueExt))
	if err != nil {
		return fmt.Errorf("list catalogues: %w", err)
	}
	for _, m := range matches {
		existing := strings.TrimSuffix(filepath.Base(m), catalogueExt)
		if existing != pattern {
			return fmt.Errorf("%w: found catalogue %q, requested %q",
				ErrPatternMismatch, existing, pattern)
		}
	}
	return nil
}

// MaxSizeMB returns the container capacity in megabytes.
func (a *Archive) MaxSizeMB() int {
	return a.cat.MaxSizeMB()
}

// Len returns the number of catalogue entries.
func (a *Archive) Len() int {
	return a.cat.Len()
}

// Keys returns every key in the order it was first recorded.
func (a *Archive) Keys() []string {
	return a.cat.Keys()
}

// Versions returns every version of key in ascending order, tombstones
// included.
func (a *Archive) Versions(key string) []*Entry {
	return a.cat.Versions(key)
}

// Entries iterates every catalogue entry, container by container.
func (a *Archive) Entries() iter.Seq[*Entry] {
	return a.cat.All()
}

// FindNewest returns the highest version recorded for key.
func (a *Archive) FindNewest(key string) (*Entry, error) {
	e, ok := a.cat.FindNewest(key)
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return e, nil
}

// FindVersion returns the entry recorded for (key, version).
func (a *Archive) FindVersion(key string, version int) (*Entry, error) {
	e, ok := a.cat.FindVersion(key, version)
	if !ok {
		return nil, fmt.Errorf("%s@%d: %w", key, version, ErrNotFound)
	}
	return e, nil
}

// Containers describes every container in index order.
func (a *Archive) Containers() []ContainerInfo {
	targets := a.cat.Targets()
	out := make([]ContainerInfo, 0, len(targets))
	for _, t := range targets {
		out = append(out, ContainerInfo{
			Index:   t.Index(),
			Path:    a.reg.Path(t.Index()),
			Tail:    t.Tail(),
			Entries: t.Len(),
		})
	}
	return out
}

// Save persists the catalogue atomically.
func (a *Archive) Save() error {
	if a.closed {
		return ErrClosed
	}
	if err := a.cat.WriteFile(a.CataloguePath()); err != nil {
		return err
	}
	a.lastSave = time.Now()
	a.log().Debug("catalogue saved", "path", a.CataloguePath(), "entries", a.cat.Len())
	return nil
}

// WriteCatalogue encodes the catalogue document to w.
func (a *Archive) WriteCatalogue(w io.Writer) error {
	return a.cat.Save(w)
}

// Checkpoint saves the catalogue if the checkpoint interval has elapsed
// since the last save. Long passes call it between items so that a crash
// loses at most the work of one interval.
func (a *Archive) Checkpoint() error {
	interval := a.cfg.checkpointInterval
	if interval < 0 || time.Since(a.lastSave) < interval {
		return nil
	}
	return a.Save()
}

// Close releases every container handle. It does not save the catalogue.
func (a *Archive) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	return a.reg.Close()
}

func (a *Archive) checkOpen() error {
	if a.closed {
		return ErrClosed
	}
	return nil
}
