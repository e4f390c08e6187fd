// Package scan walks a source tree and snapshots its regular files for
// backup.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	backup "github.com/meigma/smartbackup/core"
)

// DefaultProgressEvery is how many files are found between progress calls.
const DefaultProgressEvery = 500

// Scanner walks source trees. Symbolic links are not followed and are not
// reported; only regular files are.
type Scanner struct {
	ignored  map[string]struct{}
	excluded map[string]struct{}
	every    int
	progress func(found int)
	logger   *slog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithIgnoredExtensions skips files whose extension matches one of exts,
// case-insensitively. The leading dot is optional.
func WithIgnoredExtensions(exts ...string) Option {
	return func(s *Scanner) {
		for _, ext := range exts {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			s.ignored[ext] = struct{}{}
		}
	}
}

// WithExcludedDirs skips the given directories and everything below them.
// It keeps an archive stored inside its own source tree out of the scan.
func WithExcludedDirs(dirs ...string) Option {
	return func(s *Scanner) {
		for _, dir := range dirs {
			if abs, err := filepath.Abs(dir); err == nil {
				s.excluded[abs] = struct{}{}
			}
		}
	}
}

// WithProgress sets a callback receiving the running count of files found.
// It is called every DefaultProgressEvery files and once at the end.
func WithProgress(fn func(found int)) Option {
	return func(s *Scanner) {
		s.progress = fn
	}
}

// WithLogger sets the logger for skipped paths.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) {
		s.logger = logger
	}
}

// New creates a Scanner.
func New(opts ...Option) *Scanner {
	s := &Scanner{
		ignored:  make(map[string]struct{}),
		excluded: make(map[string]struct{}),
		every:    DefaultProgressEvery,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Scanner) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Scan walks root and returns a snapshot of every regular file below it in
// lexical order. Paths are absolute. Unreadable subdirectories are logged
// and skipped; an unreadable root is an error.
func (s *Scanner) Scan(ctx context.Context, root string) ([]backup.FileInfo, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	var files []backup.FileInfo
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		info, ok, err := s.visit(ctx, root, path, d, walkErr)
		if err != nil || !ok {
			return err
		}
		files = append(files, info)
		if s.progress != nil && len(files)%s.every == 0 {
			s.progress(len(files))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.progress != nil {
		s.progress(len(files))
	}
	s.log().Debug("scan finished", "root", root, "files", len(files))
	return files, nil
}

// visit handles a single directory entry during the walk.
//
//nolint:gocritic // unnamedResult is acceptable for this internal helper
func (s *Scanner) visit(ctx context.Context, root, path string, d fs.DirEntry, walkErr error) (backup.FileInfo, bool, error) {
	if err := ctx.Err(); err != nil {
		return backup.FileInfo{}, false, err
	}
	if walkErr != nil {
		if path == root {
			return backup.FileInfo{}, false, walkErr
		}
		s.log().Warn("skipped unreadable path", "path", path, "error", walkErr)
		if d != nil && d.IsDir() {
			return backup.FileInfo{}, false, filepath.SkipDir
		}
		return backup.FileInfo{}, false, nil
	}
	if d.IsDir() {
		if _, skip := s.excluded[path]; skip {
			return backup.FileInfo{}, false, filepath.SkipDir
		}
		return backup.FileInfo{}, false, nil
	}
	if !d.Type().IsRegular() {
		s.log().Debug("skipped non-regular file", "path", path)
		return backup.FileInfo{}, false, nil
	}
	if _, skip := s.ignored[strings.ToLower(filepath.Ext(path))]; skip {
		return backup.FileInfo{}, false, nil
	}

	fi, err := d.Info()
	if err != nil {
		s.log().Warn("skipped file", "path", path, "error", err)
		return backup.FileInfo{}, false, nil
	}
	rel, err := filepath.Rel(root, filepath.Dir(path))
	if err != nil {
		return backup.FileInfo{}, false, fmt.Errorf("relative path of %s: %w", path, err)
	}
	if rel == "." {
		rel = ""
	}
	return backup.FileInfo{
		Path:         path,
		RelativePath: rel,
		Name:         d.Name(),
		Size:         fi.Size(),
		ModTime:      fi.ModTime(),
	}, true, nil
}
