// Package testutil provides helpers for tests that build source trees on
// disk and read extracted trees back.
package testutil

import (
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// BaseTime is a fixed modification time used by tests; whole seconds so that
// it survives filesystems with coarse timestamps.
var BaseTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// Mtime returns BaseTime shifted by n seconds.
func Mtime(n int) time.Time {
	return BaseTime.Add(time.Duration(n) * time.Second)
}

// WriteFile writes data to path, creating parent directories, and sets its
// modification time.
func WriteFile(tb testing.TB, path string, data []byte, mtime time.Time) {
	tb.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		tb.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		tb.Fatalf("chtimes %s: %v", path, err)
	}
}

// WriteTree writes files, keyed by slash-separated relative path, under root
// with a common modification time.
func WriteTree(tb testing.TB, root string, files map[string]string, mtime time.Time) {
	tb.Helper()
	for rel, content := range files {
		WriteFile(tb, filepath.Join(root, filepath.FromSlash(rel)), []byte(content), mtime)
	}
}

// ReadTree returns the contents of every regular file under root keyed by
// slash-separated relative path.
func ReadTree(tb testing.TB, root string) map[string]string {
	tb.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path) //nolint:gosec // test helper reads its own tree
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		tb.Fatalf("read tree %s: %v", root, err)
	}
	return out
}

// RandomBytes returns n deterministic pseudo-random bytes. The output does
// not compress, which keeps stored lengths predictable.
func RandomBytes(n int, seed uint64) []byte {
	r := rand.New(rand.NewChaCha8([32]byte{byte(seed), byte(seed >> 8), byte(seed >> 16), byte(seed >> 24)}))
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(r.Uint32())
	}
	return out
}
