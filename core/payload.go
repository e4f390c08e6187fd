package backup

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/meigma/smartbackup/core/internal/hashing"
)

// section returns a reader over the stored bytes of b. Sections of one
// container stay valid until that container switches to writing.
func (a *Archive) section(ctx context.Context, e *Entry, b *Binary) (io.Reader, error) {
	return a.reg.Get(e.Container()).Section(ctx, b.Offset, b.Length)
}

// digestSection hashes the uncompressed content of a stored section. It does
// not touch the catalogue or container state and is safe to call from
// several goroutines.
func (a *Archive) digestSection(ctx context.Context, h Hasher, b *Binary, sec io.Reader) (string, error) {
	r, release, err := a.comp.NewReader(b.Compression, sec)
	if err != nil {
		return "", err
	}
	defer release()
	return h.Hash(ctx, r)
}

// payloadDigest hashes the uncompressed content of a stored payload.
func (a *Archive) payloadDigest(ctx context.Context, h Hasher, e *Entry, b *Binary) (string, error) {
	sec, err := a.section(ctx, e, b)
	if err != nil {
		return "", err
	}
	return a.digestSection(ctx, h, b, sec)
}

// hasherFor returns the hasher that produced digest, or fallback when the
// digest is empty or was produced by fallback's algorithm.
func hasherFor(digest string, fallback Hasher) (Hasher, error) {
	alg := hashing.Algorithm(digest)
	if alg == "" || alg == fallback.Name() {
		return fallback, nil
	}
	return hashing.ByName(alg)
}

// sourceUnchanged reports whether the file described by src still exists
// with the captured size and modification time.
func sourceUnchanged(src FileInfo) bool {
	info, err := os.Lstat(src.Path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Size() == src.Size && info.ModTime().Equal(src.ModTime)
}

// hashSource hashes the live source file of src. The second result is false
// when the source no longer matches the snapshot before or after hashing.
func hashSource(ctx context.Context, h Hasher, src FileInfo) (string, bool, error) {
	if !sourceUnchanged(src) {
		return "", false, nil
	}
	digest, err := hashing.HashFile(ctx, h, src.Path)
	if err != nil {
		return "", false, fmt.Errorf("hash source: %w", err)
	}
	if !sourceUnchanged(src) {
		return "", false, nil
	}
	return digest, true, nil
}
