// Package hashing implements the hasher capability: content digests used for
// deduplication and verification.
//
// Digests are strings of the form "<algorithm>:<hex>". The primary hasher is
// expected to be cheap; the secondary hasher is the stronger one that
// certifies a duplicate after primary digests collide.
package hashing

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/opencontainers/go-digest"
	"github.com/zeebo/blake3"

	"github.com/meigma/smartbackup/core/internal/fileio"
)

// Algorithm names accepted by ByName.
const (
	XXH64  = "xxh64"
	SHA256 = "sha256"
	BLAKE3 = "blake3"
)

// Hasher produces content digests.
type Hasher interface {
	// Name returns the algorithm name used as the digest prefix.
	Name() string

	// Hash returns the digest of everything read from r.
	Hash(ctx context.Context, r io.Reader) (string, error)
}

// ByName returns the hasher for an algorithm name.
func ByName(name string) (Hasher, error) {
	switch strings.ToLower(name) {
	case XXH64:
		return NewXXH64(), nil
	case SHA256:
		return NewSHA256(), nil
	case BLAKE3:
		return NewBLAKE3(), nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm: %q", name)
	}
}

// NewXXH64 returns the fast non-cryptographic hasher used as the default
// primary hasher.
func NewXXH64() Hasher {
	return &streamHasher{
		name: XXH64,
		new:  func() hash.Hash { return xxhash.New() },
	}
}

// NewBLAKE3 returns a BLAKE3-256 hasher.
func NewBLAKE3() Hasher {
	return &streamHasher{
		name: BLAKE3,
		new:  func() hash.Hash { return blake3.New() },
	}
}

// NewSHA256 returns the default secondary hasher. Its digests are OCI
// content digests and can be validated with go-digest.
func NewSHA256() Hasher {
	return sha256Hasher{}
}

// HashFile hashes the file at path.
func HashFile(ctx context.Context, h Hasher, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return h.Hash(ctx, f)
}

// Algorithm returns the algorithm prefix of a digest string.
func Algorithm(d string) string {
	alg, _, ok := strings.Cut(d, ":")
	if !ok {
		return ""
	}
	return alg
}

type streamHasher struct {
	name string
	new  func() hash.Hash
}

func (s *streamHasher) Name() string {
	return s.name
}

func (s *streamHasher) Hash(ctx context.Context, r io.Reader) (string, error) {
	h := s.new()
	if _, err := fileio.CopyWithContext(ctx, h, r, nil); err != nil {
		return "", err
	}
	return s.name + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

type sha256Hasher struct{}

func (sha256Hasher) Name() string {
	return SHA256
}

func (sha256Hasher) Hash(ctx context.Context, r io.Reader) (string, error) {
	digester := digest.Canonical.Digester()
	if _, err := fileio.CopyWithContext(ctx, digester.Hash(), r, nil); err != nil {
		return "", err
	}
	d := digester.Digest()
	if err := d.Validate(); err != nil {
		return "", err
	}
	return d.String(), nil
}
