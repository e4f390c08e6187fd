package codec

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/meigma/smartbackup/core/internal/backuptype"
	"github.com/meigma/smartbackup/core/internal/fileio"
)

// Compressor compresses source streams with a configured algorithm and
// decompresses stored payloads with whichever algorithm they were written in.
//
// A Compressor is safe for concurrent use.
type Compressor struct {
	algo             Compression
	skip             []SkipFunc
	maxDecoderMemory uint64
	encoders         sync.Pool
	decoders         *decompressPool
}

// Option configures a Compressor.
type Option func(*Compressor)

// WithSkip replaces the predicates that decide to store a file uncompressed.
// If any predicate returns true, compression is skipped for that file.
func WithSkip(fns ...SkipFunc) Option {
	return func(c *Compressor) {
		c.skip = fns
	}
}

// WithMaxDecoderMemory limits the memory used by zstd decoders.
// Set limit to 0 to disable the limit.
func WithMaxDecoderMemory(limit uint64) Option {
	return func(c *Compressor) {
		c.maxDecoderMemory = limit
	}
}

// New creates a Compressor for algo. By default files with already-compressed
// extensions are stored uncompressed.
func New(algo Compression, opts ...Option) *Compressor {
	c := &Compressor{
		algo:             algo,
		skip:             []SkipFunc{DefaultSkip(0)},
		maxDecoderMemory: DefaultMaxDecoderMemory,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.decoders = newDecompressPool(c.maxDecoderMemory)
	return c
}

// Algorithm returns the algorithm used for new payloads.
func (c *Compressor) Algorithm() Compression {
	return c.algo
}

// ShouldCompress reports whether a file at path with the given size should
// be compressed before it is stored.
func (c *Compressor) ShouldCompress(path string, size int64) bool {
	if c.algo == CompressionNone {
		return false
	}
	for _, fn := range c.skip {
		if fn != nil && fn(path, size) {
			return false
		}
	}
	return true
}

// Compress streams src through the configured algorithm into dst and
// returns the number of compressed bytes written.
func (c *Compressor) Compress(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	cw := &fileio.CountingWriter{W: dst}
	switch c.algo {
	case CompressionNone:
		if _, err := fileio.CopyWithContext(ctx, cw, src, nil); err != nil {
			return 0, err
		}
	case CompressionZstd:
		enc, err := c.zstdEncoder(cw)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", backuptype.ErrCompression, err)
		}
		if _, err := fileio.CopyWithContext(ctx, enc, src, nil); err != nil {
			enc.Close()
			return 0, fmt.Errorf("%w: %w", backuptype.ErrCompression, err)
		}
		if err := enc.Close(); err != nil {
			return 0, fmt.Errorf("%w: close zstd encoder: %w", backuptype.ErrCompression, err)
		}
		c.encoders.Put(enc)
	case CompressionLZ4:
		zw := lz4.NewWriter(cw)
		if _, err := fileio.CopyWithContext(ctx, zw, src, nil); err != nil {
			zw.Close()
			return 0, fmt.Errorf("%w: %w", backuptype.ErrCompression, err)
		}
		if err := zw.Close(); err != nil {
			return 0, fmt.Errorf("%w: close lz4 writer: %w", backuptype.ErrCompression, err)
		}
	default:
		return 0, fmt.Errorf("%w: unknown compression algorithm: %d", backuptype.ErrCompression, c.algo)
	}
	return cw.N, nil
}

// NewReader returns a reader yielding the uncompressed content of a payload
// stored with algo. The caller must call release when done.
func (c *Compressor) NewReader(algo Compression, src io.Reader) (io.Reader, func(), error) {
	switch algo {
	case CompressionNone:
		return src, func() {}, nil
	case CompressionZstd:
		dec, release, err := c.decoders.Get(src)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", backuptype.ErrDecompression, err)
		}
		return dec, release, nil
	case CompressionLZ4:
		return lz4.NewReader(src), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown compression algorithm: %d", backuptype.ErrDecompression, algo)
	}
}

// Decompress streams the payload in src, stored with algo, into dst and
// returns the number of uncompressed bytes written.
func (c *Compressor) Decompress(ctx context.Context, algo Compression, dst io.Writer, src io.Reader) (int64, error) {
	r, release, err := c.NewReader(algo, src)
	if err != nil {
		return 0, err
	}
	defer release()

	n, err := fileio.CopyWithContext(ctx, dst, r, nil)
	if err != nil {
		if ctx.Err() != nil || algo == CompressionNone {
			return n, err
		}
		return n, fmt.Errorf("%w: %w", backuptype.ErrDecompression, err)
	}
	return n, nil
}

// zstdEncoder returns a pooled encoder writing to w.
func (c *Compressor) zstdEncoder(w io.Writer) (*zstd.Encoder, error) {
	if enc, ok := c.encoders.Get().(*zstd.Encoder); ok {
		enc.Reset(w)
		return enc, nil
	}
	return zstd.NewWriter(w, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
}
