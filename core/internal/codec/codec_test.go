package codec

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/smartbackup/core/internal/backuptype"
)

func TestParseCompression(t *testing.T) {
	t.Parallel()

	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		parsed, err := ParseCompression(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}

	parsed, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, parsed)

	_, err = ParseCompression("brotli")
	require.Error(t, err)
	assert.Equal(t, "unknown", Compression(99).String())
}

func TestShouldCompress(t *testing.T) {
	t.Parallel()

	zstdComp := New(CompressionZstd)
	assert.True(t, zstdComp.ShouldCompress("/src/notes.txt", 1000))
	assert.False(t, zstdComp.ShouldCompress("/src/photo.JPG", 1000))
	assert.False(t, zstdComp.ShouldCompress("/src/report.docx", 1000))

	none := New(CompressionNone)
	assert.False(t, none.ShouldCompress("/src/notes.txt", 1000))

	small := New(CompressionLZ4, WithSkip(DefaultSkip(512)))
	assert.False(t, small.ShouldCompress("/src/tiny.txt", 10))
	assert.True(t, small.ShouldCompress("/src/big.txt", 4096))
}

func TestCompressRoundTrip(t *testing.T) {
	t.Parallel()

	content := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog\n"), 500)

	for _, algo := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(algo.String(), func(t *testing.T) {
			t.Parallel()

			c := New(algo)
			var compressed bytes.Buffer
			n, err := c.Compress(context.Background(), &compressed, bytes.NewReader(content))
			require.NoError(t, err)
			assert.Equal(t, int64(compressed.Len()), n)
			if algo != CompressionNone {
				assert.Less(t, compressed.Len(), len(content))
			}

			var out bytes.Buffer
			written, err := c.Decompress(context.Background(), algo, &out, bytes.NewReader(compressed.Bytes()))
			require.NoError(t, err)
			assert.Equal(t, int64(len(content)), written)
			assert.Equal(t, content, out.Bytes())
		})
	}
}

func TestCompressorReusesEncoder(t *testing.T) {
	t.Parallel()

	c := New(CompressionZstd)
	for i := range 3 {
		content := bytes.Repeat([]byte{byte('a' + i)}, 4096)
		var compressed bytes.Buffer
		_, err := c.Compress(context.Background(), &compressed, bytes.NewReader(content))
		require.NoError(t, err)

		var out bytes.Buffer
		_, err = c.Decompress(context.Background(), CompressionZstd, &out, &compressed)
		require.NoError(t, err)
		assert.Equal(t, content, out.Bytes())
	}
}

func TestDecompressCorruptPayload(t *testing.T) {
	t.Parallel()

	c := New(CompressionZstd)
	var out bytes.Buffer
	_, err := c.Decompress(context.Background(), CompressionZstd, &out, bytes.NewReader([]byte("definitely not zstd")))
	require.ErrorIs(t, err, backuptype.ErrDecompression)

	_, err = c.Decompress(context.Background(), Compression(42), &out, bytes.NewReader(nil))
	require.ErrorIs(t, err, backuptype.ErrDecompression)
}
