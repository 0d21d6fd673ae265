package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressor_CompressDecompress(t *testing.T) {
	compressor := NewCompressor()

	// Use sufficiently large data for compression to be effective
	// GZIP has overhead (~18-20 bytes), so small data actually gets larger
	repeated := `{"type":"touch","x":120,"y":480,"ts":1700000000000},`
	testData := []byte(repeated + repeated + repeated + repeated + repeated)

	compressed, err := compressor.Compress(testData)
	require.NoError(t, err)
	assert.NotEmpty(t, compressed)
	assert.Less(t, len(compressed), len(testData))

	decompressed, err := compressor.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, testData, decompressed)
}

func TestCompressor_EmptyData(t *testing.T) {
	compressor := NewCompressor()

	compressed, err := compressor.Compress([]byte{})
	require.NoError(t, err)
	assert.NotEmpty(t, compressed) // GZIP header is present even for empty data

	decompressed, err := compressor.Decompress(compressed)
	require.NoError(t, err)
	assert.Empty(t, decompressed)
}

func TestCompressor_LargeBatch(t *testing.T) {
	compressor := NewCompressor()

	// 1MB of repeated event data compresses very well
	largeData := bytes.Repeat([]byte(`{"type":"scroll","dy":12},`), 40000)

	compressed, err := compressor.Compress(largeData)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(largeData)/10)

	decompressed, err := compressor.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, largeData, decompressed)
}

func TestCompressor_InvalidCompressedData(t *testing.T) {
	compressor := NewCompressor()

	_, err := compressor.Decompress([]byte("this is not gzip compressed data"))
	assert.Error(t, err)
}

func TestCompressor_CorruptedData(t *testing.T) {
	compressor := NewCompressor()

	compressed, err := compressor.Compress([]byte("batch payload for corruption testing with enough content to compress"))
	require.NoError(t, err)

	// Corrupt the GZIP magic number so decompression must fail
	corrupted := make([]byte, len(compressed))
	copy(corrupted, compressed)
	corrupted[0] = 0xFF
	corrupted[1] = 0xFF

	_, err = compressor.Decompress(corrupted)
	assert.Error(t, err)
}

func TestDecodeBase64Payload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []byte
		wantErr bool
	}{
		{"plain base64", "aGVsbG8=", []byte("hello"), false},
		{"data URI", "data:image/png;base64,aGVsbG8=", []byte("hello"), false},
		{"delta prefix", "delta:aGVsbG8=", []byte("hello"), false},
		{"delta data URI", "delta:data:application/octet-stream;base64,aGVsbG8=", []byte("hello"), false},
		{"data URI without marker", "data:image/png,rawbytes", nil, true},
		{"invalid base64", "!!not-base64!!", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBase64Payload(tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
