// Package compression implements GZIP batch payload compression.
//
// DecodeBase64Payload is part of the capture-layer contract: capture
// implementations hand binary frame data to the pipeline as base64
// payloads and use this helper to decode them.
package compression

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

const (
	// ContentTypeGzip is the wire content type for compressed batches
	ContentTypeGzip = "application/gzip"
)

// Compressor handles batch payload compression
type Compressor struct {
	compressionLevel int
}

// NewCompressor creates a new compressor with default compression level
func NewCompressor() *Compressor {
	return &Compressor{
		compressionLevel: gzip.DefaultCompression,
	}
}

// NewCompressorWithLevel creates a new compressor with specified compression level
func NewCompressorWithLevel(level int) *Compressor {
	return &Compressor{
		compressionLevel: level,
	}
}

// Compress compresses data using GZIP
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := gzip.NewWriterLevel(&buf, c.compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress decompresses GZIP data
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("failed to read compressed data: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeBase64Payload decodes base64 event payload data.
//
// Capture layers ship binary frame data as data URIs
// ("data:image/png;base64,...") or delta-encoded snapshots with a
// "delta:" prefix. Both prefixes are stripped before decoding.
func DecodeBase64Payload(payload string) ([]byte, error) {
	encoded := payload

	if strings.HasPrefix(encoded, "delta:") {
		encoded = encoded[len("delta:"):]
	}
	if strings.HasPrefix(encoded, "data:") {
		idx := strings.Index(encoded, ";base64,")
		if idx < 0 {
			return nil, fmt.Errorf("data URI without base64 marker")
		}
		encoded = encoded[idx+len(";base64,"):]
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 payload: %w", err)
	}
	return decoded, nil
}
