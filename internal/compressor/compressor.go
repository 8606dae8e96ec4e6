// Package compressor implements the LZ4 framing the chunk store uses
// when a chunk is written with compression enabled, plus the
// extension-based policy that decides which files aren't worth the
// CPU (already-compressed media and archives).
package compressor

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// incompressibleExtensions lists file extensions whose contents are
// already compressed or entropy-dense enough that running them
// through LZ4 wastes CPU for little or no size benefit.
var incompressibleExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".zip": true, ".rar": true, ".7z": true,
	".mp3": true, ".flac": true, ".aac": true,
	".apk": true, ".iso": true,
}

// ShouldSkipCompression reports whether displayName's extension marks
// it as not worth compressing. Callers on the upload and
// re-replication paths use this, keyed off the file's original name
// rather than its generated chunk key, to decide the per-file
// Compress flag carried on the wire protocol's PutChunk header.
func ShouldSkipCompression(displayName string) bool {
	ext := strings.ToLower(filepath.Ext(displayName))
	return incompressibleExtensions[ext]
}

// CompressChunk LZ4-frames a single chunk's bytes for storage.
func CompressChunk(chunkData []byte) ([]byte, error) {
	var out bytes.Buffer
	writer := lz4.NewWriter(&out)
	if _, err := writer.Write(chunkData); err != nil {
		return nil, fmt.Errorf("compressor: compress chunk: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("compressor: close lz4 writer: %w", err)
	}
	return out.Bytes(), nil
}

// DecompressChunk reverses CompressChunk, restoring a chunk's
// original on-disk bytes from its LZ4-framed form.
func DecompressChunk(data []byte) ([]byte, error) {
	var decompressed bytes.Buffer
	if _, err := io.Copy(&decompressed, lz4.NewReader(bytes.NewReader(data))); err != nil {
		return nil, fmt.Errorf("compressor: decompress chunk: %w", err)
	}
	return decompressed.Bytes(), nil
}
