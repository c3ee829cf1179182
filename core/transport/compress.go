package transport

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// CompressionThreshold is the frame size above which outbound payloads
// are gzip-compressed. Small frames are cheaper to send raw.
const CompressionThreshold = 1024

// gzip magic bytes, used to tell compressed frames from plain JSON.
var gzipMagic = []byte{0x1f, 0x8b}

// maybeCompress gzips data when it exceeds threshold. The bool reports
// whether compression was applied.
func maybeCompress(data []byte, threshold int) ([]byte, bool, error) {
	if len(data) <= threshold {
		return data, false, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, false, fmt.Errorf("failed to compress frame: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, false, fmt.Errorf("failed to finish compressed frame: %w", err)
	}
	// Compression can inflate already-dense payloads; keep the original
	// when it does.
	if buf.Len() >= len(data) {
		return data, false, nil
	}
	return buf.Bytes(), true, nil
}

// maybeDecompress reverses maybeCompress, detecting gzip by its magic
// header. Plain frames pass through untouched.
func maybeDecompress(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, gzipMagic) {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed frame: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress frame: %w", err)
	}
	return out, nil
}
