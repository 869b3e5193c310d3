package pagedb

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// compressPayload returns the Brotli-compressed payload and true, or false
// when compression fails or does not shrink the payload. Falling back to the
// raw bytes is not an error.
func compressPayload(raw []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(raw); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(raw) {
		return nil, false
	}
	return buf.Bytes(), true
}

// decompressPayload inflates stored and checks it produces exactly n bytes.
// The output grows with the data actually decoded, not with n.
func decompressPayload(stored []byte, n int) ([]byte, error) {
	var out bytes.Buffer
	r := io.LimitReader(brotli.NewReader(bytes.NewReader(stored)), int64(n)+1)
	if _, err := io.Copy(&out, r); err != nil {
		return nil, fmt.Errorf("brotli: %w", err)
	}
	if out.Len() != n {
		return nil, fmt.Errorf("brotli: inflated %d bytes, want %d: %w", out.Len(), n, errBadLengths)
	}
	return out.Bytes(), nil
}
