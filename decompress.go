package cfw

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Content encoding names as they appear on the wire.
const (
	EncodingGzip   = "gzip"
	EncodingZstd   = "zstd"
	EncodingBrotli = "br"
)

// decodeLimit caps the decoded size of a single buffer to keep a hostile
// compressed payload from exhausting memory during inspection.
const decodeLimit = 4 * 1024 * 1024

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// SniffEncoding inspects the buffer's leading bytes for a known compressed
// stream. Brotli has no magic bytes and cannot be sniffed; callers that know
// the encoding from protocol headers should use DecodeAs directly.
func SniffEncoding(data []byte) (string, bool) {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		return EncodingGzip, true
	case bytes.HasPrefix(data, zstdMagic):
		return EncodingZstd, true
	default:
		return "", false
	}
}

// DecodeBuffer sniffs and decompresses the buffer so the inspection pipeline
// sees plaintext. Returns the decoded bytes, the detected encoding, and
// whether decoding took place. Buffers that do not decode cleanly are
// returned untouched.
func DecodeBuffer(data []byte) ([]byte, string, bool) {
	encoding, ok := SniffEncoding(data)
	if !ok {
		return data, "", false
	}

	decoded, err := DecodeAs(data, encoding)
	if err != nil {
		return data, "", false
	}

	return decoded, encoding, true
}

// DecodeAs decompresses the buffer with the named encoding.
func DecodeAs(data []byte, encoding string) ([]byte, error) {
	var r io.Reader

	switch encoding {
	case EncodingGzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer func() { _ = gr.Close() }()
		r = gr

	case EncodingZstd:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr.IOReadCloser()

	case EncodingBrotli:
		r = brotli.NewReader(bytes.NewReader(data))

	default:
		return nil, fmt.Errorf("unknown encoding: %s", encoding)
	}

	decoded, err := io.ReadAll(io.LimitReader(r, decodeLimit))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", encoding, err)
	}

	return decoded, nil
}

// EncodeBuffer re-compresses a modified payload with the named encoding so
// it can replace the original bytes on the wire.
func EncodeBuffer(data []byte, encoding string) ([]byte, error) {
	var buf bytes.Buffer

	switch encoding {
	case EncodingGzip:
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

	case EncodingZstd:
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

	case EncodingBrotli:
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown encoding: %s", encoding)
	}

	return buf.Bytes(), nil
}
