package service

import (
	"bytes"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Content-Encoding values the prober can decode.
const (
	encodingGzip    = "gzip"
	encodingDeflate = "deflate"
	encodingBrotli  = "br"
	encodingZstd    = "zstd"
)

// zstdDecoder is shared across requests; DecodeAll on a shared decoder is
// safe for concurrent use.
var zstdDecoder, _ = zstd.NewReader(nil)

// NormalizeEncoding normalizes a Content-Encoding header value. Returns the
// canonical encoding and whether it is a single supported encoding. Stacked
// encodings (e.g. "gzip, br") return ("", false) since partial decoding
// would corrupt the body.
func NormalizeEncoding(encoding string) (string, bool) {
	encoding = strings.TrimSpace(strings.ToLower(encoding))
	if strings.Contains(encoding, ",") {
		return "", false
	}

	switch encoding {
	case encodingGzip, "x-gzip":
		return encodingGzip, true
	case encodingDeflate, encodingBrotli, encodingZstd:
		return encoding, true
	default:
		return encoding, false
	}
}

// Decompress decodes data according to Content-Encoding. Returns the decoded
// bytes and whether the data was recognized as compressed. A true flag with
// nil data means the body claimed the encoding but failed to decode.
// Unknown, empty, and stacked encodings return the input unchanged.
func Decompress(data []byte, encoding string) ([]byte, bool) {
	normalized, supported := NormalizeEncoding(encoding)
	if !supported {
		return data, false
	}

	switch normalized {
	case encodingGzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, true
		}
		defer func() { _ = gr.Close() }()
		decoded, err := io.ReadAll(gr)
		if err != nil {
			return nil, true
		}
		return decoded, true

	case encodingDeflate:
		// Servers ship both raw DEFLATE and zlib-wrapped bodies under this
		// name. Try raw first, then zlib.
		fr := flate.NewReader(bytes.NewReader(data))
		if decoded, err := io.ReadAll(fr); err == nil {
			_ = fr.Close()
			return decoded, true
		}
		_ = fr.Close()
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, true
		}
		defer func() { _ = zr.Close() }()
		decoded, err := io.ReadAll(zr)
		if err != nil {
			return nil, true
		}
		return decoded, true

	case encodingBrotli:
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, true
		}
		return decoded, true

	case encodingZstd:
		decoded, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, true
		}
		return decoded, true

	default:
		return data, false
	}
}
