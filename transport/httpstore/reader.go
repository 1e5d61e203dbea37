package httpstore

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrResponseTooLarge is returned when a response exceeds Limits.MaxBodyBytes.
	ErrResponseTooLarge = errors.New("response body exceeds maximum size limit")
	// ErrDecompressedTooLarge is returned when a gzip response inflates past
	// Limits.MaxDecompressedBytes.
	ErrDecompressedTooLarge = errors.New("decompressed response exceeds maximum size limit")
)

// limitReader fails with errLarge once more than limit bytes were read,
// rather than silently truncating like io.LimitReader.
type limitReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
	errLarge error
}

func (r *limitReader) Read(p []byte) (int, error) {
	if r.consumed > r.limit {
		return 0, r.errLarge
	}
	// allow one byte past the limit so overflow is detectable
	if room := r.limit + 1 - r.consumed; int64(len(p)) > room {
		p = p[:room]
	}
	n, err := r.reader.Read(p)
	r.consumed += int64(n)
	if r.consumed > r.limit {
		return n, r.errLarge
	}
	return n, err
}

// safeResponseReader wraps resp.Body so that both the wire size and, for
// gzip responses, the inflated size are bounded.
func safeResponseReader(resp *http.Response, limits Limits) (io.Reader, func(), error) {
	maxBody := limits.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultLimits().MaxBodyBytes
	}
	maxDecompressed := limits.MaxDecompressedBytes
	if maxDecompressed <= 0 {
		maxDecompressed = DefaultLimits().MaxDecompressedBytes
	}

	if resp.ContentLength > maxBody {
		return nil, func() {}, fmt.Errorf("%w: %d bytes (max %d)", ErrResponseTooLarge, resp.ContentLength, maxBody)
	}
	wire := &limitReader{reader: resp.Body, limit: maxBody, errLarge: ErrResponseTooLarge}

	encoding := strings.TrimSpace(strings.ToLower(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return wire, func() {}, nil
	case "gzip":
		gz, err := gzip.NewReader(wire)
		if err != nil {
			return nil, func() {}, fmt.Errorf("invalid gzip response: %w", err)
		}
		return &limitReader{reader: gz, limit: maxDecompressed, errLarge: ErrDecompressedTooLarge},
			func() { gz.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("unsupported content encoding: %s", encoding)
	}
}
