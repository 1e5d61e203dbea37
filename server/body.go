package server

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTP status codes for body failures:
// - gzip invalid → 400 Bad Request
// - compressed or decompressed limit exceeded → 413 Request Entity Too Large
// - unsupported media type or encoding → 415 Unsupported Media Type

var (
	errDecompressedTooLarge = errors.New("decompressed data exceeds maximum size limit")
	errUnsupportedMedia     = errors.New("unsupported media type")
	errEmptyBody            = errors.New("empty request body")
)

// maxDecompressedReader wraps an io.Reader to enforce decompressed size limits
type maxDecompressedReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
}

func (r *maxDecompressedReader) Read(p []byte) (int, error) {
	if r.consumed >= r.limit {
		return 0, errDecompressedTooLarge
	}
	if room := r.limit - r.consumed; int64(len(p)) > room {
		p = p[:room]
	}

	n, err := r.reader.Read(p)
	r.consumed += int64(n)

	if r.consumed >= r.limit && err == nil {
		// one more byte means the body is over the limit
		var dummy [1]byte
		if _, peekErr := r.reader.Read(dummy[:]); peekErr == nil {
			return n, errDecompressedTooLarge
		}
	}
	return n, err
}

// safeRequestReader returns a reader that enforces both the compressed and
// the decompressed size limits, and a cleanup function.
func safeRequestReader(w http.ResponseWriter, r *http.Request, o *Options) (io.Reader, func(), error) {
	maxRequestSize := o.MaxRequestSize
	if maxRequestSize <= 0 {
		maxRequestSize = 10 * 1024 * 1024
	}
	maxDecompressedSize := o.MaxDecompressedSize
	if maxDecompressedSize <= 0 {
		maxDecompressedSize = 20 * 1024 * 1024
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		return nil, func() {}, fmt.Errorf("%w: %s", errUnsupportedMedia, contentType)
	}

	encoding := strings.TrimSpace(strings.ToLower(r.Header.Get("Content-Encoding")))
	switch encoding {
	case "":
		limit := maxRequestSize
		if maxDecompressedSize < limit {
			limit = maxDecompressedSize
		}
		return http.MaxBytesReader(w, r.Body, limit), func() {}, nil
	case "gzip":
	default:
		return nil, func() {}, fmt.Errorf("%w: content encoding %s", errUnsupportedMedia, encoding)
	}

	gz, err := gzip.NewReader(http.MaxBytesReader(w, r.Body, maxRequestSize))
	if err != nil {
		return nil, func() {}, fmt.Errorf("invalid gzip data: %w", err)
	}
	return &maxDecompressedReader{reader: gz, limit: maxDecompressedSize}, func() { gz.Close() }, nil
}

// decodeBody decodes the JSON request body into out.
func decodeBody(w http.ResponseWriter, r *http.Request, o *Options, out any) error {
	reader, cleanup, err := safeRequestReader(w, r, o)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := json.NewDecoder(reader).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// bodyStatus maps a decodeBody error to a status code.
func bodyStatus(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, errDecompressedTooLarge), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	}
	return http.StatusBadRequest
}

// respondWithJSON responds to an HTTP request with a JSON payload
func respondWithJSON(w http.ResponseWriter, r *http.Request, code int, payload any, o *Options) {
	response, err := json.Marshal(payload)
	if err != nil {
		respondWithError(w, r, http.StatusInternalServerError, "failed to marshal response", o)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if o.CompressionEnabled && int64(len(response)) >= o.CompressionThreshold &&
		strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(code)
		gz := gzip.NewWriter(w)
		defer gz.Close()
		_, _ = gz.Write(response)
		return
	}
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

// respondWithError responds to an HTTP request with an error message
func respondWithError(w http.ResponseWriter, r *http.Request, code int, message string, o *Options) {
	respondWithJSON(w, r, code, map[string]string{"error": message}, o)
}
