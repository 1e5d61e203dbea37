// Package httpstore is the HTTP client for the remote document service: the
// only way the engine reads and mutates the authoritative state document,
// its named caches and its schemas.
//
// No operation is retried. A failed call is reported to the caller and the
// engine relies on the next invalidation signal to resynchronize.
package httpstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c0deZ3R0/go-statesync/docpath"
	"github.com/c0deZ3R0/go-statesync/document"
	syncErrors "github.com/c0deZ3R0/go-statesync/errors"
	"github.com/c0deZ3R0/go-statesync/logging"
)

const component = "transport/httpstore"

// ErrReservedCacheName is returned for cache names that collide with a
// fixed endpoint of the service.
var ErrReservedCacheName = errors.New("cache name collides with a reserved endpoint")

var reservedCacheNames = map[string]bool{
	"state":       true,
	"schemas":     true,
	"remove":      true,
	"remove-path": true,
	"undo":        true,
	"redo":        true,
	"ws":          true,
}

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("server error (status %d): %s", e.StatusCode, e.Body)
}

// Client talks to the remote document service over HTTP.
type Client struct {
	baseURL        string
	http           *http.Client
	limits         Limits
	requestTimeout time.Duration
	csrfToken      string
	csrfHeader     string
	logger         *slog.Logger
}

// New creates a Client for the service rooted at baseURL, e.g.
// "http://localhost:8080". Requests go to baseURL + "/api/...".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		limits:         DefaultLimits(),
		requestTimeout: 30 * time.Second,
		csrfHeader:     DefaultCSRFHeader,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		// gzip is negotiated explicitly so the inflated size can be bounded
		tr.DisableCompression = true
		c.http = &http.Client{Transport: tr}
	}
	if c.logger == nil {
		c.logger = logging.WithComponent(logging.Component(component)).Logger
	}
	return c
}

// BaseURL returns the service root the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Limits returns the current limits configuration.
func (c *Client) Limits() Limits {
	return c.limits
}

// FetchSchema returns the raw JSON Schema document for schemaID.
func (c *Client) FetchSchema(ctx context.Context, schemaID string) ([]byte, error) {
	var raw json.RawMessage
	endpoint := "/api/schemas/" + url.PathEscape(schemaID)
	if err := c.do(ctx, syncErrors.OpFetchSchema, http.MethodGet, endpoint, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

type stateEnvelope struct {
	State document.Document `json:"state"`
}

// FetchState returns the full state document. It does not validate; wrap
// the client in a validating store for that.
func (c *Client) FetchState(ctx context.Context) (document.Document, error) {
	var env stateEnvelope
	if err := c.do(ctx, syncErrors.OpFetchState, http.MethodGet, "/api/state", nil, &env); err != nil {
		return nil, err
	}
	if env.State == nil {
		env.State = document.Document{}
	}
	return env.State, nil
}

// ReplaceState uploads doc as the new document, wholesale.
func (c *Client) ReplaceState(ctx context.Context, doc any) error {
	return c.do(ctx, syncErrors.OpReplaceState, http.MethodPut, "/api/state", doc, nil)
}

// UpdatePath replaces the value at p with fragment.
func (c *Client) UpdatePath(ctx context.Context, p docpath.Path, fragment any) error {
	if p.IsRoot() {
		return syncErrors.E(syncErrors.OpUpdatePath, syncErrors.Component(component), syncErrors.KindInvalid, docpath.ErrEmptyPath)
	}
	return c.do(ctx, syncErrors.OpUpdatePath, http.MethodPut, "/api/state/"+p.Escape(), fragment, nil)
}

// DeletePath removes everything rooted at p.
func (c *Client) DeletePath(ctx context.Context, p docpath.Path) error {
	if p.IsRoot() {
		return syncErrors.E(syncErrors.OpDeletePath, syncErrors.Component(component), syncErrors.KindInvalid, docpath.ErrEmptyPath)
	}
	return c.do(ctx, syncErrors.OpDeletePath, http.MethodDelete, "/api/remove-path/"+p.Escape(), nil, nil)
}

// DeleteAllMatching removes every occurrence of the scalar value anywhere in
// the document. The search happens on the server.
func (c *Client) DeleteAllMatching(ctx context.Context, value string) error {
	if value == "" {
		return syncErrors.E(syncErrors.OpDeleteValue, syncErrors.Component(component), syncErrors.KindInvalid, "empty value")
	}
	return c.do(ctx, syncErrors.OpDeleteValue, http.MethodDelete, "/api/remove/"+url.PathEscape(value), nil, nil)
}

// Undo moves the server-side history cursor back one step.
func (c *Client) Undo(ctx context.Context) error {
	return c.do(ctx, syncErrors.OpUndo, http.MethodPost, "/api/undo", nil, nil)
}

// Redo moves the server-side history cursor forward one step.
func (c *Client) Redo(ctx context.Context) error {
	return c.do(ctx, syncErrors.OpRedo, http.MethodPost, "/api/redo", nil, nil)
}

// FetchNamedCache returns the named cache collection as decoded JSON.
func (c *Client) FetchNamedCache(ctx context.Context, name string) (any, error) {
	if err := CheckCacheName(name); err != nil {
		return nil, syncErrors.E(syncErrors.OpFetchCache, syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	var out any
	if err := c.do(ctx, syncErrors.OpFetchCache, http.MethodGet, "/api/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckCacheName rejects names that are not a single path segment or that
// would be routed to a fixed endpoint.
func CheckCacheName(name string) error {
	if _, err := docpath.New(name); err != nil {
		return err
	}
	if reservedCacheNames[name] {
		return fmt.Errorf("%w: %q", ErrReservedCacheName, name)
	}
	return nil
}

// do performs one request. body, when non-nil, is sent as JSON; out, when
// non-nil, receives the decoded response.
func (c *Client) do(ctx context.Context, op syncErrors.Operation, method, endpoint string, body any, out any) error {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	target := c.baseURL + endpoint
	log := c.logger.With(slog.String("op", string(op)), slog.String("method", method), slog.String("url", target))

	var reqBody io.Reader
	var encoding string
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err, "marshal request body")
		}
		reqBody = bytes.NewReader(payload)
		if c.limits.EnableGzip && len(payload) > c.limits.GzipMinBytes {
			var buf bytes.Buffer
			gw := gzip.NewWriter(&buf)
			if _, err := gw.Write(payload); err != nil {
				return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInternal, err, "compress request")
			}
			if err := gw.Close(); err != nil {
				return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInternal, err, "compress request")
			}
			log.Debug("compressed request body",
				slog.Int("original_size", len(payload)),
				slog.Int("compressed_size", buf.Len()))
			reqBody = &buf
			encoding = "gzip"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if c.limits.EnableGzip {
		req.Header.Set("Accept-Encoding", "gzip")
	}
	if method != http.MethodGet && c.csrfToken != "" {
		req.Header.Set(c.csrfHeader, c.csrfToken)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		log.Error("request failed", slog.String("error", err.Error()))
		return syncErrors.E(syncErrors.Op("httpstore."+string(op)), syncErrors.NewNetworkError(op, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		serr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		log.Error("request returned error status",
			slog.Int("status_code", resp.StatusCode),
			slog.String("response_body", serr.Body))
		return syncErrors.E(op, syncErrors.Component(component), kindForStatus(resp.StatusCode), syncErrors.ErrCodeNetworkFailure, serr)
	}

	if out != nil {
		reader, cleanup, err := safeResponseReader(resp, c.limits)
		if err != nil {
			return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err)
		}
		defer cleanup()
		if err := json.NewDecoder(reader).Decode(out); err != nil {
			return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err, "decode response")
		}
	}

	log.Debug("request completed",
		slog.Int("status_code", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func kindForStatus(code int) syncErrors.Kind {
	switch {
	case code == http.StatusNotFound:
		return syncErrors.KindNotFound
	case code == http.StatusMethodNotAllowed:
		return syncErrors.KindMethodNotAllowed
	case code >= 500:
		return syncErrors.KindUnavailable
	default:
		return syncErrors.KindInvalid
	}
}
