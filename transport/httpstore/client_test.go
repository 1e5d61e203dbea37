package httpstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-statesync/docpath"
	syncErrors "github.com/c0deZ3R0/go-statesync/errors"
	"github.com/c0deZ3R0/go-statesync/logging"
)

type recorded struct {
	Method   string
	Path     string
	RawPath  string
	Body     string
	CSRF     string
	Encoding string
}

// recordingServer answers every request with the handler's result and keeps
// a log of what it saw.
type recordingServer struct {
	*httptest.Server
	mu   sync.Mutex
	reqs []recorded
}

func newRecordingServer(t *testing.T, h http.HandlerFunc) *recordingServer {
	t.Helper()
	rs := &recordingServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Header.Get("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(r.Body)
			require.NoError(t, err)
			body, _ = io.ReadAll(gz)
		} else {
			body, _ = io.ReadAll(r.Body)
		}
		rs.mu.Lock()
		rs.reqs = append(rs.reqs, recorded{
			Method:   r.Method,
			Path:     r.URL.Path,
			RawPath:  r.URL.EscapedPath(),
			Body:     string(body),
			CSRF:     r.Header.Get(DefaultCSRFHeader),
			Encoding: r.Header.Get("Content-Encoding"),
		})
		rs.mu.Unlock()
		if h != nil {
			h(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordingServer) last() recorded {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.reqs[len(rs.reqs)-1]
}

func newTestClient(baseURL string, opts ...Option) *Client {
	opts = append([]Option{WithLogger(logging.Discard().Logger)}, opts...)
	return New(baseURL, opts...)
}

func TestNewDefaults(t *testing.T) {
	c := newTestClient("http://example.com/")
	assert.Equal(t, "http://example.com", c.BaseURL())
	assert.Equal(t, DefaultLimits(), c.Limits())
	assert.Equal(t, 30*time.Second, c.requestTimeout)
}

func TestFetchState(t *testing.T) {
	srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"state":{"impressions":{"a":{"name":"x"}}}}`))
	})
	c := newTestClient(srv.URL)

	doc, err := c.FetchState(context.Background())
	require.NoError(t, err)
	v, ok := doc.Get(docpath.MustParse("impressions/a/name"))
	require.True(t, ok)
	assert.Equal(t, "x", v)
	assert.Equal(t, http.MethodGet, srv.last().Method)
	assert.Equal(t, "/api/state", srv.last().Path)
	assert.Empty(t, srv.last().CSRF, "reads carry no anti-forgery token")
}

func TestFetchState_EmptyEnvelope(t *testing.T) {
	srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	doc, err := newTestClient(srv.URL).FetchState(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, doc)
	assert.Empty(t, doc)
}

func TestWriteEndpoints(t *testing.T) {
	srv := newRecordingServer(t, nil)
	c := newTestClient(srv.URL, WithCSRFToken("tok"))
	ctx := context.Background()

	tests := []struct {
		name     string
		call     func() error
		method   string
		rawPath  string
		wantBody string
	}{
		{
			name:     "replace state",
			call:     func() error { return c.ReplaceState(ctx, map[string]any{"impressions": map[string]any{}}) },
			method:   http.MethodPut,
			rawPath:  "/api/state",
			wantBody: `{"impressions":{}}`,
		},
		{
			name: "update path",
			call: func() error {
				return c.UpdatePath(ctx, docpath.MustNew("impressions", "my imp", "inputValues"), map[string]any{"colormap": "v"})
			},
			method:   http.MethodPut,
			rawPath:  "/api/state/impressions/my%20imp/inputValues",
			wantBody: `{"colormap":"v"}`,
		},
		{
			name:    "delete path",
			call:    func() error { return c.DeletePath(ctx, docpath.MustParse("impressions/a")) },
			method:  http.MethodDelete,
			rawPath: "/api/remove-path/impressions/a",
		},
		{
			name:    "delete all matching",
			call:    func() error { return c.DeleteAllMatching(ctx, "abc/123") },
			method:  http.MethodDelete,
			rawPath: "/api/remove/abc%2F123",
		},
		{
			name:    "undo",
			call:    func() error { return c.Undo(ctx) },
			method:  http.MethodPost,
			rawPath: "/api/undo",
		},
		{
			name:    "redo",
			call:    func() error { return c.Redo(ctx) },
			method:  http.MethodPost,
			rawPath: "/api/redo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.call())
			got := srv.last()
			assert.Equal(t, tt.method, got.Method)
			assert.Equal(t, tt.rawPath, got.RawPath)
			assert.Equal(t, "tok", got.CSRF)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, got.Body)
			} else {
				assert.Empty(t, got.Body)
			}
		})
	}
}

func TestRootPathRejected(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")

	err := c.UpdatePath(context.Background(), docpath.Root, map[string]any{})
	assert.ErrorIs(t, err, docpath.ErrEmptyPath)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))

	err = c.DeletePath(context.Background(), docpath.Root)
	assert.ErrorIs(t, err, docpath.ErrEmptyPath)
}

func TestFetchNamedCache(t *testing.T) {
	srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"viridis":{"kind":"colormap"}}`))
	})
	c := newTestClient(srv.URL)

	v, err := c.FetchNamedCache(context.Background(), "visassets")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"viridis": map[string]any{"kind": "colormap"}}, v)
	assert.Equal(t, "/api/visassets", srv.last().Path)

	_, err = c.FetchNamedCache(context.Background(), "state")
	assert.ErrorIs(t, err, ErrReservedCacheName)
	_, err = c.FetchNamedCache(context.Background(), "a/b")
	assert.ErrorIs(t, err, docpath.ErrInvalidSegment)
}

func TestFetchSchema(t *testing.T) {
	srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"type":"object","version":"0.2.0"}`))
	})
	raw, err := newTestClient(srv.URL).FetchSchema(context.Background(), "state")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"object","version":"0.2.0"}`, string(raw))
	assert.Equal(t, "/api/schemas/state", srv.last().Path)
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		status int
		kind   syncErrors.Kind
	}{
		{http.StatusBadRequest, syncErrors.KindInvalid},
		{http.StatusForbidden, syncErrors.KindInvalid},
		{http.StatusNotFound, syncErrors.KindNotFound},
		{http.StatusMethodNotAllowed, syncErrors.KindMethodNotAllowed},
		{http.StatusBadGateway, syncErrors.KindUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			err := newTestClient(srv.URL).Undo(context.Background())
			require.Error(t, err)

			var serr *StatusError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tt.status, serr.StatusCode)
			assert.Equal(t, "nope", serr.Body)
			assert.True(t, syncErrors.IsKind(err, tt.kind))
			assert.True(t, syncErrors.HasCode(err, syncErrors.ErrCodeNetworkFailure))
		})
	}
}

func TestNetworkError(t *testing.T) {
	srv := newRecordingServer(t, nil)
	url := srv.URL
	srv.Close()

	err := newTestClient(url).Redo(context.Background())
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindUnavailable))
	assert.True(t, syncErrors.HasCode(err, syncErrors.ErrCodeNetworkFailure))
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	c := newTestClient(srv.URL, WithRequestTimeout(50*time.Millisecond))
	start := time.Now()
	_, err := c.FetchState(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindUnavailable))
}

func TestGzipRequestBody(t *testing.T) {
	srv := newRecordingServer(t, nil)
	c := newTestClient(srv.URL, WithLimits(Limits{EnableGzip: true, GzipMinBytes: 16}))

	fragment := map[string]any{"description": strings.Repeat("x", 256)}
	require.NoError(t, c.UpdatePath(context.Background(), docpath.MustParse("impressions/a"), fragment))

	got := srv.last()
	assert.Equal(t, "gzip", got.Encoding)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(got.Body), &decoded))
	assert.Equal(t, fragment, decoded)
}

func TestGzipResponse(t *testing.T) {
	srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		_, _ = gw.Write([]byte(`{"state":{"k":"v"}}`))
		_ = gw.Close()
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	})

	doc, err := newTestClient(srv.URL).FetchState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v", doc["k"])
}

func TestResponseSizeLimits(t *testing.T) {
	big := `{"state":{"k":"` + strings.Repeat("a", 4096) + `"}}`

	t.Run("wire", func(t *testing.T) {
		srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(big))
		})
		c := newTestClient(srv.URL, WithLimits(Limits{MaxBodyBytes: 1024, MaxDecompressedBytes: 1 << 20}))
		_, err := c.FetchState(context.Background())
		assert.ErrorIs(t, err, ErrResponseTooLarge)
	})

	t.Run("decompressed", func(t *testing.T) {
		srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
			var buf bytes.Buffer
			gw := gzip.NewWriter(&buf)
			_, _ = gw.Write([]byte(big))
			_ = gw.Close()
			w.Header().Set("Content-Encoding", "gzip")
			_, _ = w.Write(buf.Bytes())
		})
		c := newTestClient(srv.URL, WithLimits(Limits{EnableGzip: true, MaxBodyBytes: 1 << 20, MaxDecompressedBytes: 1024}))
		_, err := c.FetchState(context.Background())
		assert.ErrorIs(t, err, ErrDecompressedTooLarge)
	})
}
