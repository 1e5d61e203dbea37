package statesync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-statesync/logging"
	"github.com/c0deZ3R0/go-statesync/schema"
)

func TestNewSession_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseURL = "not a url"
	_, err := NewSession(cfg)
	assert.Error(t, err)
}

func TestSession_RunStopsOnVersionMismatch(t *testing.T) {
	var stateHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/schemas/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(stateSchema))
	})
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		stateHits.Add(1)
		_, _ = w.Write([]byte(`{"state":{"impressions":{}}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.ExpectedVersion = "0.1.9"

	s, err := NewSession(cfg, WithSessionLogger(logging.Discard().Logger))
	require.NoError(t, err)
	assert.Equal(t, "ws"+srv.URL[len("http"):]+"/ws", s.cfg.WSURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = s.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrVersionMismatch)
	assert.Equal(t, int32(0), stateHits.Load())
}
