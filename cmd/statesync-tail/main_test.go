package main

import (
	"testing"

	"github.com/docopt/docopt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-statesync/document"
)

func TestDescribe(t *testing.T) {
	prev := document.Document{"a": "1", "b": map[string]any{"x": "1"}, "gone": true}
	cur := document.Document{"a": "1", "b": map[string]any{"x": "2"}, "new": []any{}}
	assert.Equal(t, "+[new] -[gone] ~[b]", describe(prev, cur))
	assert.Equal(t, "no change", describe(cur, cur))
	assert.Equal(t, "+[a] -[] ~[]", describe(nil, document.Document{"a": "1"}))
}

func TestLoadConfig_Flags(t *testing.T) {
	t.Setenv("STATESYNC_BASE_URL", "http://env.example:9000")
	opts := docopt.Opts{
		"--base-url":       "https://flag.example",
		"--schema":         "vis",
		"--expect-version": "0.2.0",
		"--cache":          []string{"visassets"},
	}
	cfg, err := loadConfig(opts)
	require.NoError(t, err)
	assert.Equal(t, "https://flag.example", cfg.BaseURL, "flags win over the environment")
	assert.Equal(t, "wss://flag.example/ws", cfg.WSURL)
	assert.Equal(t, "vis", cfg.SchemaID)
	assert.Equal(t, "0.2.0", cfg.ExpectedVersion)
	assert.Equal(t, []string{"visassets"}, cfg.PreloadCaches)

	_, err = loadConfig(docopt.Opts{"--cache": []string{"undo"}})
	assert.Error(t, err, "reserved cache names are rejected")
}
