package schema

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/go-statesync/errors"
	"github.com/c0deZ3R0/go-statesync/logging"
)

const testSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"version": {"type": "string", "const": "2"},
		"impressions": {
			"type": "object",
			"additionalProperties": {"$ref": "#/definitions/Impression"}
		}
	},
	"required": ["impressions"],
	"definitions": {
		"Impression": {
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"inputValues": {"$ref": "#/definitions/InputValues"}
			},
			"required": ["name"]
		},
		"InputValues": {
			"type": "object",
			"additionalProperties": {"type": ["string", "number", "boolean"]}
		},
		"ColorMapInput": {
			"type": "string",
			"default": "viridis"
		}
	}
}`

// countingFetcher serves testSchema, optionally holding every fetch until
// release is closed.
type countingFetcher struct {
	calls   atomic.Int32
	release chan struct{}
	body    string
	err     error
}

func (f *countingFetcher) FetchSchema(ctx context.Context, _ string) ([]byte, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	body := f.body
	if body == "" {
		body = testSchema
	}
	return []byte(body), nil
}

func newTestValidator(f Fetcher) *Validator {
	return NewValidator(f, WithLogger(logging.Discard().Logger))
}

func TestValidator_SingleFetchUnderConcurrency(t *testing.T) {
	f := &countingFetcher{release: make(chan struct{})}
	v := newTestValidator(f)

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.Validate(context.Background(), "state", "", map[string]any{"impressions": map[string]any{}})
			errs <- err
		}()
	}

	// all callers are parked on the same in-flight fetch
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(f.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.calls.Load())

	_, err := v.Schema(context.Background(), "state")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.calls.Load(), "later calls reuse the memoized schema")
}

func TestValidator_FetchFailureIsTerminal(t *testing.T) {
	f := &countingFetcher{err: errors.New("connection refused")}
	v := newTestValidator(f)

	_, err := v.Validate(context.Background(), "state", "", map[string]any{})
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindFatal))
	assert.True(t, syncErrors.HasCode(err, syncErrors.ErrCodeSchemaFetchFailure))

	_, err = v.Validate(context.Background(), "state", "Impression", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, int32(1), f.calls.Load(), "a failed fetch is not retried")

	_, ok := v.Loaded("state")
	assert.False(t, ok)
}

func TestValidator_CallerCancellationDoesNotPoisonFetch(t *testing.T) {
	f := &countingFetcher{release: make(chan struct{})}
	v := newTestValidator(f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.Schema(ctx, "state")
	require.ErrorIs(t, err, context.Canceled)

	close(f.release)
	raw, err := v.Schema(context.Background(), "state")
	require.NoError(t, err)
	assert.Equal(t, "object", raw["type"])
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestValidator_Validate(t *testing.T) {
	v := newTestValidator(&countingFetcher{})
	ctx := context.Background()

	valid := map[string]any{
		"impressions": map[string]any{
			"imp-1": map[string]any{"name": "slice", "inputValues": map[string]any{"opacity": 0.5}},
		},
	}
	errs, err := v.Validate(ctx, "state", "", valid)
	require.NoError(t, err)
	assert.Nil(t, errs)

	invalid := map[string]any{
		"impressions": map[string]any{
			"imp-1": map[string]any{"inputValues": map[string]any{}},
		},
	}
	errs, err = v.Validate(ctx, "state", "", invalid)
	require.NoError(t, err)
	require.NotEmpty(t, errs)
	for _, e := range errs {
		assert.NotEmpty(t, e.Message)
		assert.NotEmpty(t, e.Location)
		assert.Equal(t, "state", e.Context)
	}

	errs, err = v.Validate(ctx, "state", "", map[string]any{})
	require.NoError(t, err)
	assert.NotEmpty(t, errs, "missing required impressions")
}

func TestValidator_NamedDefinition(t *testing.T) {
	v := newTestValidator(&countingFetcher{})
	ctx := context.Background()

	errs, err := v.Validate(ctx, "state", "Impression", map[string]any{
		"name":        "iso",
		"inputValues": map[string]any{"colormap": "abc-123"},
	})
	require.NoError(t, err)
	assert.Nil(t, errs)

	errs, err = v.Validate(ctx, "state", "Impression", map[string]any{
		"name":        "iso",
		"inputValues": map[string]any{"colormap": []any{"nested"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, errs, "definition references resolve against the original document")
	assert.Equal(t, "state#Impression", errs[0].Context)

	errs, err = v.Validate(ctx, "state", "#/definitions/ColorMapInput", 42)
	require.NoError(t, err)
	assert.NotEmpty(t, errs)

	_, err = v.Validate(ctx, "state", "NoSuchThing", map[string]any{})
	assert.ErrorIs(t, err, ErrUnknownDefinition)
}

func TestValidator_ValidateAcceptsTypedValues(t *testing.T) {
	type impression struct {
		Name string `json:"name"`
	}
	v := newTestValidator(&countingFetcher{})

	errs, err := v.Validate(context.Background(), "state", "Impression", impression{Name: "typed"})
	require.NoError(t, err)
	assert.Nil(t, errs)
}

func TestValidator_Default(t *testing.T) {
	v := newTestValidator(&countingFetcher{})

	d, ok, err := v.Default(context.Background(), "state", "ColorMapInput")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "viridis", d)

	_, ok, err = v.Default(context.Background(), "state", "Impression")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidator_CheckVersion(t *testing.T) {
	v := newTestValidator(&countingFetcher{})
	ctx := context.Background()

	got, err := v.Version(ctx, "state")
	require.NoError(t, err)
	assert.Equal(t, "2", got)

	assert.NoError(t, v.CheckVersion(ctx, "state", "2"))
	assert.NoError(t, v.CheckVersion(ctx, "state", ""))

	err = v.CheckVersion(ctx, "state", "3")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionMismatch)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindFatal))
	assert.True(t, syncErrors.HasCode(err, syncErrors.ErrCodeVersionMismatch))
}

func TestValidator_CheckVersionWithoutDeclaredVersion(t *testing.T) {
	v := newTestValidator(&countingFetcher{body: `{"type": "object"}`})
	ctx := context.Background()

	got, err := v.Version(ctx, "state")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, v.CheckVersion(ctx, "state", ""))

	err = v.CheckVersion(ctx, "state", "0.2.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionMismatch)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindFatal))
	assert.Contains(t, err.Error(), "schema declares none")
}

func TestValidator_TopLevelVersion(t *testing.T) {
	v := newTestValidator(&countingFetcher{body: `{"version": 4, "type": "object"}`})

	got, err := v.Version(context.Background(), "state")
	require.NoError(t, err)
	assert.Equal(t, "4", got)

	errs, err := v.Validate(context.Background(), "state", "", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, errs)
}

func TestErrorList(t *testing.T) {
	l := ErrorList{
		{Location: "/impressions/a", Message: "missing name"},
		{Message: "bad type"},
	}
	assert.Equal(t, "schema validation failed: /impressions/a: missing name; bad type", l.Error())

	wrapped := syncErrors.E(syncErrors.KindInvalid, error(l))
	got, ok := AsErrorList(wrapped)
	require.True(t, ok)
	assert.Len(t, got, 2)
}

func TestSplitChain(t *testing.T) {
	chain, msg := splitChain("validating root: validating /properties/impressions: required: missing name")
	assert.Equal(t, []string{"root", "/properties/impressions"}, chain)
	assert.Equal(t, "required: missing name", msg)

	chain, msg = splitChain("plain message")
	assert.Empty(t, chain)
	assert.Equal(t, "plain message", msg)
}

func TestValidator_ErrorLocationPointsIntoTheValue(t *testing.T) {
	v := newTestValidator(&countingFetcher{})
	ctx := context.Background()

	doc := map[string]any{
		"impressions": map[string]any{
			"a": map[string]any{"name": "fine"},
			"z": map[string]any{
				"name":        "broken",
				"inputValues": map[string]any{"aa": "ok", "zz": []any{1}},
			},
		},
	}
	errs, err := v.Validate(ctx, "state", "", doc)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "/impressions/z/inputValues/zz", errs[0].Location)
	assert.Equal(t, "/definitions/InputValues/additionalProperties", errs[0].SchemaLocation)
	assert.Equal(t, "state", errs[0].Context)

	errs, err = v.Validate(ctx, "state", "InputValues", map[string]any{"colormap": "viridis", "zz": []any{1}})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "/zz", errs[0].Location)
	assert.Equal(t, "state#InputValues", errs[0].Context)

	errs, err = v.Validate(ctx, "state", "", map[string]any{})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Empty(t, errs[0].Location, "a missing member is reported on the object itself")
	assert.Contains(t, errs[0].Message, "required")
}
