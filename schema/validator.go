// Package schema fetches, compiles and applies the JSON Schema that every
// state document and outgoing fragment must satisfy.
//
// A schema is fetched at most once per identifier for the lifetime of a
// Validator. Callers that arrive while the fetch is in flight wait for the
// same fetch. A failed fetch is terminal for that identifier: the client
// cannot do anything useful without its schema, so it fails fast instead of
// retrying.
package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/c0deZ3R0/go-statesync/document"
	syncErrors "github.com/c0deZ3R0/go-statesync/errors"
	"github.com/c0deZ3R0/go-statesync/logging"
)

const component = "schema"

// ErrVersionMismatch is wrapped by CheckVersion when the schema's declared
// protocol version differs from the one the client was built for.
var ErrVersionMismatch = errors.New("schema protocol version mismatch")

// ErrUnknownDefinition is returned when a named sub-schema does not exist.
var ErrUnknownDefinition = errors.New("unknown schema definition")

// Fetcher retrieves the raw bytes of a schema document by identifier.
type Fetcher interface {
	FetchSchema(ctx context.Context, schemaID string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, schemaID string) ([]byte, error)

// FetchSchema implements Fetcher.
func (f FetcherFunc) FetchSchema(ctx context.Context, schemaID string) ([]byte, error) {
	return f(ctx, schemaID)
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		v.logger = logger
	}
}

// WithFetchTimeout bounds the one-time schema fetch. Zero disables the bound.
func WithFetchTimeout(d time.Duration) Option {
	return func(v *Validator) {
		v.fetchTimeout = d
	}
}

// Validator validates JSON values against named schemas. It is safe for
// concurrent use.
type Validator struct {
	fetcher      Fetcher
	logger       *slog.Logger
	fetchTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// entry is the memoized state of one schema identifier.
type entry struct {
	done chan struct{}
	raw  map[string]any
	err  error

	mu       sync.Mutex
	compiled map[string]*jsonschema.Resolved
}

// NewValidator creates a Validator that loads schemas through fetcher.
func NewValidator(fetcher Fetcher, opts ...Option) *Validator {
	v := &Validator{
		fetcher:      fetcher,
		fetchTimeout: 30 * time.Second,
		entries:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = logging.WithComponent(logging.Component(component)).Logger
	}
	return v
}

// load returns the entry for schemaID once its fetch has completed. The fetch
// runs detached from ctx so an impatient first caller cannot poison the
// entry for everybody else; ctx only bounds how long this caller waits.
func (v *Validator) load(ctx context.Context, schemaID string) (*entry, error) {
	v.mu.Lock()
	e, ok := v.entries[schemaID]
	if !ok {
		e = &entry{
			done:     make(chan struct{}),
			compiled: make(map[string]*jsonschema.Resolved),
		}
		v.entries[schemaID] = e
		go v.fetch(context.WithoutCancel(ctx), schemaID, e)
	}
	v.mu.Unlock()

	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return e, nil
}

func (v *Validator) fetch(ctx context.Context, schemaID string, e *entry) {
	defer close(e.done)

	if v.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.fetchTimeout)
		defer cancel()
	}

	start := time.Now()
	data, err := v.fetcher.FetchSchema(ctx, schemaID)
	if err == nil {
		err = json.Unmarshal(data, &e.raw)
		if err == nil && e.raw == nil {
			err = errors.New("schema document is not an object")
		}
	}
	if err != nil {
		e.err = syncErrors.E(
			syncErrors.Op("schema.Fetch"),
			syncErrors.Component(component),
			syncErrors.NewFatalError(syncErrors.OpFetchSchema, syncErrors.ErrCodeSchemaFetchFailure, err),
			map[string]interface{}{"schema_id": schemaID},
		)
		v.logger.Error("schema fetch failed; schema unavailable for this session",
			slog.String("schema_id", schemaID),
			slog.String("error", err.Error()))
		return
	}
	v.logger.Info("schema loaded",
		slog.String("schema_id", schemaID),
		slog.Duration("duration", time.Since(start)))
}

// Schema returns the raw schema document for schemaID, waiting for the
// one-time fetch if needed. Callers must treat the result as read-only.
func (v *Validator) Schema(ctx context.Context, schemaID string) (map[string]any, error) {
	e, err := v.load(ctx, schemaID)
	if err != nil {
		return nil, err
	}
	return e.raw, nil
}

// Loaded returns the raw schema document if its fetch has already
// succeeded, without blocking.
func (v *Validator) Loaded(schemaID string) (map[string]any, bool) {
	v.mu.Lock()
	e, ok := v.entries[schemaID]
	v.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.done:
		return e.raw, e.err == nil
	default:
		return nil, false
	}
}

// Validate checks data against the definition named def inside schemaID. An
// empty def validates against the schema root. A nil ErrorList and nil error
// mean the value is valid; a validation failure is reported as data in the
// ErrorList, while err is reserved for failures to obtain or compile the
// schema.
func (v *Validator) Validate(ctx context.Context, schemaID, def string, data any) (ErrorList, error) {
	e, err := v.load(ctx, schemaID)
	if err != nil {
		return nil, err
	}
	rs, err := e.resolve(def)
	if err != nil {
		return nil, syncErrors.E(syncErrors.Op("schema.Validate"), syncErrors.Component(component), err,
			map[string]interface{}{"schema_id": schemaID, "definition": def})
	}

	instance, err := document.Normalize(data)
	if err != nil {
		return nil, syncErrors.E(syncErrors.Op("schema.Validate"), syncErrors.Component(component), syncErrors.KindInvalid, err, "value is not JSON")
	}
	if err := rs.Validate(instance); err != nil {
		return e.toErrorList(err, schemaID, def, instance), nil
	}
	return nil, nil
}

// resolve compiles and memoizes the sub-schema named def.
func (e *entry) resolve(def string) (*jsonschema.Resolved, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rs, ok := e.compiled[def]; ok {
		return rs, nil
	}

	src, err := compileSource(e.raw, def)
	if err != nil {
		return nil, err
	}
	rs, err := compile(src)
	if err != nil {
		return nil, err
	}
	e.compiled[def] = rs
	return rs, nil
}

func compile(src map[string]any) (*jsonschema.Resolved, error) {
	data, err := json.Marshal(src)
	if err != nil {
		return nil, err
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, syncErrors.E(syncErrors.KindInvalid, err, "parse schema")
	}
	rs, err := s.Resolve(nil)
	if err != nil {
		return nil, syncErrors.E(syncErrors.KindInvalid, err, "resolve schema")
	}
	return rs, nil
}

// compileSource builds the document handed to the compiler. Keywords that
// are ours rather than JSON Schema's are stripped. For a named definition the
// result is a thin wrapper that references it while keeping the definition
// containers, so references between definitions still resolve.
func compileSource(raw map[string]any, def string) (map[string]any, error) {
	if def == "" {
		out := make(map[string]any, len(raw))
		for k, val := range raw {
			switch k {
			case "$schema", "version":
				continue
			}
			out[k] = val
		}
		return out, nil
	}

	ptr := DefinitionPointer(raw, def)
	if _, ok := resolvePointer(raw, ptr); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, def)
	}
	out := map[string]any{"$ref": ptr}
	for _, container := range []string{"definitions", "$defs"} {
		if c, ok := raw[container]; ok {
			out[container] = c
		}
	}
	return out, nil
}

// DefinitionPointer maps a definition name to a JSON pointer fragment.
// Names that already are fragments ("#/...") are returned unchanged.
func DefinitionPointer(raw map[string]any, def string) string {
	if strings.HasPrefix(def, "#/") {
		return def
	}
	if defs, ok := raw["$defs"].(map[string]any); ok {
		if _, ok := defs[def]; ok {
			return "#/$defs/" + escapePointer(def)
		}
	}
	return "#/definitions/" + escapePointer(def)
}

func escapePointer(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "~", "~0"), "/", "~1")
}

func resolvePointer(raw map[string]any, ptr string) (any, bool) {
	ptr = strings.TrimPrefix(ptr, "#")
	var cur any = raw
	if ptr == "" || ptr == "/" {
		return cur, true
	}
	for _, tok := range strings.Split(strings.TrimPrefix(ptr, "/"), "/") {
		tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[tok]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Default returns the "default" keyword of the sub-schema at pointer, e.g.
// "#/definitions/ColorMapInput". Used to seed new inputs with their
// declared defaults.
func (v *Validator) Default(ctx context.Context, schemaID, pointer string) (any, bool, error) {
	raw, err := v.Schema(ctx, schemaID)
	if err != nil {
		return nil, false, err
	}
	node, ok := resolvePointer(raw, DefinitionPointer(raw, pointer))
	if !ok {
		return nil, false, nil
	}
	m, ok := node.(map[string]any)
	if !ok {
		return nil, false, nil
	}
	d, ok := m["default"]
	return d, ok, nil
}
