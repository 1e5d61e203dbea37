package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	syncErrors "github.com/c0deZ3R0/go-statesync/errors"
)

// Version returns the protocol version the schema declares. It is read from
// a top-level "version" member, falling back to the const or default of the
// "version" property. An empty string means the schema declares none.
func (v *Validator) Version(ctx context.Context, schemaID string) (string, error) {
	raw, err := v.Schema(ctx, schemaID)
	if err != nil {
		return "", err
	}
	return declaredVersion(raw), nil
}

func declaredVersion(raw map[string]any) string {
	if s, ok := scalarString(raw["version"]); ok {
		return s
	}
	props, _ := raw["properties"].(map[string]any)
	vp, _ := props["version"].(map[string]any)
	for _, key := range []string{"const", "default"} {
		if s, ok := scalarString(vp[key]); ok {
			return s
		}
	}
	return ""
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	}
	return "", false
}

// CheckVersion fails with a fatal error wrapping ErrVersionMismatch when the
// schema declares a version different from expected or none at all. An
// empty expected version always passes.
func (v *Validator) CheckVersion(ctx context.Context, schemaID, expected string) error {
	if expected == "" {
		return nil
	}
	got, err := v.Version(ctx, schemaID)
	if err != nil {
		return err
	}
	if got == expected {
		return nil
	}
	declared := got
	if declared == "" {
		declared = "none"
	}
	v.logger.Error("schema version mismatch",
		"schema_id", schemaID,
		"expected", expected,
		"declared", declared)
	return syncErrors.E(
		syncErrors.Op("schema.CheckVersion"),
		syncErrors.Component(component),
		syncErrors.NewFatalError(syncErrors.OpFetchSchema, syncErrors.ErrCodeVersionMismatch,
			fmt.Errorf("%w: client expects %s, schema declares %s", ErrVersionMismatch, expected, declared)),
	)
}
