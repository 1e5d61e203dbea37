package schema

import (
	"errors"
	"strings"
)

// ValidationError describes one way in which a value violates its schema.
type ValidationError struct {
	// Location is the JSON pointer of the offending member inside the
	// validated value; "" is the value itself.
	Location string `json:"location"`
	Message  string `json:"message"`
	// Context names the schema and definition the value was checked against.
	Context string `json:"context"`
	// SchemaLocation is the keyword location that rejected the value.
	SchemaLocation string `json:"schemaLocation,omitempty"`
}

// ErrorList is an ordered, non-empty list of validation errors. It
// implements error so a rejected pull can be returned through error paths.
type ErrorList []ValidationError

func (l ErrorList) Error() string {
	msgs := make([]string, len(l))
	for i, e := range l {
		if e.Location != "" {
			msgs[i] = e.Location + ": " + e.Message
		} else {
			msgs[i] = e.Message
		}
	}
	return "schema validation failed: " + strings.Join(msgs, "; ")
}

// AsErrorList extracts an ErrorList from err's chain.
func AsErrorList(err error) (ErrorList, bool) {
	var l ErrorList
	if errors.As(err, &l) {
		return l, true
	}
	return nil, false
}

// toErrorList flattens a validator error into descriptors. Joined errors
// become one descriptor each.
func (e *entry) toErrorList(err error, schemaID, def string, instance any) ErrorList {
	var leaves []error
	var flatten func(error)
	flatten = func(err error) {
		if multi, ok := err.(interface{ Unwrap() []error }); ok {
			for _, c := range multi.Unwrap() {
				flatten(c)
			}
			return
		}
		leaves = append(leaves, err)
	}
	flatten(err)

	ctx := schemaID
	if def != "" {
		ctx += "#" + def
	}
	out := make(ErrorList, 0, len(leaves))
	for _, leaf := range leaves {
		chain, msg := splitChain(leaf.Error())
		v := ValidationError{
			Location: e.instanceLocation(chain, instance),
			Message:  msg,
			Context:  ctx,
		}
		if len(chain) > 0 {
			v.SchemaLocation = chain[len(chain)-1]
		}
		out = append(out, v)
	}
	return out
}

// splitChain peels "validating <location>: " prefixes off a validator
// message and returns the locations outermost first with the remaining text.
func splitChain(msg string) ([]string, string) {
	const prefix = "validating "
	var chain []string
	for strings.HasPrefix(msg, prefix) {
		rest := msg[len(prefix):]
		i := strings.Index(rest, ": ")
		if i < 0 {
			break
		}
		chain = append(chain, rest[:i])
		msg = rest[i+2:]
	}
	return chain, msg
}
