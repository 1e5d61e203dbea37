// Package document holds the JSON tree representation of the authored
// composition and the path-addressed operations on it.
//
// Trees are the generic values produced by encoding/json: map[string]any,
// []any, string, float64, bool and nil. Operations in this package mutate in
// place; callers that hand trees to other goroutines Clone first.
package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/c0deZ3R0/go-statesync/docpath"
)

var (
	// ErrNotFound is returned when a path does not resolve.
	ErrNotFound = errors.New("document: path not found")
	// ErrNotContainer is returned when a path walks through a scalar.
	ErrNotContainer = errors.New("document: not a container")
)

// Document is the root of a state document.
type Document map[string]any

// Decode parses a JSON object into a Document.
func Decode(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Get returns the value at p.
func (d Document) Get(p docpath.Path) (any, bool) {
	return Get(map[string]any(d), p)
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(Clone(map[string]any(d)).(map[string]any))
}

// Tree returns d as a plain map, the shape JSON-schema validators expect.
func (d Document) Tree() map[string]any {
	return map[string]any(d)
}

// Get walks root along p. Numeric segments index arrays.
func Get(root any, p docpath.Path) (any, bool) {
	cur := root
	for _, seg := range p.Segments() {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case Document:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Set stores value at p, creating intermediate objects as needed, and
// returns the (possibly new) root. Setting the root path replaces the root.
// The value is stored as given; the previous value at p is not merged.
func Set(root any, p docpath.Path, value any) (any, error) {
	if p.IsRoot() {
		return value, nil
	}
	if root == nil {
		root = map[string]any{}
	}
	segs := p.Segments()
	parent := root
	for i, seg := range segs[:len(segs)-1] {
		next, err := child(parent, seg, true)
		if err != nil {
			return nil, fmt.Errorf("%w at %s", err, docpath.MustNew(segs[:i+1]...))
		}
		parent = next
	}
	last := segs[len(segs)-1]
	switch node := parent.(type) {
	case map[string]any:
		node[last] = value
	case Document:
		node[last] = value
	case []any:
		i, err := strconv.Atoi(last)
		if err != nil || i < 0 || i >= len(node) {
			return nil, fmt.Errorf("%w: index %q out of range", ErrNotFound, last)
		}
		node[i] = value
	default:
		return nil, fmt.Errorf("%w at %s", ErrNotContainer, p.Parent())
	}
	return root, nil
}

func child(parent any, seg string, create bool) (any, error) {
	switch node := parent.(type) {
	case map[string]any:
		v, ok := node[seg]
		if !ok || v == nil {
			if !create {
				return nil, ErrNotFound
			}
			v = map[string]any{}
			node[seg] = v
		}
		return v, nil
	case Document:
		return child(map[string]any(node), seg, create)
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(node) {
			return nil, ErrNotFound
		}
		return node[i], nil
	default:
		return nil, ErrNotContainer
	}
}

// Delete removes everything rooted at p and returns the new root. Deleting
// the root yields an empty object. Deleting a missing path is not an error.
func Delete(root any, p docpath.Path) (any, bool) {
	if p.IsRoot() {
		return map[string]any{}, true
	}
	parent, ok := Get(root, p.Parent())
	if !ok {
		return root, false
	}
	last := p.Base()
	switch node := parent.(type) {
	case map[string]any:
		if _, ok := node[last]; !ok {
			return root, false
		}
		delete(node, last)
		return root, true
	case Document:
		if _, ok := node[last]; !ok {
			return root, false
		}
		delete(node, last)
		return root, true
	case []any:
		i, err := strconv.Atoi(last)
		if err != nil || i < 0 || i >= len(node) {
			return root, false
		}
		shrunk := append(node[:i:i], node[i+1:]...)
		if p.Parent().IsRoot() {
			return shrunk, true
		}
		updated, err := Set(root, p.Parent(), shrunk)
		if err != nil {
			return root, false
		}
		return updated, true
	}
	return root, false
}

// RemoveValue deletes every object member and array element, anywhere in
// the tree, whose value is a scalar matching value. It returns the new root
// and the number of removals.
func RemoveValue(root any, value string) (any, int) {
	removed := 0
	var walk func(node any) any
	walk = func(node any) any {
		switch n := node.(type) {
		case map[string]any:
			for k, v := range n {
				if MatchesScalar(v, value) {
					delete(n, k)
					removed++
					continue
				}
				n[k] = walk(v)
			}
			return n
		case Document:
			return Document(walk(map[string]any(n)).(map[string]any))
		case []any:
			kept := n[:0]
			for _, v := range n {
				if MatchesScalar(v, value) {
					removed++
					continue
				}
				kept = append(kept, walk(v))
			}
			return kept
		default:
			return node
		}
	}
	root = walk(root)
	return root, removed
}

// Count returns how many scalar leaves in the tree match value.
func Count(root any, value string) int {
	n := 0
	var walk func(node any)
	walk = func(node any) {
		switch v := node.(type) {
		case map[string]any:
			for _, c := range v {
				walk(c)
			}
		case Document:
			walk(map[string]any(v))
		case []any:
			for _, c := range v {
				walk(c)
			}
		default:
			if MatchesScalar(v, value) {
				n++
			}
		}
	}
	walk(root)
	return n
}

// MatchesScalar reports whether v is a scalar whose textual form is value.
// Strings compare verbatim; numbers and booleans compare by JSON encoding.
func MatchesScalar(v any, value string) bool {
	switch s := v.(type) {
	case string:
		return s == value
	case float64, bool, json.Number:
		b, err := json.Marshal(s)
		return err == nil && string(b) == value
	}
	return false
}

// IsStructured reports whether v is a JSON object or array.
func IsStructured(v any) bool {
	if v == nil {
		return false
	}
	switch v.(type) {
	case map[string]any, Document, []any:
		return true
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return true
	case reflect.Pointer:
		rv := reflect.ValueOf(v)
		if rv.IsNil() {
			return false
		}
		return IsStructured(rv.Elem().Interface())
	}
	return false
}

// Normalize converts any JSON-encodable value into the generic tree form.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, float64, bool:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Equal reports whether a and b encode to the same JSON value.
func Equal(a, b any) bool {
	na, err := Normalize(a)
	if err != nil {
		return false
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

// Clone deep-copies a generic tree.
func Clone(v any) any {
	switch n := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, c := range n {
			out[k] = Clone(c)
		}
		return out
	case Document:
		return Document(Clone(map[string]any(n)).(map[string]any))
	case []any:
		out := make([]any, len(n))
		for i, c := range n {
			out[i] = Clone(c)
		}
		return out
	default:
		return v
	}
}
