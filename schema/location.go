package schema

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// rootDef is where the schema root is parked when a sub-schema at an
// arbitrary location is compiled on its own.
const rootDef = "statesync-root"

// instanceLocation follows the schema locations a validator error passed
// through and returns the JSON pointer of the offending value inside
// instance. "" is the value itself. When a step cannot be attributed to a
// single member the location found so far is returned.
func (e *entry) instanceLocation(chain []string, instance any) string {
	var loc []string
	cur := instance
	prev := ""
	for _, next := range chain {
		if next == "root" {
			prev = ""
			continue
		}
		if !strings.HasPrefix(next, "/") {
			break
		}
		if !strings.HasPrefix(next, prev+"/") {
			// reference jump, same instance
			prev = next
			continue
		}
		at := prev
		tokens := strings.Split(next[len(prev)+1:], "/")
		for i := 0; i < len(tokens); i++ {
			node, _ := resolvePointer(e.raw, "#"+at)
			parent, _ := node.(map[string]any)
			tok := tokens[i]
			switch tok {
			case "properties":
				if i+1 >= len(tokens) {
					return joinPointer(loc)
				}
				name := tokens[i+1]
				i++
				obj, ok := cur.(map[string]any)
				if !ok {
					return joinPointer(loc)
				}
				if cur, ok = obj[name]; !ok {
					return joinPointer(loc)
				}
				loc = append(loc, name)
				at += "/properties/" + escapePointer(name)
				continue

			case "additionalProperties", "patternProperties":
				obj, ok := cur.(map[string]any)
				if !ok {
					return joinPointer(loc)
				}
				sub := at + "/" + tok
				var candidates []string
				if tok == "patternProperties" {
					if i+1 >= len(tokens) {
						return joinPointer(loc)
					}
					re, err := regexp.Compile(tokens[i+1])
					i++
					if err != nil {
						return joinPointer(loc)
					}
					sub += "/" + escapePointer(re.String())
					for k := range obj {
						if re.MatchString(k) {
							candidates = append(candidates, k)
						}
					}
				} else {
					candidates = additionalKeys(parent, obj)
				}
				sort.Strings(candidates)
				key, ok := e.pickMember(sub, len(candidates), func(n int) any { return obj[candidates[n]] })
				if !ok {
					return joinPointer(loc)
				}
				cur = obj[candidates[key]]
				loc = append(loc, candidates[key])
				at = sub
				continue

			case "items", "prefixItems", "additionalItems":
				arr, ok := cur.([]any)
				if !ok {
					return joinPointer(loc)
				}
				sub := at + "/" + tok
				if i+1 < len(tokens) {
					if n, err := strconv.Atoi(tokens[i+1]); err == nil {
						i++
						if n < 0 || n >= len(arr) {
							return joinPointer(loc)
						}
						cur = arr[n]
						loc = append(loc, tokens[i])
						at = sub + "/" + tokens[i]
						continue
					}
				}
				start := 0
				switch tok {
				case "items":
					start = tupleLen(parent, "prefixItems")
				case "additionalItems":
					start = tupleLen(parent, "items")
				}
				if start > len(arr) {
					return joinPointer(loc)
				}
				rest := arr[start:]
				n, ok := e.pickMember(sub, len(rest), func(n int) any { return rest[n] })
				if !ok {
					return joinPointer(loc)
				}
				cur = rest[n]
				loc = append(loc, strconv.Itoa(start+n))
				at = sub
				continue

			case "allOf", "anyOf", "oneOf", "dependentSchemas", "definitions", "$defs":
				if i+1 < len(tokens) {
					i++
					at += "/" + tok + "/" + escapePointer(tokens[i])
				}
				continue

			case "not", "if", "then", "else":
				at += "/" + tok
				continue
			}
			return joinPointer(loc)
		}
		prev = next
	}
	return joinPointer(loc)
}

// pickMember returns which of n members fails the sub-schema at ptr. A
// single member is taken as is.
func (e *entry) pickMember(ptr string, n int, member func(int) any) (int, bool) {
	switch n {
	case 0:
		return 0, false
	case 1:
		return 0, true
	}
	rs, err := e.resolveAt(ptr)
	if err != nil {
		return 0, false
	}
	for i := 0; i < n; i++ {
		if rs.Validate(member(i)) != nil {
			return i, true
		}
	}
	return 0, false
}

// resolveAt compiles the sub-schema at the JSON pointer ptr, keeping the
// definition containers so references inside it still resolve.
func (e *entry) resolveAt(ptr string) (*jsonschema.Resolved, error) {
	key := "\x00" + ptr
	e.mu.Lock()
	defer e.mu.Unlock()
	if rs, ok := e.compiled[key]; ok {
		return rs, nil
	}

	root, err := compileSource(e.raw, "")
	if err != nil {
		return nil, err
	}
	container := "$defs"
	if _, ok := e.raw["definitions"]; ok {
		container = "definitions"
	}
	defs := map[string]any{rootDef: root}
	if own, ok := e.raw[container].(map[string]any); ok {
		for k, v := range own {
			defs[k] = v
		}
	}
	src := map[string]any{
		"$ref":    "#/" + container + "/" + rootDef + ptr,
		container: defs,
	}
	rs, err := compile(src)
	if err != nil {
		return nil, err
	}
	e.compiled[key] = rs
	return rs, nil
}

// additionalKeys lists the members of obj that neither properties nor
// patternProperties of schema cover.
func additionalKeys(schema map[string]any, obj map[string]any) []string {
	props, _ := schema["properties"].(map[string]any)
	patterns, _ := schema["patternProperties"].(map[string]any)
	var res []*regexp.Regexp
	for p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			res = append(res, re)
		}
	}
	var out []string
next:
	for k := range obj {
		if _, ok := props[k]; ok {
			continue
		}
		for _, re := range res {
			if re.MatchString(k) {
				continue next
			}
		}
		out = append(out, k)
	}
	return out
}

func tupleLen(schema map[string]any, keyword string) int {
	if tuple, ok := schema[keyword].([]any); ok {
		return len(tuple)
	}
	return 0
}

func joinPointer(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	escaped := make([]string, len(tokens))
	for i, t := range tokens {
		escaped[i] = escapePointer(t)
	}
	return "/" + strings.Join(escaped, "/")
}
