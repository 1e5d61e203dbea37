// Package docpath implements the path expressions that address a location
// inside the state document, e.g. impressions/<uuid>/inputValues/<name>.
//
// A Path is held as a sequence of opaque segments and only joined with the
// '/' delimiter at the transport boundary. Segments are validated when the
// path is built, so a segment can never smuggle in an extra level.
package docpath

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Delimiter separates segments in the serialized form of a path.
const Delimiter = "/"

var (
	// ErrInvalidSegment is returned when a segment is empty or contains the delimiter.
	ErrInvalidSegment = errors.New("docpath: invalid segment")
	// ErrEmptyPath is returned where a path with zero segments is not allowed.
	ErrEmptyPath = errors.New("docpath: empty path")
)

// Path is an immutable sequence of segments. The zero value is the root.
type Path struct {
	segments []string
}

// Root is the path addressing the whole document.
var Root = Path{}

// New builds a path from raw segments.
func New(segments ...string) (Path, error) {
	for i, seg := range segments {
		if err := checkSegment(seg); err != nil {
			return Path{}, fmt.Errorf("%w: segment %d %q", err, i, seg)
		}
	}
	out := make([]string, len(segments))
	copy(out, segments)
	return Path{segments: out}, nil
}

// MustNew is like New but panics on an invalid segment. Intended for
// constants and tests.
func MustNew(segments ...string) Path {
	p, err := New(segments...)
	if err != nil {
		panic(err)
	}
	return p
}

// Parse splits a delimited path. Leading and trailing delimiters are
// ignored; empty interior segments (a//b) are rejected.
func Parse(s string) (Path, error) {
	s = strings.Trim(s, Delimiter)
	if s == "" {
		return Root, nil
	}
	return New(strings.Split(s, Delimiter)...)
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// ParseEscaped decodes a path whose segments were escaped with Escape.
func ParseEscaped(s string) (Path, error) {
	s = strings.Trim(s, Delimiter)
	if s == "" {
		return Root, nil
	}
	raw := strings.Split(s, Delimiter)
	segs := make([]string, len(raw))
	for i, r := range raw {
		seg, err := url.PathUnescape(r)
		if err != nil {
			return Path{}, fmt.Errorf("%w: %v", ErrInvalidSegment, err)
		}
		segs[i] = seg
	}
	return New(segs...)
}

func checkSegment(seg string) error {
	if seg == "" || strings.Contains(seg, Delimiter) {
		return ErrInvalidSegment
	}
	return nil
}

// Child returns a new path with seg appended.
func (p Path) Child(seg string) (Path, error) {
	if err := checkSegment(seg); err != nil {
		return Path{}, fmt.Errorf("%w: %q", err, seg)
	}
	out := make([]string, len(p.segments)+1)
	copy(out, p.segments)
	out[len(p.segments)] = seg
	return Path{segments: out}, nil
}

// Parent returns the path without its last segment. The parent of the root is the root.
func (p Path) Parent() Path {
	if len(p.segments) == 0 {
		return p
	}
	return Path{segments: p.segments[:len(p.segments)-1]}
}

// Base returns the last segment, or "" for the root.
func (p Path) Base() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// Segments returns a copy of the segments.
func (p Path) Segments() []string {
	out := make([]string, len(p.segments))
	copy(out, p.segments)
	return out
}

// Len returns the number of segments.
func (p Path) Len() int { return len(p.segments) }

// IsRoot reports whether p addresses the whole document.
func (p Path) IsRoot() bool { return len(p.segments) == 0 }

// Equal reports whether p and q address the same location.
func (p Path) Equal(q Path) bool {
	if len(p.segments) != len(q.segments) {
		return false
	}
	for i := range p.segments {
		if p.segments[i] != q.segments[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether q is p or an ancestor of p.
func (p Path) HasPrefix(q Path) bool {
	if len(q.segments) > len(p.segments) {
		return false
	}
	for i := range q.segments {
		if p.segments[i] != q.segments[i] {
			return false
		}
	}
	return true
}

// String returns the delimited form, used for logging and map keys.
func (p Path) String() string {
	return strings.Join(p.segments, Delimiter)
}

// Escape returns the delimited form with each segment percent-escaped so it
// can be appended to a URL path.
func (p Path) Escape() string {
	escaped := make([]string, len(p.segments))
	for i, seg := range p.segments {
		escaped[i] = url.PathEscape(seg)
	}
	return strings.Join(escaped, Delimiter)
}

// MarshalText implements encoding.TextMarshaler.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Path) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
