// Package matcher compiles API path templates such as "/users/{id}" or
// "/files/{path+}" and matches request paths against them.
package matcher

import (
	"fmt"
	"strings"
)

type Params = map[string]string

type segType uint8

const (
	segStatic segType = iota
	segDynamic
	segGreedy
)

type segment struct {
	typ   segType
	value string // literal text, or param name
}

type Pattern struct {
	template string
	segments []segment
}

// Compile parses a template. Segments written as {name} capture exactly one
// path segment; a final {name+} captures the rest of the path (at least one
// segment). Everything else must match literally.
func Compile(template string) (*Pattern, error) {
	p := &Pattern{template: template}
	seen := make(map[string]bool)
	parts := splitSegments(template)
	for i, part := range parts {
		if !strings.HasPrefix(part, "{") || !strings.HasSuffix(part, "}") {
			if strings.ContainsAny(part, "{}") {
				return nil, fmt.Errorf("matcher: malformed segment %q in %q", part, template)
			}
			p.segments = append(p.segments, segment{typ: segStatic, value: part})
			continue
		}
		name := part[1 : len(part)-1]
		typ := segDynamic
		if strings.HasSuffix(name, "+") {
			if i != len(parts)-1 {
				return nil, fmt.Errorf("matcher: greedy segment %q must be last in %q", part, template)
			}
			name = strings.TrimSuffix(name, "+")
			typ = segGreedy
		}
		if name == "" || strings.ContainsAny(name, "{}+") {
			return nil, fmt.Errorf("matcher: invalid param name in %q", template)
		}
		if seen[name] {
			return nil, fmt.Errorf("matcher: duplicate param %q in %q", name, template)
		}
		seen[name] = true
		p.segments = append(p.segments, segment{typ: typ, value: name})
	}
	return p, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(template string) *Pattern {
	p, err := Compile(template)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Pattern) String() string { return p.template }

// Match returns the captured params when path matches the pattern.
// Captured values are not unescaped.
func (p *Pattern) Match(path string) (Params, bool) {
	parts := splitSegments(path)
	params := make(Params)
	for i, seg := range p.segments {
		if i >= len(parts) {
			return nil, false
		}
		switch seg.typ {
		case segStatic:
			if parts[i] != seg.value {
				return nil, false
			}
		case segDynamic:
			params[seg.value] = parts[i]
		case segGreedy:
			params[seg.value] = strings.Join(parts[i:], "/")
			return params, true
		}
	}
	if len(parts) != len(p.segments) {
		return nil, false
	}
	return params, true
}

// Specificity orders patterns so that the most literal one is tried first:
// static segments count most, greedy segments least.
func (p *Pattern) Specificity() int {
	score := 0
	for _, seg := range p.segments {
		switch seg.typ {
		case segStatic:
			score += 3
		case segDynamic:
			score += 2
		case segGreedy:
			score++
		}
	}
	return score
}

func splitSegments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
