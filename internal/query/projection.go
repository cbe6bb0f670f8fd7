package query

import (
	"fmt"
	"strings"
)

// Mode distinguishes inclusion-only from exclusion-only projections.
type Mode int

const (
	ModeNone Mode = iota
	ModeInclude
	ModeExclude
)

// Projection is a parsed field-projection document.
type Projection struct {
	mode   Mode
	fields map[string]bool // dotted path -> included (mode==ModeInclude) or excluded (mode==ModeExclude)
}

// ParseProjection validates and compiles a projection document. Mixing
// inclusion and exclusion is a parse error, with one exception: "_id" may
// always be excluded even while every other field is included, matching
// Mongo's own carve-out.
func ParseProjection(doc map[string]interface{}) (*Projection, error) {
	if len(doc) == 0 {
		return &Projection{mode: ModeNone}, nil
	}
	p := &Projection{fields: make(map[string]bool, len(doc))}
	var sawInclude, sawExclude bool
	for field, raw := range doc {
		include, err := projectionFlag(raw)
		if err != nil {
			return nil, fmt.Errorf("query: projection field %s: %w", field, err)
		}
		if include {
			sawInclude = true
		} else if field != "_id" {
			sawExclude = true
		}
		p.fields[field] = include
	}
	switch {
	case sawInclude && sawExclude:
		return nil, fmt.Errorf("query: projection cannot mix inclusion and exclusion (except _id)")
	case sawInclude:
		p.mode = ModeInclude
	default:
		p.mode = ModeExclude
	}
	return p, nil
}

func projectionFlag(raw interface{}) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("projection value must be boolean or numeric")
	}
}

// Eligible reports whether this projection can drive a change-stream
// source: only an absent projection or an inclusion-only one qualifies
// (SPEC_FULL.md §4.4). An exclusion projection must fall back to polling,
// since a change-stream event only carries the fields the server decided
// to send and can't be trusted to reconstruct what an excluded field's
// absence should look like for a document the stream hasn't resent.
func (p *Projection) Eligible() bool {
	return p == nil || p.mode != ModeExclude
}

// Apply returns a new document containing only the projected fields (or
// all but the excluded ones).
func (p *Projection) Apply(doc map[string]interface{}) map[string]interface{} {
	if p == nil || p.mode == ModeNone {
		return doc
	}
	out := make(map[string]interface{})
	if p.mode == ModeExclude {
		for k, v := range doc {
			out[k] = v
		}
		for field, excluded := range p.fields {
			if excluded {
				removeDotted(out, strings.Split(field, "."))
			}
		}
		return out
	}
	// ModeInclude: _id is implicitly included unless explicitly excluded.
	if excluded, ok := p.fields["_id"]; !ok || !excluded {
		if v, ok := doc["_id"]; ok {
			out["_id"] = v
		}
	}
	for field, included := range p.fields {
		if field == "_id" || !included {
			continue
		}
		if v, ok := lookupDotted(doc, strings.Split(field, ".")); ok {
			setDotted(out, strings.Split(field, "."), v)
		}
	}
	return out
}

func lookupDotted(doc map[string]interface{}, path []string) (interface{}, bool) {
	return rawPath(doc, path)
}

func setDotted(doc map[string]interface{}, path []string, value interface{}) {
	cur := doc
	for i, seg := range path {
		if i == len(path)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[seg] = next
		}
		cur = next
	}
}

func removeDotted(doc map[string]interface{}, path []string) {
	cur := doc
	for i, seg := range path {
		if i == len(path)-1 {
			delete(cur, seg)
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			return
		}
		cur = next
	}
}
