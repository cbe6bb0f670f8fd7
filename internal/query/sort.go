package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kartikbazzad/ddprouter/internal/ejson"
)

// SortKey is one (path, direction) pair; direction is +1 ascending or -1
// descending.
type SortKey struct {
	Path      []string
	Direction int
}

// Sort is a parsed, ordered list of sort keys.
type Sort struct {
	keys []SortKey
}

// ParseSort compiles a sort document into an ordered key list. Two keys
// whose dotted paths share a leading segment are rejected here, at parse
// time, without inspecting any document: Mongo's own sort semantics for
// "parallel arrays" are undefined in that case, so the router declines the
// subscription outright rather than return an ambiguous order.
func ParseSort(doc []SortSpec) (*Sort, error) {
	s := &Sort{}
	seen := make(map[string]string) // first-segment -> owning full path
	for _, spec := range doc {
		dir := 1
		switch spec.Direction {
		case 1, -1:
			dir = spec.Direction
		default:
			return nil, fmt.Errorf("query: sort direction must be 1 or -1, got %d", spec.Direction)
		}
		path := strings.Split(spec.Field, ".")
		first := path[0]
		if owner, ok := seen[first]; ok && owner != spec.Field {
			return nil, fmt.Errorf("query: sort keys %s and %s share array path %s", owner, spec.Field, first)
		}
		seen[first] = spec.Field
		s.keys = append(s.keys, SortKey{Path: path, Direction: dir})
	}
	return s, nil
}

// SortSpec is one raw (field, direction) entry as decoded from EJSON,
// before compilation into a SortKey.
type SortSpec struct {
	Field     string
	Direction int
}

// Keys returns the compiled (path, direction) pairs in sort-priority
// order, for callers (the polling source) that need to push the sort down
// into a Mongo find rather than apply it in-process.
func (s *Sort) Keys() []SortKey {
	if s == nil {
		return nil
	}
	return s.keys
}

// Apply sorts docs in place according to the compiled keys.
func (s *Sort) Apply(docs []map[string]interface{}) {
	if s == nil || len(s.keys) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return s.less(docs[i], docs[j])
	})
}

func (s *Sort) less(a, b map[string]interface{}) bool {
	for _, key := range s.keys {
		av := sortValue(a, key.Path, key.Direction)
		bv := sortValue(b, key.Path, key.Direction)
		c := ejson.Compare(av, bv)
		if c == 0 {
			continue
		}
		if key.Direction < 0 {
			c = -c
		}
		return c < 0
	}
	return false
}

// sortValue resolves the effective sort value at path: for an array-valued
// field, Mongo sorts by the minimum element when ascending and the maximum
// element when descending.
func sortValue(doc map[string]interface{}, path []string, direction int) interface{} {
	raw, found := rawPath(doc, path)
	if !found {
		return nil
	}
	arr, ok := raw.([]interface{})
	if !ok {
		return raw
	}
	if len(arr) == 0 {
		return nil
	}
	best := arr[0]
	for _, v := range arr[1:] {
		c := ejson.Compare(v, best)
		if (direction > 0 && c < 0) || (direction < 0 && c > 0) {
			best = v
		}
	}
	return best
}
