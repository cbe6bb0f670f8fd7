package query

import "fmt"

// CursorSpec is the fully-parsed shape of one Mongo cursor description
// returned by a synthetic __subscription__<name> RPC call (SPEC_FULL.md
// §4.2, §4.3): a collection name plus the selector/options pair a
// publication handed the router.
type CursorSpec struct {
	Collection string
	Selector   *Selector
	Projection *Projection
	Sort       *Sort
	Skip       int64
	Limit      int64

	// RawSelector is the selector document before compilation, kept so
	// callers (the change-stream source) can push its top-level equality
	// predicates into a server-side $match stage.
	RawSelector map[string]interface{}
}

// RawCursorSpec is the wire shape decoded straight off EJSON, before the
// selector/projection/sort sub-documents are compiled.
type RawCursorSpec struct {
	Collection string
	Selector   map[string]interface{}
	Projection map[string]interface{}
	Sort       []SortSpec
	Skip       int64
	Limit      int64
}

// Compile parses every sub-document of a raw cursor spec, returning the
// first parse error encountered (any of which declines offload for the
// owning subscription per SPEC_FULL.md §7).
func Compile(raw RawCursorSpec) (*CursorSpec, error) {
	if raw.Collection == "" {
		return nil, fmt.Errorf("query: cursor spec missing collection")
	}
	selector, err := Parse(raw.Selector)
	if err != nil {
		return nil, err
	}
	projection, err := ParseProjection(raw.Projection)
	if err != nil {
		return nil, err
	}
	sortKeys, err := ParseSort(raw.Sort)
	if err != nil {
		return nil, err
	}
	return &CursorSpec{
		Collection:  raw.Collection,
		Selector:    selector,
		Projection:  projection,
		Sort:        sortKeys,
		Skip:        raw.Skip,
		Limit:       raw.Limit,
		RawSelector: raw.Selector,
	}, nil
}

// TopLevelEquality returns the subset of the raw selector document that
// is a simple {field: scalar} equality test, suitable for pushing into a
// change stream's server-side $match stage as an optimization; the full
// Selector is still re-evaluated in-process for correctness.
func (c *CursorSpec) TopLevelEquality() map[string]interface{} {
	out := make(map[string]interface{})
	for field, val := range c.RawSelector {
		if len(field) > 0 && field[0] == '$' {
			continue
		}
		switch val.(type) {
		case nil, bool, string, int64, float64:
			out[field] = val
		}
	}
	return out
}

// ChangeStreamEligible reports whether this cursor spec can be served by an
// incremental change-stream source rather than falling back to polling
// (SPEC_FULL.md §4.4). A cursor is ineligible when it uses skip — the
// router never executes skip itself (an explicit non-goal) so any cursor
// that needs it cannot be expressed incrementally — when it uses limit —
// a change stream has no way to re-evaluate which documents fall in a
// sorted top-N as updates arrive, so a capped result set can only be kept
// correct by re-running the query, i.e. polling — or when its projection
// is exclusion-mode, which Projection.Eligible rejects.
func (c *CursorSpec) ChangeStreamEligible() bool {
	if c == nil {
		return false
	}
	if c.Skip > 0 || c.Limit > 0 {
		return false
	}
	if c.Projection != nil && !c.Projection.Eligible() {
		return false
	}
	return true
}
