package subscription

import (
	"encoding/json"
	"fmt"

	"github.com/kartikbazzad/ddprouter/internal/ddp"
	"github.com/kartikbazzad/ddprouter/internal/query"
)

// decodeCursorDescriptions parses the result of a __subscription__<name>
// call. The synthetic publication returns its cursor descriptions
// JSON-stringified inside the EJSON result (spec.md §8 scenario (a): the
// method result is the string `"[{\"collectionName\":...}]"`, not the
// array itself), so this decodes the outer EJSON value, expects a string,
// and parses that string's bytes as the actual cursor-description array.
func decodeCursorDescriptions(raw json.RawMessage) ([]query.RawCursorSpec, error) {
	decoded, err := ddp.DecodeDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("subscription: decode result: %w", err)
	}
	payload, ok := decoded.(string)
	if !ok {
		return nil, fmt.Errorf("subscription: expected a JSON-encoded string result, got %T", decoded)
	}
	inner, err := ddp.DecodeDocument(json.RawMessage(payload))
	if err != nil {
		return nil, fmt.Errorf("subscription: decode cursor description payload: %w", err)
	}
	list, ok := inner.([]interface{})
	if !ok {
		return nil, fmt.Errorf("subscription: expected an array of cursor descriptions, got %T", inner)
	}
	out := make([]query.RawCursorSpec, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("subscription: cursor description %d is not an object", i)
		}
		spec, err := decodeOneCursorDescription(m)
		if err != nil {
			return nil, fmt.Errorf("subscription: cursor description %d: %w", i, err)
		}
		out = append(out, spec)
	}
	return out, nil
}

func decodeOneCursorDescription(m map[string]interface{}) (query.RawCursorSpec, error) {
	var spec query.RawCursorSpec

	collection, ok := m["collectionName"].(string)
	if !ok || collection == "" {
		return spec, fmt.Errorf("missing collectionName")
	}
	spec.Collection = collection

	if sel, ok := m["selector"].(map[string]interface{}); ok {
		spec.Selector = sel
	} else if m["selector"] != nil {
		return spec, fmt.Errorf("selector must be an object")
	}

	opts, _ := m["options"].(map[string]interface{})
	if opts != nil {
		if fields, ok := opts["fields"].(map[string]interface{}); ok {
			spec.Projection = fields
		}
		if sortDoc, ok := opts["sort"]; ok {
			sortSpecs, err := decodeSort(sortDoc)
			if err != nil {
				return spec, err
			}
			spec.Sort = sortSpecs
		}
		if skip, ok := opts["skip"]; ok {
			n, ok := asInt64(skip)
			if !ok {
				return spec, fmt.Errorf("skip must be a number")
			}
			spec.Skip = n
		}
		if limit, ok := opts["limit"]; ok {
			n, ok := asInt64(limit)
			if !ok {
				return spec, fmt.Errorf("limit must be a number")
			}
			spec.Limit = n
		}
	}
	return spec, nil
}

// decodeSort accepts either {field: 1|-1, ...} or [[field, 1|-1], ...],
// the two shapes Meteor publications commonly use for a sort document.
func decodeSort(raw interface{}) ([]query.SortSpec, error) {
	switch v := raw.(type) {
	case map[string]interface{}:
		out := make([]query.SortSpec, 0, len(v))
		for field, dir := range v {
			d, ok := asInt64(dir)
			if !ok {
				return nil, fmt.Errorf("sort direction for %s must be 1 or -1", field)
			}
			out = append(out, query.SortSpec{Field: field, Direction: int(d)})
		}
		return out, nil
	case []interface{}:
		out := make([]query.SortSpec, 0, len(v))
		for _, entry := range v {
			pair, ok := entry.([]interface{})
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("sort entry must be a [field, direction] pair")
			}
			field, ok := pair[0].(string)
			if !ok {
				return nil, fmt.Errorf("sort field must be a string")
			}
			dir, ok := asInt64(pair[1])
			if !ok {
				return nil, fmt.Errorf("sort direction must be 1 or -1")
			}
			out = append(out, query.SortSpec{Field: field, Direction: int(dir)})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("sort must be an object or array")
	}
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// topLevelEquality extracts the selector's top-level {field: scalar}
// equality predicates, the subset that can be pushed into a change
// stream's server-side $match stage without reimplementing the query
// matcher there (SPEC_FULL.md §4.4). A selector with no such predicates
// yields an empty (unfiltered) map.
func topLevelEquality(spec *query.CursorSpec) map[string]interface{} {
	return spec.TopLevelEquality()
}
