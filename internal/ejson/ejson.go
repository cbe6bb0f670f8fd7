// Package ejson implements Extended JSON: the superset of JSON that DDP
// uses to carry Date, binary, ObjectId, and Regex values over the wire
// (spec.md §9, "Dynamic EJSON values").
//
// Decoded values use plain Go types for the common cases (nil, bool,
// string, int64, float64, []interface{}, map[string]interface{}) and the
// three wrapper types below for the extended ones, so the query matcher
// and mergebox never have to special-case JSON vs. EJSON.
package ejson

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// ObjectID is a 12-byte Mongo identifier, carried as its 24-char hex string.
type ObjectID string

// Binary is an EJSON binary blob ($binary).
type Binary []byte

// Regex is an EJSON regular expression literal ($regex / $options).
type Regex struct {
	Pattern string
	Options string
}

// Decode parses an EJSON-encoded JSON document into native Go values,
// recognizing the tagged shapes for Date, Binary, ObjectID, and Regex.
func Decode(data []byte) (interface{}, error) {
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("ejson: decode: %w", err)
	}
	return decodeValue(raw)
}

func decodeValue(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil, bool, string:
		return x, nil
	case json.Number:
		return decodeNumber(x)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			dv, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		return out, nil
	case map[string]interface{}:
		if tagged, ok, err := decodeTagged(x); ok || err != nil {
			return tagged, err
		}
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			dv, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = dv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("ejson: unsupported decoded type %T", v)
	}
}

// decodeNumber classifies a JSON number as int64 when it has no fractional
// or exponent part and fits in 64 bits, otherwise as float64.
func decodeNumber(n json.Number) (interface{}, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("ejson: invalid number %q: %w", n.String(), err)
	}
	return f, nil
}

func decodeTagged(m map[string]interface{}) (interface{}, bool, error) {
	if len(m) == 1 {
		if dv, ok := m["$date"]; ok {
			ms, ok := asInt64(dv)
			if !ok {
				return nil, true, fmt.Errorf("ejson: $date value must be a number of milliseconds")
			}
			return time.UnixMilli(ms).UTC(), true, nil
		}
		if bv, ok := m["$binary"]; ok {
			s, ok := bv.(string)
			if !ok {
				return nil, true, fmt.Errorf("ejson: $binary value must be a base64 string")
			}
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, true, fmt.Errorf("ejson: invalid $binary payload: %w", err)
			}
			return Binary(b), true, nil
		}
		if ov, ok := m["$oid"]; ok {
			s, ok := ov.(string)
			if !ok {
				return nil, true, fmt.Errorf("ejson: $oid value must be a string")
			}
			return ObjectID(s), true, nil
		}
	}
	if len(m) == 2 {
		if rv, ok := m["$regex"]; ok {
			pattern, ok := rv.(string)
			if !ok {
				return nil, true, fmt.Errorf("ejson: $regex value must be a string")
			}
			opts, _ := m["$options"].(string)
			return Regex{Pattern: pattern, Options: opts}, true, nil
		}
	}
	return nil, false, nil
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err == nil {
			return int64(f), true
		}
	case float64:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// Encode serializes a native Go value (as produced by Decode, or by a
// MongoDB driver read) back to EJSON wire bytes.
func Encode(v interface{}) ([]byte, error) {
	w, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// encodeValue converts v into a structure encoding/json can marshal
// directly, substituting the tagged shapes for the extended types.
func encodeValue(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil, bool, string, int, int32, int64, float32, float64:
		return x, nil
	case time.Time:
		return map[string]interface{}{"$date": x.UnixMilli()}, nil
	case Binary:
		return map[string]interface{}{"$binary": base64.StdEncoding.EncodeToString(x)}, nil
	case ObjectID:
		return map[string]interface{}{"$oid": string(x)}, nil
	case Regex:
		return map[string]interface{}{"$regex": x.Pattern, "$options": x.Options}, nil
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			ev, err := encodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			ev, err := encodeValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = ev
		}
		return out, nil
	default:
		return nil, fmt.Errorf("ejson: unsupported value type %T", v)
	}
}

// typeRank assigns each EJSON kind its position in BSON canonical type
// ordering (simplified to the tags this package supports): Null <
// Numbers < String < Document < Array < Binary < ObjectID < Bool < Date < Regex.
func typeRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case int64, float64:
		return 1
	case string:
		return 2
	case map[string]interface{}:
		return 3
	case []interface{}:
		return 4
	case Binary:
		return 5
	case ObjectID:
		return 6
	case bool:
		return 7
	case time.Time:
		return 8
	case Regex:
		return 9
	default:
		return 10
	}
}

// Compare orders two EJSON values per BSON canonical type ordering: values
// of different kinds compare by kind rank; values of the same numeric kind
// compare numerically; strings, binaries, and object ids compare
// byte/lexically; dates compare chronologically; bools compare false<true.
// Documents and arrays fall back to encoded-form comparison, which is
// enough to give sort a total, deterministic order without claiming full
// BSON document-ordering semantics.
func Compare(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0:
		return 0
	case 1:
		return compareNumeric(a, b)
	case 2:
		return compareString(a.(string), b.(string))
	case 5:
		return compareBytes([]byte(a.(Binary)), []byte(b.(Binary)))
	case 6:
		return compareString(string(a.(ObjectID)), string(b.(ObjectID)))
	case 7:
		ab, bb := a.(bool), b.(bool)
		if ab == bb {
			return 0
		}
		if !ab {
			return -1
		}
		return 1
	case 8:
		at, bt := a.(time.Time), b.(time.Time)
		switch {
		case at.Before(bt):
			return -1
		case at.After(bt):
			return 1
		default:
			return 0
		}
	default:
		ea, _ := Encode(a)
		eb, _ := Encode(b)
		return compareBytes(ea, eb)
	}
}

func compareNumeric(a, b interface{}) int {
	fa, fb := toFloat(a), toFloat(b)
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	default:
		return 0
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return math.NaN()
	}
}

func compareString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Equal reports whether two EJSON values are equal under their canonical
// representation (used by the query matcher's $eq/$ne/$in and by the
// polling source's snapshot diff).
func Equal(a, b interface{}) bool {
	switch av := a.(type) {
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, e := range av {
			be, ok := bv[k]
			if !ok || !Equal(e, be) {
				return false
			}
		}
		return true
	default:
		return typeRank(a) == typeRank(b) && Compare(a, b) == 0
	}
}

// SortValues sorts a slice of EJSON values ascending using Compare; helper
// for tests and for $in-style normalization.
func SortValues(vs []interface{}) {
	sort.Slice(vs, func(i, j int) bool { return Compare(vs[i], vs[j]) < 0 })
}
