package ejson

import (
	"reflect"
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	cases := []interface{}{
		nil,
		true,
		false,
		"hello",
		int64(42),
		3.14,
		[]interface{}{int64(1), "two", 3.0},
		map[string]interface{}{"a": int64(1), "b": "two"},
		time.UnixMilli(1700000000000).UTC(),
		Binary([]byte{0x01, 0x02, 0xff}),
		ObjectID("507f1f77bcf86cd799439011"),
		Regex{Pattern: "^foo", Options: "i"},
	}

	for _, v := range cases {
		encoded, err := Encode(v)
		if err != nil {
			t.Fatalf("Encode(%v): %v", v, err)
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%s): %v", encoded, err)
		}
		if !reflect.DeepEqual(normalize(v), normalize(decoded)) {
			t.Errorf("round trip mismatch: %#v (encoded %s) != %#v", v, encoded, decoded)
		}
	}
}

// normalize collapses the int64/float64 distinction for values that don't
// survive the JSON number heuristic across a literal Go float with no
// fractional part (e.g. 3.0 decodes as int64(3)); every other test case is
// already unambiguous.
func normalize(v interface{}) interface{} {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return int64(f)
	}
	if arr, ok := v.([]interface{}); ok {
		out := make([]interface{}, len(arr))
		for i, e := range arr {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}

func TestCompareNumeric(t *testing.T) {
	if Compare(int64(1), int64(2)) >= 0 {
		t.Error("expected 1 < 2")
	}
	if Compare(1.5, int64(1)) <= 0 {
		t.Error("expected 1.5 > 1")
	}
	if Compare(int64(3), int64(3)) != 0 {
		t.Error("expected 3 == 3")
	}
}

func TestCompareTypeOrdering(t *testing.T) {
	// Null < Number < String < Document < Array < Binary < ObjectID < Bool < Date < Regex
	ordered := []interface{}{
		nil,
		int64(1),
		"s",
		map[string]interface{}{"x": int64(1)},
		[]interface{}{int64(1)},
		Binary([]byte{1}),
		ObjectID("507f1f77bcf86cd799439011"),
		true,
		time.UnixMilli(0),
		Regex{Pattern: "a"},
	}
	for i := 0; i < len(ordered)-1; i++ {
		if Compare(ordered[i], ordered[i+1]) >= 0 {
			t.Errorf("expected rank(%v) < rank(%v)", ordered[i], ordered[i+1])
		}
	}
}

func TestEqual(t *testing.T) {
	if !Equal(int64(1), int64(1)) {
		t.Error("expected 1 == 1")
	}
	if Equal(int64(1), int64(2)) {
		t.Error("expected 1 != 2")
	}
	if !Equal(map[string]interface{}{"a": int64(1)}, map[string]interface{}{"a": int64(1)}) {
		t.Error("expected equal maps to be equal")
	}
	if Equal(map[string]interface{}{"a": int64(1)}, map[string]interface{}{"a": int64(2)}) {
		t.Error("expected differing maps to be unequal")
	}
}
