package query

import "testing"

func doc(fields map[string]interface{}) map[string]interface{} { return fields }

func mustParse(t *testing.T, q map[string]interface{}) *Selector {
	t.Helper()
	s, err := Parse(q)
	if err != nil {
		t.Fatalf("Parse(%v): %v", q, err)
	}
	return s
}

func TestImplicitEquality(t *testing.T) {
	s := mustParse(t, map[string]interface{}{"name": "alice"})
	if !s.Match(doc(map[string]interface{}{"name": "alice"})) {
		t.Error("expected match")
	}
	if s.Match(doc(map[string]interface{}{"name": "bob"})) {
		t.Error("expected no match")
	}
}

func TestComparisonOperators(t *testing.T) {
	s := mustParse(t, map[string]interface{}{"age": map[string]interface{}{"$gte": int64(18)}})
	if !s.Match(doc(map[string]interface{}{"age": int64(21)})) {
		t.Error("expected 21 >= 18")
	}
	if s.Match(doc(map[string]interface{}{"age": int64(10)})) {
		t.Error("expected 10 < 18 to not match")
	}
}

func TestAndOrNor(t *testing.T) {
	q := map[string]interface{}{
		"$or": []interface{}{
			map[string]interface{}{"status": "active"},
			map[string]interface{}{"status": "pending"},
		},
	}
	s := mustParse(t, q)
	if !s.Match(doc(map[string]interface{}{"status": "pending"})) {
		t.Error("expected $or to match pending")
	}
	if s.Match(doc(map[string]interface{}{"status": "closed"})) {
		t.Error("expected $or to reject closed")
	}
}

func TestImplicitArrayTraversal(t *testing.T) {
	s := mustParse(t, map[string]interface{}{"tags": "urgent"})
	d := doc(map[string]interface{}{"tags": []interface{}{"low", "urgent"}})
	if !s.Match(d) {
		t.Error("expected array element match")
	}
}

func TestNestedArrayDottedPath(t *testing.T) {
	s := mustParse(t, map[string]interface{}{"items.sku": "widget"})
	d := doc(map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"sku": "gadget"},
			map[string]interface{}{"sku": "widget"},
		},
	})
	if !s.Match(d) {
		t.Error("expected dotted-path array traversal to match")
	}
}

func TestExists(t *testing.T) {
	s := mustParse(t, map[string]interface{}{"email": map[string]interface{}{"$exists": true}})
	if !s.Match(doc(map[string]interface{}{"email": "a@b.com"})) {
		t.Error("expected exists true to match present field")
	}
	if s.Match(doc(map[string]interface{}{})) {
		t.Error("expected exists true to reject absent field")
	}
}

func TestSizeAndAll(t *testing.T) {
	s := mustParse(t, map[string]interface{}{"tags": map[string]interface{}{"$size": int64(2)}})
	if !s.Match(doc(map[string]interface{}{"tags": []interface{}{"a", "b"}})) {
		t.Error("expected $size 2 to match 2-element array")
	}
	if s.Match(doc(map[string]interface{}{"tags": []interface{}{"a"}})) {
		t.Error("expected $size 2 to reject 1-element array")
	}

	s2 := mustParse(t, map[string]interface{}{"tags": map[string]interface{}{"$all": []interface{}{"a", "b"}}})
	if !s2.Match(doc(map[string]interface{}{"tags": []interface{}{"a", "b", "c"}})) {
		t.Error("expected $all to match superset")
	}
	if s2.Match(doc(map[string]interface{}{"tags": []interface{}{"a"}})) {
		t.Error("expected $all to reject missing element")
	}
}

func TestNot(t *testing.T) {
	s := mustParse(t, map[string]interface{}{"status": map[string]interface{}{"$not": map[string]interface{}{"$eq": "closed"}}})
	if s.Match(doc(map[string]interface{}{"status": "closed"})) {
		t.Error("expected $not $eq to reject closed")
	}
	if !s.Match(doc(map[string]interface{}{"status": "open"})) {
		t.Error("expected $not $eq to accept open")
	}
}

func TestUnsupportedOperatorRejected(t *testing.T) {
	_, err := Parse(map[string]interface{}{"x": map[string]interface{}{"$where": "true"}})
	if err == nil {
		t.Fatal("expected $where to be rejected")
	}
	_, err = Parse(map[string]interface{}{"x": map[string]interface{}{"$elemMatch": map[string]interface{}{}}})
	if err == nil {
		t.Fatal("expected $elemMatch to be rejected")
	}
}

func TestRegexMatch(t *testing.T) {
	s := mustParse(t, map[string]interface{}{"name": map[string]interface{}{"$regex": "^al", "$options": "i"}})
	if !s.Match(doc(map[string]interface{}{"name": "Alice"})) {
		t.Error("expected case-insensitive prefix match")
	}
	if s.Match(doc(map[string]interface{}{"name": "Bob"})) {
		t.Error("expected non-matching name to be rejected")
	}
}

func TestProjectionInclusionExclusion(t *testing.T) {
	p, err := ParseProjection(map[string]interface{}{"name": true})
	if err != nil {
		t.Fatal(err)
	}
	out := p.Apply(doc(map[string]interface{}{"_id": "1", "name": "alice", "age": int64(9)}))
	if out["name"] != "alice" || out["_id"] != "1" {
		t.Errorf("expected name and _id included, got %v", out)
	}
	if _, ok := out["age"]; ok {
		t.Error("expected age excluded under inclusion projection")
	}

	_, err = ParseProjection(map[string]interface{}{"name": true, "age": false})
	if err == nil {
		t.Fatal("expected mixed inclusion/exclusion to be rejected")
	}

	_, err = ParseProjection(map[string]interface{}{"name": true, "_id": false})
	if err != nil {
		t.Fatalf("expected _id exclusion alongside inclusion to be allowed: %v", err)
	}
}

func TestSortRejectsParallelArrayPaths(t *testing.T) {
	_, err := ParseSort([]SortSpec{
		{Field: "items.sku", Direction: 1},
		{Field: "items.qty", Direction: -1},
	})
	if err == nil {
		t.Fatal("expected parallel dotted paths under items to be rejected at parse time")
	}
}

func TestSortOrdersByKey(t *testing.T) {
	s, err := ParseSort([]SortSpec{{Field: "age", Direction: 1}})
	if err != nil {
		t.Fatal(err)
	}
	docs := []map[string]interface{}{
		doc(map[string]interface{}{"age": int64(30)}),
		doc(map[string]interface{}{"age": int64(10)}),
		doc(map[string]interface{}{"age": int64(20)}),
	}
	s.Apply(docs)
	if docs[0]["age"] != int64(10) || docs[1]["age"] != int64(20) || docs[2]["age"] != int64(30) {
		t.Errorf("expected ascending order, got %v", docs)
	}
}

func TestCursorSpecChangeStreamEligibility(t *testing.T) {
	raw := RawCursorSpec{
		Collection: "todos",
		Selector:   map[string]interface{}{"done": false},
	}
	spec, err := Compile(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !spec.ChangeStreamEligible() {
		t.Error("expected plain selector cursor to be change-stream eligible")
	}

	raw.Skip = 5
	spec, err = Compile(raw)
	if err != nil {
		t.Fatal(err)
	}
	if spec.ChangeStreamEligible() {
		t.Error("expected skip > 0 to disqualify change-stream eligibility")
	}

	raw.Skip = 0
	raw.Limit = 10
	spec, err = Compile(raw)
	if err != nil {
		t.Fatal(err)
	}
	if spec.ChangeStreamEligible() {
		t.Error("expected limit > 0 to disqualify change-stream eligibility")
	}

	raw.Limit = 0
	raw.Projection = map[string]interface{}{"done": false}
	spec, err = Compile(raw)
	if err != nil {
		t.Fatal(err)
	}
	if spec.ChangeStreamEligible() {
		t.Error("expected an exclusion projection to disqualify change-stream eligibility")
	}
}
