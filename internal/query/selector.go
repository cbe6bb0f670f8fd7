// Package query implements the MongoDB-subset query, projection, and sort
// engine the router uses to run offloaded subscriptions directly against
// MongoDB (SPEC_FULL.md §4.3). It generalizes the teacher's bundoc query
// AST — a map-based parser producing a tree of field and logical nodes —
// to the operator set, dotted-path array semantics, and eligibility
// analysis the DDP router needs.
package query

import (
	"fmt"
	"strings"

	"github.com/kartikbazzad/ddprouter/internal/ejson"
)

// Operator is a recognized MongoDB query operator.
type Operator string

const (
	OpEq     Operator = "$eq"
	OpNe     Operator = "$ne"
	OpGt     Operator = "$gt"
	OpGte    Operator = "$gte"
	OpLt     Operator = "$lt"
	OpLte    Operator = "$lte"
	OpIn     Operator = "$in"
	OpNin    Operator = "$nin"
	OpExists Operator = "$exists"
	OpType   Operator = "$type"
	OpAll    Operator = "$all"
	OpSize   Operator = "$size"
	OpMod    Operator = "$mod"
	OpRegex  Operator = "$regex"
	OpNot    Operator = "$not"
)

// unsupportedOperators are explicitly out of scope (SPEC_FULL.md §4.3);
// encountering one during Parse is a parse error, which declines offload.
var unsupportedOperators = map[string]bool{
	"$bitsAllClear": true,
	"$bitsAllSet":   true,
	"$bitsAnyClear": true,
	"$bitsAnySet":   true,
	"$elemMatch":    true,
	"$where":        true,
}

// Node is a node in the selector tree.
type Node interface {
	// Match reports whether doc satisfies this node.
	Match(doc map[string]interface{}) bool
}

// Selector is a parsed, matchable query.
type Selector struct {
	root Node
}

// Match reports whether doc satisfies the selector. A nil selector (the
// empty query {}) matches everything.
func (s *Selector) Match(doc map[string]interface{}) bool {
	if s == nil || s.root == nil {
		return true
	}
	return s.root.Match(doc)
}

// andNode requires every child to match.
type andNode struct{ children []Node }

func (n *andNode) Match(doc map[string]interface{}) bool {
	for _, c := range n.children {
		if !c.Match(doc) {
			return false
		}
	}
	return true
}

// orNode requires at least one child to match.
type orNode struct{ children []Node }

func (n *orNode) Match(doc map[string]interface{}) bool {
	for _, c := range n.children {
		if c.Match(doc) {
			return true
		}
	}
	return false
}

// norNode requires that no child matches.
type norNode struct{ children []Node }

func (n *norNode) Match(doc map[string]interface{}) bool {
	for _, c := range n.children {
		if c.Match(doc) {
			return false
		}
	}
	return true
}

// notNode negates a single child.
type notNode struct{ child Node }

func (n *notNode) Match(doc map[string]interface{}) bool { return !n.child.Match(doc) }

// fieldNode tests every predicate registered against one dotted path.
// All predicates on the same path are implicitly ANDed, matching Mongo's
// treatment of `{field: {$gt: 1, $lt: 10}}`.
type fieldNode struct {
	path       []string
	predicates []predicate
}

// predicate is one operator test against the candidate values found at a
// field node's path.
type predicate struct {
	op      Operator
	negate  bool
	arg     interface{}
	regex   *compiledRegex
	matches func(p predicate, rawValue interface{}, found bool, candidates []interface{}) bool
}

func (n *fieldNode) Match(doc map[string]interface{}) bool {
	rawValue, rawFound := rawPath(doc, n.path)
	candidates := candidatePath(doc, n.path)
	for _, p := range n.predicates {
		ok := p.matches(p, rawValue, rawFound, candidates)
		if p.negate {
			ok = !ok
		}
		if !ok {
			return false
		}
	}
	return true
}

// Parse converts a decoded EJSON query document into a Selector.
func Parse(q map[string]interface{}) (*Selector, error) {
	root, err := parseObject(q)
	if err != nil {
		return nil, err
	}
	return &Selector{root: root}, nil
}

func parseObject(q map[string]interface{}) (Node, error) {
	var children []Node
	for key, val := range q {
		if unsupportedOperators[key] {
			return nil, fmt.Errorf("query: unsupported operator %s", key)
		}
		switch key {
		case "$and", "$or", "$nor":
			list, ok := val.([]interface{})
			if !ok {
				return nil, fmt.Errorf("query: %s requires an array", key)
			}
			var subChildren []Node
			for _, item := range list {
				sub, ok := item.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("query: element of %s must be an object", key)
				}
				node, err := parseObject(sub)
				if err != nil {
					return nil, err
				}
				subChildren = append(subChildren, node)
			}
			switch key {
			case "$and":
				children = append(children, &andNode{children: subChildren})
			case "$or":
				children = append(children, &orNode{children: subChildren})
			case "$nor":
				children = append(children, &norNode{children: subChildren})
			}
		default:
			if strings.HasPrefix(key, "$") {
				return nil, fmt.Errorf("query: unknown top-level operator %s", key)
			}
			node, err := parseField(key, val)
			if err != nil {
				return nil, err
			}
			children = append(children, node)
		}
	}
	return &andNode{children: children}, nil
}

func parseField(field string, val interface{}) (Node, error) {
	path := strings.Split(field, ".")
	valMap, isMap := val.(map[string]interface{})
	if !isMap {
		// Implicit $eq, and allow a bare regex literal (`{name: /^foo/}` in
		// Mongo shell terms; here an ejson.Regex decoded value).
		if re, ok := val.(ejson.Regex); ok {
			pred, err := buildPredicate(OpRegex, re, false)
			if err != nil {
				return nil, err
			}
			return &fieldNode{path: path, predicates: []predicate{pred}}, nil
		}
		pred, err := buildPredicate(OpEq, val, false)
		if err != nil {
			return nil, err
		}
		return &fieldNode{path: path, predicates: []predicate{pred}}, nil
	}

	// Every key must be a recognized operator; {} is parsed as a document
	// equality match (field is exactly an empty object).
	isOperatorMap := false
	for k := range valMap {
		if strings.HasPrefix(k, "$") {
			isOperatorMap = true
			break
		}
	}
	if !isOperatorMap {
		pred, err := buildPredicate(OpEq, valMap, false)
		if err != nil {
			return nil, err
		}
		return &fieldNode{path: path, predicates: []predicate{pred}}, nil
	}

	var preds []predicate
	for opKey, opVal := range valMap {
		if unsupportedOperators[opKey] {
			return nil, fmt.Errorf("query: unsupported operator %s on field %s", opKey, field)
		}
		if opKey == string(OpNot) {
			negated, err := parseNotOperand(opVal)
			if err != nil {
				return nil, err
			}
			preds = append(preds, negated...)
			continue
		}
		if opKey == "$options" {
			if _, ok := valMap[string(OpRegex)]; !ok {
				return nil, fmt.Errorf("query: $options requires $regex on field %s", field)
			}
			continue
		}
		op := Operator(opKey)
		if opts, ok := valMap["$options"]; ok && op == OpRegex {
			opVal = map[string]interface{}{"$regex": opVal, "$options": opts}
		}
		switch op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin, OpExists, OpType, OpAll, OpSize, OpMod, OpRegex:
			pred, err := buildPredicate(op, opVal, false)
			if err != nil {
				return nil, err
			}
			preds = append(preds, pred)
		default:
			return nil, fmt.Errorf("query: unknown operator %s", opKey)
		}
	}
	return &fieldNode{path: path, predicates: preds}, nil
}

// parseNotOperand handles `{field: {$not: {...}}}`, building the same
// predicates the inner object would and marking each negated.
func parseNotOperand(val interface{}) ([]predicate, error) {
	if re, ok := val.(ejson.Regex); ok {
		pred, err := buildPredicate(OpRegex, re, true)
		if err != nil {
			return nil, err
		}
		return []predicate{pred}, nil
	}
	inner, ok := val.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("query: $not requires an object or regex")
	}
	var out []predicate
	for opKey, opVal := range inner {
		if unsupportedOperators[opKey] || opKey == string(OpNot) {
			return nil, fmt.Errorf("query: unsupported operand %s inside $not", opKey)
		}
		if !strings.HasPrefix(opKey, "$") {
			return nil, fmt.Errorf("query: $not operand must use operators, got field %s", opKey)
		}
		pred, err := buildPredicate(Operator(opKey), opVal, true)
		if err != nil {
			return nil, err
		}
		out = append(out, pred)
	}
	return out, nil
}

func buildPredicate(op Operator, arg interface{}, negate bool) (predicate, error) {
	p := predicate{op: op, negate: negate, arg: arg}
	switch op {
	case OpEq:
		p.matches = matchEq
	case OpNe:
		p.matches = matchNe
	case OpGt:
		p.matches = cmpMatcher(func(c int) bool { return c > 0 })
	case OpGte:
		p.matches = cmpMatcher(func(c int) bool { return c >= 0 })
	case OpLt:
		p.matches = cmpMatcher(func(c int) bool { return c < 0 })
	case OpLte:
		p.matches = cmpMatcher(func(c int) bool { return c <= 0 })
	case OpIn:
		list, ok := arg.([]interface{})
		if !ok {
			return p, fmt.Errorf("query: $in requires an array")
		}
		p.matches = matchIn(list)
	case OpNin:
		list, ok := arg.([]interface{})
		if !ok {
			return p, fmt.Errorf("query: $nin requires an array")
		}
		p.matches = matchNin(list)
	case OpExists:
		want, ok := arg.(bool)
		if !ok {
			return p, fmt.Errorf("query: $exists requires a boolean")
		}
		p.matches = matchExists(want)
	case OpType:
		typeName, ok := arg.(string)
		if !ok {
			return p, fmt.Errorf("query: $type requires a string")
		}
		p.matches = matchType(typeName)
	case OpAll:
		list, ok := arg.([]interface{})
		if !ok {
			return p, fmt.Errorf("query: $all requires an array")
		}
		p.matches = matchAll(list)
	case OpSize:
		size, ok := asInt(arg)
		if !ok {
			return p, fmt.Errorf("query: $size requires an integer")
		}
		p.matches = matchSize(size)
	case OpMod:
		divisor, remainder, err := parseMod(arg)
		if err != nil {
			return p, err
		}
		p.matches = matchMod(divisor, remainder)
	case OpRegex:
		re, err := compileRegex(arg)
		if err != nil {
			return p, err
		}
		p.regex = re
		p.matches = matchRegex(re)
	default:
		return p, fmt.Errorf("query: unknown operator %s", op)
	}
	return p, nil
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func parseMod(arg interface{}) (int64, int64, error) {
	list, ok := arg.([]interface{})
	if !ok || len(list) != 2 {
		return 0, 0, fmt.Errorf("query: $mod requires a 2-element array")
	}
	divisor, ok1 := asInt(list[0])
	remainder, ok2 := asInt(list[1])
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("query: $mod elements must be numbers")
	}
	return int64(divisor), int64(remainder), nil
}

// --- predicate implementations ---

func matchEq(p predicate, rawValue interface{}, found bool, candidates []interface{}) bool {
	if found && ejson.Equal(rawValue, p.arg) {
		return true
	}
	for _, c := range candidates {
		if ejson.Equal(c, p.arg) {
			return true
		}
	}
	return false
}

func matchNe(p predicate, rawValue interface{}, found bool, candidates []interface{}) bool {
	return !matchEq(p, rawValue, found, candidates)
}

func cmpMatcher(ok func(int) bool) func(predicate, interface{}, bool, []interface{}) bool {
	return func(p predicate, rawValue interface{}, found bool, candidates []interface{}) bool {
		if found && ok(ejson.Compare(rawValue, p.arg)) {
			return true
		}
		for _, c := range candidates {
			if ok(ejson.Compare(c, p.arg)) {
				return true
			}
		}
		return false
	}
}

func matchIn(list []interface{}) func(predicate, interface{}, bool, []interface{}) bool {
	return func(p predicate, rawValue interface{}, found bool, candidates []interface{}) bool {
		test := func(v interface{}) bool {
			for _, l := range list {
				if ejson.Equal(v, l) {
					return true
				}
			}
			return false
		}
		if found && test(rawValue) {
			return true
		}
		for _, c := range candidates {
			if test(c) {
				return true
			}
		}
		return false
	}
}

func matchNin(list []interface{}) func(predicate, interface{}, bool, []interface{}) bool {
	inFn := matchIn(list)
	return func(p predicate, rawValue interface{}, found bool, candidates []interface{}) bool {
		return !inFn(p, rawValue, found, candidates)
	}
}

func matchExists(want bool) func(predicate, interface{}, bool, []interface{}) bool {
	return func(p predicate, rawValue interface{}, found bool, candidates []interface{}) bool {
		has := found || len(candidates) > 0
		return has == want
	}
}

func matchType(typeName string) func(predicate, interface{}, bool, []interface{}) bool {
	return func(p predicate, rawValue interface{}, found bool, candidates []interface{}) bool {
		if found && bsonTypeName(rawValue) == typeName {
			return true
		}
		for _, c := range candidates {
			if bsonTypeName(c) == typeName {
				return true
			}
		}
		return false
	}
}

func matchAll(list []interface{}) func(predicate, interface{}, bool, []interface{}) bool {
	return func(p predicate, rawValue interface{}, found bool, candidates []interface{}) bool {
		if !found {
			return false
		}
		arr, ok := rawValue.([]interface{})
		if !ok {
			return false
		}
		for _, want := range list {
			var has bool
			for _, v := range arr {
				if ejson.Equal(v, want) {
					has = true
					break
				}
			}
			if !has {
				return false
			}
		}
		return true
	}
}

func matchSize(size int) func(predicate, interface{}, bool, []interface{}) bool {
	return func(p predicate, rawValue interface{}, found bool, candidates []interface{}) bool {
		if !found {
			return false
		}
		arr, ok := rawValue.([]interface{})
		return ok && len(arr) == size
	}
}

func matchMod(divisor, remainder int64) func(predicate, interface{}, bool, []interface{}) bool {
	test := func(v interface{}) bool {
		var n int64
		switch x := v.(type) {
		case int64:
			n = x
		case float64:
			n = int64(x)
		default:
			return false
		}
		if divisor == 0 {
			return false
		}
		return n%divisor == remainder
	}
	return func(p predicate, rawValue interface{}, found bool, candidates []interface{}) bool {
		if found && test(rawValue) {
			return true
		}
		for _, c := range candidates {
			if test(c) {
				return true
			}
		}
		return false
	}
}

func matchRegex(re *compiledRegex) func(predicate, interface{}, bool, []interface{}) bool {
	return func(p predicate, rawValue interface{}, found bool, candidates []interface{}) bool {
		test := func(v interface{}) bool {
			s, ok := v.(string)
			return ok && re.re.MatchString(s)
		}
		if found && test(rawValue) {
			return true
		}
		for _, c := range candidates {
			if test(c) {
				return true
			}
		}
		return false
	}
}

// bsonTypeName returns the $type alias for a decoded EJSON value.
func bsonTypeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case int64:
		return "long"
	case float64:
		return "double"
	case string:
		return "string"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	case ejson.Binary:
		return "binData"
	case ejson.ObjectID:
		return "objectId"
	case ejson.Regex:
		return "regex"
	default:
		return "date"
	}
}

// rawPath strictly descends through nested documents, returning the value
// literally at path (no implicit array expansion). Used by operators that
// must see the field's own shape, such as $size and $all.
func rawPath(doc map[string]interface{}, path []string) (interface{}, bool) {
	var cur interface{} = doc
	for _, seg := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// candidatePath implements Mongo's implicit-array traversal: at each step,
// if the current value is an array, every element is expanded with the
// same remaining path (SPEC_FULL.md §4.3).
func candidatePath(doc map[string]interface{}, path []string) []interface{} {
	return expand(doc, path)
}

func expand(cur interface{}, path []string) []interface{} {
	if len(path) == 0 {
		if arr, ok := cur.([]interface{}); ok {
			return append([]interface{}{cur}, arr...)
		}
		return []interface{}{cur}
	}
	switch v := cur.(type) {
	case map[string]interface{}:
		child, ok := v[path[0]]
		if !ok {
			return nil
		}
		return expand(child, path[1:])
	case []interface{}:
		var out []interface{}
		for _, elem := range v {
			out = append(out, expand(elem, path)...)
		}
		return out
	default:
		return nil
	}
}
