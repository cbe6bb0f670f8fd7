package subscription

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type fakeUpstream struct {
	result    json.RawMessage
	methodErr json.RawMessage
	err       error
}

func (f *fakeUpstream) CallMethod(_ context.Context, _ string, _ json.RawMessage) (json.RawMessage, json.RawMessage, error) {
	return f.result, f.methodErr, f.err
}

func TestResolveDeclinesOnUpstreamError(t *testing.T) {
	m := New(nil, &fakeUpstream{err: errBoom{}}, time.Second)
	_, err := m.Resolve(context.Background(), "todos", nil)
	if err == nil {
		t.Fatal("expected decline on upstream error")
	}
	if m.IsLocal("sub1") {
		t.Fatal("expected subscription not to be registered locally after decline")
	}
}

func TestResolveDeclinesOnMalformedCursorDescriptions(t *testing.T) {
	m := New(nil, &fakeUpstream{result: json.RawMessage(`"not an array"`)}, time.Second)
	_, err := m.Resolve(context.Background(), "todos", nil)
	if err == nil {
		t.Fatal("expected decline on malformed cursor description payload")
	}
}

func TestResolveDeclinesOnMethodError(t *testing.T) {
	m := New(nil, &fakeUpstream{methodErr: json.RawMessage(`{"error":"403","reason":"not authorized"}`)}, time.Second)
	_, err := m.Resolve(context.Background(), "todos", nil)
	if err == nil {
		t.Fatal("expected decline on method error result")
	}
}

// TestResolveSucceedsOnJSONStringEncodedCursorDescriptions covers
// spec.md §8 scenario (a): the synthetic publication's method result is
// the cursor-description array JSON-stringified inside the EJSON result,
// not the array itself.
func TestResolveSucceedsOnJSONStringEncodedCursorDescriptions(t *testing.T) {
	inner := `[{"collectionName":"items","selector":{},"options":{}}]`
	outer, err := json.Marshal(inner)
	if err != nil {
		t.Fatalf("marshal inner payload: %v", err)
	}
	m := New(nil, &fakeUpstream{result: json.RawMessage(outer)}, time.Second)
	specs, err := m.Resolve(context.Background(), "items", nil)
	if err != nil {
		t.Fatalf("expected offload to succeed, got decline: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("expected one cursor spec, got %d", len(specs))
	}
	if specs[0].Collection != "items" {
		t.Fatalf("expected collection %q, got %q", "items", specs[0].Collection)
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
