package source

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kartikbazzad/ddprouter/internal/mongostore"
	"github.com/kartikbazzad/ddprouter/internal/query"
)

type fakePoller struct {
	mu       sync.Mutex
	pages    [][]map[string]interface{}
	idx      int
	lastOpts mongostore.FindOptions
}

func (f *fakePoller) Find(_ context.Context, _ string, _ map[string]interface{}, opts mongostore.FindOptions) ([]map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOpts = opts
	if f.idx >= len(f.pages) {
		return f.pages[len(f.pages)-1], nil
	}
	page := f.pages[f.idx]
	f.idx++
	return page, nil
}

func mustSpec(t *testing.T) *query.CursorSpec {
	t.Helper()
	spec, err := query.Compile(query.RawCursorSpec{Collection: "todos"})
	if err != nil {
		t.Fatal(err)
	}
	return spec
}

func TestPollingSourceEmitsUpsertThenChangeThenRemove(t *testing.T) {
	poller := &fakePoller{pages: [][]map[string]interface{}{
		{{"_id": "1", "title": "a"}},
		{{"_id": "1", "title": "b"}},
		{},
	}}
	src := NewPolling(poller, mustSpec(t), nil, 5*time.Millisecond)
	defer src.Close()

	var events []Event
	timeout := time.After(2 * time.Second)
	for len(events) < 3 {
		select {
		case ev := <-src.Events():
			events = append(events, ev)
		case err := <-src.Err():
			t.Fatalf("unexpected source error: %v", err)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", events)
		}
	}

	if events[0].Kind != EventUpsert || events[0].Fields["title"] != "a" {
		t.Errorf("expected first upsert with title=a, got %v", events[0])
	}
	if events[1].Kind != EventUpsert || events[1].Fields["title"] != "b" {
		t.Errorf("expected second upsert with title=b, got %v", events[1])
	}
	if events[2].Kind != EventRemove || events[2].ID != "1" {
		t.Errorf("expected remove for id 1, got %v", events[2])
	}
}

func TestPollingSourcePushesSortSkipLimitIntoFindOptions(t *testing.T) {
	spec, err := query.Compile(query.RawCursorSpec{
		Collection: "todos",
		Sort:       []query.SortSpec{{Field: "v", Direction: -1}},
		Skip:       2,
		Limit:      5,
	})
	if err != nil {
		t.Fatal(err)
	}
	poller := &fakePoller{pages: [][]map[string]interface{}{{{"_id": "1", "v": 1}}}}
	src := NewPolling(poller, spec, nil, 50*time.Millisecond)
	defer src.Close()

	select {
	case <-src.Ready():
	case <-time.After(time.Second):
		t.Fatal("expected Ready to close after first pass")
	}
	<-src.Events()

	poller.mu.Lock()
	defer poller.mu.Unlock()
	if poller.lastOpts.Skip != 2 || poller.lastOpts.Limit != 5 {
		t.Fatalf("expected skip=2 limit=5 pushed to Find, got %+v", poller.lastOpts)
	}
	if len(poller.lastOpts.Sort) != 1 || poller.lastOpts.Sort[0].Key != "v" || poller.lastOpts.Sort[0].Value != -1 {
		t.Fatalf("expected sort [v:-1] pushed to Find, got %+v", poller.lastOpts.Sort)
	}
}

func TestPollingSourceClosesReadyAfterFirstPass(t *testing.T) {
	poller := &fakePoller{pages: [][]map[string]interface{}{{{"_id": "1", "title": "a"}}}}
	src := NewPolling(poller, mustSpec(t), nil, 50*time.Millisecond)
	defer src.Close()

	select {
	case <-src.Ready():
	case <-time.After(time.Second):
		t.Fatal("expected Ready to close after first pass")
	}
	<-src.Events()
}
