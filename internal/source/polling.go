package source

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kartikbazzad/ddprouter/internal/ejson"
	"github.com/kartikbazzad/ddprouter/internal/mongostore"
	"github.com/kartikbazzad/ddprouter/internal/query"
)

// Poller is the subset of *mongostore.Store a PollingSource needs, kept as
// an interface so tests can substitute a fake.
type Poller interface {
	Find(ctx context.Context, collection string, filter map[string]interface{}, opts mongostore.FindOptions) ([]map[string]interface{}, error)
}

// PollingSource runs a cursor on a fixed interval, diffing each new
// snapshot against the previous one to synthesize upsert/remove events
// (SPEC_FULL.md §4.4, "Polling source").
type PollingSource struct {
	events chan Event
	ready  chan struct{}
	errc   chan error
	cancel context.CancelFunc
}

// NewPolling starts a polling source for spec against store, re-running
// every interval. rawFilter is the cursor's selector in EJSON-decoded form
// (passed straight to Mongo); spec is used for its collection, projection,
// sort, skip and limit only, since the selector itself is evaluated
// server-side.
func NewPolling(store Poller, spec *query.CursorSpec, rawFilter map[string]interface{}, interval time.Duration) *PollingSource {
	ctx, cancel := context.WithCancel(context.Background())
	p := &PollingSource{
		events: make(chan Event, 64),
		ready:  make(chan struct{}),
		errc:   make(chan error, 1),
		cancel: cancel,
	}
	go p.run(ctx, store, spec, rawFilter, interval)
	return p
}

func (p *PollingSource) Events() <-chan Event   { return p.events }
func (p *PollingSource) Ready() <-chan struct{} { return p.ready }
func (p *PollingSource) Err() <-chan error      { return p.errc }
func (p *PollingSource) Close()                 { p.cancel() }

func (p *PollingSource) run(ctx context.Context, store Poller, spec *query.CursorSpec, rawFilter map[string]interface{}, interval time.Duration) {
	defer close(p.events)

	prior := make(map[string]map[string]interface{})
	firstPass := true

	poll := func() bool {
		docs, err := p.fetch(ctx, store, spec, rawFilter)
		if err != nil {
			select {
			case p.errc <- err:
			default:
			}
			return false
		}
		current := make(map[string]map[string]interface{}, len(docs))
		for _, doc := range docs {
			id, err := mongostore.DocumentID(doc)
			if err != nil {
				continue
			}
			current[id] = projectedFields(spec, doc)
		}
		p.emitDiff(ctx, prior, current)
		prior = current
		if firstPass {
			firstPass = false
			close(p.ready)
		}
		return true
	}

	if !poll() {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !poll() {
				return
			}
		}
	}
}

func (p *PollingSource) fetch(ctx context.Context, store Poller, spec *query.CursorSpec, rawFilter map[string]interface{}) ([]map[string]interface{}, error) {
	opts := mongostore.FindOptions{Sort: sortBSON(spec.Sort), Skip: spec.Skip, Limit: spec.Limit}
	return store.Find(ctx, spec.Collection, rawFilter, opts)
}

// sortBSON converts a compiled sort into the bson.D order Mongo's driver
// expects, so a cursor with both sort and limit gets the correct top-N
// rather than an arbitrary Mongo-ordered subset (spec.md §4.3, "Limit
// caps output after sort").
func sortBSON(s *query.Sort) bson.D {
	keys := s.Keys()
	if len(keys) == 0 {
		return nil
	}
	out := make(bson.D, 0, len(keys))
	for _, k := range keys {
		out = append(out, bson.E{Key: strings.Join(k.Path, "."), Value: k.Direction})
	}
	return out
}

func (p *PollingSource) emitDiff(ctx context.Context, prior, current map[string]map[string]interface{}) {
	for id, fields := range current {
		prevFields, existed := prior[id]
		if !existed || !fieldsEqual(prevFields, fields) {
			select {
			case p.events <- Event{Kind: EventUpsert, ID: id, Fields: fields}:
			case <-ctx.Done():
				return
			}
		}
	}
	for id := range prior {
		if _, stillPresent := current[id]; !stillPresent {
			select {
			case p.events <- Event{Kind: EventRemove, ID: id}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func fieldsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || !ejson.Equal(v, bv) {
			return false
		}
	}
	return true
}
