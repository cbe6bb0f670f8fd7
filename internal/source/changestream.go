package source

import (
	"context"

	"github.com/kartikbazzad/ddprouter/internal/mongostore"
	"github.com/kartikbazzad/ddprouter/internal/query"
)

// Watcher is the subset of *mongostore.Store a ChangeStreamSource needs.
type Watcher interface {
	Poller
	Watch(ctx context.Context, collection string, matchFilter map[string]interface{}) (*mongostore.ChangeStream, error)
}

// ChangeStreamSource opens a MongoDB change stream for one cursor
// description and tracks which document ids currently match the
// selector, so an update that moves a document out of (or into) the
// match set surfaces as remove/upsert rather than a silent no-op
// (SPEC_FULL.md §4.4, "Change-stream source").
type ChangeStreamSource struct {
	events chan Event
	ready  chan struct{}
	errc   chan error
	cancel context.CancelFunc
}

// NewChangeStream starts a change-stream source for spec against store.
// topLevelEquality is the subset of the selector's top-level equality
// predicates pushed into the stream's server-side $match stage; matching
// is still re-verified in-process against the full selector so the
// router never relies on $match alone for correctness.
func NewChangeStream(store Watcher, spec *query.CursorSpec, topLevelEquality map[string]interface{}) *ChangeStreamSource {
	ctx, cancel := context.WithCancel(context.Background())
	s := &ChangeStreamSource{
		events: make(chan Event, 64),
		ready:  make(chan struct{}),
		errc:   make(chan error, 1),
		cancel: cancel,
	}
	go s.run(ctx, store, spec, topLevelEquality)
	return s
}

func (s *ChangeStreamSource) Events() <-chan Event   { return s.events }
func (s *ChangeStreamSource) Ready() <-chan struct{} { return s.ready }
func (s *ChangeStreamSource) Err() <-chan error      { return s.errc }
func (s *ChangeStreamSource) Close()                 { s.cancel() }

func (s *ChangeStreamSource) fail(err error) {
	select {
	case s.errc <- err:
	default:
	}
}

func (s *ChangeStreamSource) run(ctx context.Context, store Watcher, spec *query.CursorSpec, topLevelEquality map[string]interface{}) {
	defer close(s.events)

	matching := make(map[string]struct{})

	// Initial snapshot: run the cursor once so clients see the starting
	// state before incremental change-stream events arrive.
	initial, err := store.Find(ctx, spec.Collection, topLevelEquality, mongostore.FindOptions{})
	if err != nil {
		s.fail(err)
		return
	}
	for _, doc := range initial {
		if !spec.Selector.Match(doc) {
			continue
		}
		id, err := mongostore.DocumentID(doc)
		if err != nil {
			continue
		}
		matching[id] = struct{}{}
		select {
		case s.events <- Event{Kind: EventUpsert, ID: id, Fields: projectedFields(spec, doc)}:
		case <-ctx.Done():
			return
		}
	}
	close(s.ready)

	stream, err := store.Watch(ctx, spec.Collection, topLevelEquality)
	if err != nil {
		s.fail(err)
		return
	}
	defer stream.Close(context.Background())

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(err)
			return
		}
		s.handleChange(ctx, spec, matching, ev)
	}
}

func (s *ChangeStreamSource) handleChange(ctx context.Context, spec *query.CursorSpec, matching map[string]struct{}, ev *mongostore.ChangeEvent) {
	_, wasMatching := matching[ev.DocumentID]

	if ev.OperationType == "delete" || ev.FullDocument == nil {
		if wasMatching {
			delete(matching, ev.DocumentID)
			s.emit(ctx, Event{Kind: EventRemove, ID: ev.DocumentID})
		}
		return
	}

	nowMatching := spec.Selector.Match(ev.FullDocument)
	switch {
	case nowMatching && !wasMatching:
		matching[ev.DocumentID] = struct{}{}
		s.emit(ctx, Event{Kind: EventUpsert, ID: ev.DocumentID, Fields: projectedFields(spec, ev.FullDocument)})
	case nowMatching && wasMatching:
		s.emit(ctx, Event{Kind: EventUpsert, ID: ev.DocumentID, Fields: projectedFields(spec, ev.FullDocument)})
	case !nowMatching && wasMatching:
		delete(matching, ev.DocumentID)
		s.emit(ctx, Event{Kind: EventRemove, ID: ev.DocumentID})
	}
}

func (s *ChangeStreamSource) emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func projectedFields(spec *query.CursorSpec, doc map[string]interface{}) map[string]interface{} {
	projected := doc
	if spec.Projection != nil {
		projected = spec.Projection.Apply(doc)
	}
	return stripID(projected)
}
