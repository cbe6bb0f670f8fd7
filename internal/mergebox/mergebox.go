// Package mergebox reconciles document-level deltas from every source
// contributing to one client connection — its local subscriptions plus
// the pass-through upstream connection — into the single consistent
// added/changed/removed stream DDP promises a client (spec.md §4, "Data
// Model"/"Mergebox").
//
// A Box is owned by exactly one goroutine (the session supervisor's
// event loop): it keeps no internal lock, the same way buncast's broker
// serializes delivery through per-subscriber channels rather than shared
// mutable state touched from multiple goroutines at once.
package mergebox

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/kartikbazzad/ddprouter/internal/ddp"
)

// UpstreamSubID is the pseudo-subscription id used for deltas arriving
// from the passthrough upstream DDP connection rather than a locally-run
// subscription.
const UpstreamSubID = "upstream"

type docKey struct {
	Collection string
	ID         string
}

type fieldState struct {
	value        interface{}
	contributors map[string]struct{}
}

type docState struct {
	fields    map[string]*fieldState
	subFields map[string]map[string]struct{} // subID -> field names it currently contributes
}

func newDocState() *docState {
	return &docState{
		fields:    make(map[string]*fieldState),
		subFields: make(map[string]map[string]struct{}),
	}
}

// visibleFields returns the field values currently visible to the client
// (every field with at least one contributor).
func (d *docState) visibleFields() map[string]interface{} {
	out := make(map[string]interface{}, len(d.fields))
	for name, fs := range d.fields {
		if len(fs.contributors) > 0 {
			out[name] = fs.value
		}
	}
	return out
}

// Box is the per-client mergebox.
type Box struct {
	live      map[docKey]*docState
	committed map[docKey]map[string]interface{}
	subDocs   map[string]map[docKey]struct{}

	dirty      map[docKey]struct{}
	dirtyOrder []docKey
}

// New creates an empty mergebox for one client connection.
func New() *Box {
	return &Box{
		live:      make(map[docKey]*docState),
		committed: make(map[docKey]map[string]interface{}),
		subDocs:   make(map[string]map[docKey]struct{}),
		dirty:     make(map[docKey]struct{}),
	}
}

func (b *Box) getOrCreate(key docKey) *docState {
	d, ok := b.live[key]
	if !ok {
		d = newDocState()
		b.live[key] = d
	}
	return d
}

func (b *Box) markDirty(key docKey) {
	if _, ok := b.dirty[key]; ok {
		return
	}
	b.dirty[key] = struct{}{}
	b.dirtyOrder = append(b.dirtyOrder, key)
}

func setContributor(d *docState, name, subID string, value interface{}) {
	fs, ok := d.fields[name]
	if !ok {
		fs = &fieldState{contributors: make(map[string]struct{})}
		d.fields[name] = fs
	}
	fs.value = value
	fs.contributors[subID] = struct{}{}
}

func removeContributor(d *docState, name, subID string) {
	fs, ok := d.fields[name]
	if !ok {
		return
	}
	delete(fs.contributors, subID)
	if len(fs.contributors) == 0 {
		delete(d.fields, name)
	}
}

func fieldNames(fields map[string]interface{}) map[string]struct{} {
	out := make(map[string]struct{}, len(fields))
	for name := range fields {
		out[name] = struct{}{}
	}
	return out
}

// applyContribution replaces subID's current field contribution to a
// document with newFields, clearing any field subID previously
// contributed that isn't present in newFields. It is the shared core of
// ApplyLocalUpsert and ApplyExternalAdded/Changed.
func (b *Box) applyContribution(collection, id, subID string, newFields map[string]interface{}) {
	key := docKey{Collection: collection, ID: id}
	d := b.getOrCreate(key)

	prev := d.subFields[subID]
	next := fieldNames(newFields)
	for name := range prev {
		if _, stillPresent := next[name]; !stillPresent {
			removeContributor(d, name, subID)
		}
	}
	for name, val := range newFields {
		setContributor(d, name, subID, val)
	}
	d.subFields[subID] = next

	b.trackSubDoc(subID, key)
	b.markDirty(key)
}

func (b *Box) trackSubDoc(subID string, key docKey) {
	set, ok := b.subDocs[subID]
	if !ok {
		set = make(map[docKey]struct{})
		b.subDocs[subID] = set
	}
	set[key] = struct{}{}
}

// clearContribution removes every field subID currently contributes to a
// document, used by both explicit removal and subscription teardown.
func (b *Box) clearContribution(collection, id, subID string) {
	key := docKey{Collection: collection, ID: id}
	d, ok := b.live[key]
	if !ok {
		return
	}
	for name := range d.subFields[subID] {
		removeContributor(d, name, subID)
	}
	delete(d.subFields, subID)
	if set, ok := b.subDocs[subID]; ok {
		delete(set, key)
	}
	b.markDirty(key)
}

// ApplyLocalUpsert records the current field snapshot a local
// subscription's reactive source observed for a document: an upsert from
// a change stream, or one row of a polling snapshot. The snapshot fully
// replaces subID's prior contribution to this document.
func (b *Box) ApplyLocalUpsert(subID, collection, id string, fields map[string]interface{}) {
	b.applyContribution(collection, id, subID, fields)
}

// ApplyLocalRemove records that a local subscription's reactive source no
// longer observes a document (deleted, or no longer matching the
// selector).
func (b *Box) ApplyLocalRemove(subID, collection, id string) {
	b.clearContribution(collection, id, subID)
}

// ApplyExternalAdded ingests an `added` message observed on the passthrough
// upstream connection.
func (b *Box) ApplyExternalAdded(collection, id string, fields map[string]interface{}) {
	b.applyContribution(collection, id, UpstreamSubID, fields)
}

// ApplyExternalChanged ingests a `changed` message from upstream: fields
// are merged into the upstream contribution, cleared names are dropped
// from it.
func (b *Box) ApplyExternalChanged(collection, id string, fields map[string]interface{}, cleared []string) {
	key := docKey{Collection: collection, ID: id}
	d := b.getOrCreate(key)
	names := d.subFields[UpstreamSubID]
	if names == nil {
		names = make(map[string]struct{})
	}
	for name, val := range fields {
		setContributor(d, name, UpstreamSubID, val)
		names[name] = struct{}{}
	}
	for _, name := range cleared {
		removeContributor(d, name, UpstreamSubID)
		delete(names, name)
	}
	d.subFields[UpstreamSubID] = names
	b.trackSubDoc(UpstreamSubID, key)
	b.markDirty(key)
}

// ApplyExternalRemoved ingests a `removed` message from upstream.
func (b *Box) ApplyExternalRemoved(collection, id string) {
	b.clearContribution(collection, id, UpstreamSubID)
}

// RemoveSubscription clears every contribution a subscription (identified
// by its local sub id) made across every document, as if its reactive
// source had removed every document it was tracking. Called on `unsub`
// and on unrecoverable source failure for that subscription.
func (b *Box) RemoveSubscription(subID string) {
	docs, ok := b.subDocs[subID]
	if !ok {
		return
	}
	keys := make([]docKey, 0, len(docs))
	for key := range docs {
		keys = append(keys, key)
	}
	for _, key := range keys {
		b.clearContribution(key.Collection, key.ID, subID)
	}
	delete(b.subDocs, subID)
}

// Flush computes the minimal set of added/changed/removed DDP messages
// needed to bring the client from its last-flushed view to the current
// live state, in the order documents were first touched since the last
// flush. Each document yields at most one message — added, changed, or
// removed — never more than one of those per flush, which is the
// "added > changed > removed precedence" spec.md §4 describes.
func (b *Box) Flush() ([]*ddp.Message, error) {
	if len(b.dirtyOrder) == 0 {
		return nil, nil
	}
	keys := b.dirtyOrder
	b.dirtyOrder = nil
	b.dirty = make(map[docKey]struct{})

	var out []*ddp.Message
	for _, key := range keys {
		msg, err := b.flushOne(key)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (b *Box) flushOne(key docKey) (*ddp.Message, error) {
	d, haveLive := b.live[key]
	var live map[string]interface{}
	if haveLive {
		live = d.visibleFields()
	}
	committed, wasKnown := b.committed[key]

	switch {
	case !wasKnown && len(live) == 0:
		b.gcIfEmpty(key, d)
		return nil, nil
	case !wasKnown:
		b.committed[key] = live
		return ddp.Added(key.Collection, key.ID, live)
	case len(live) == 0:
		delete(b.committed, key)
		b.gcIfEmpty(key, d)
		return ddp.Removed(key.Collection, key.ID), nil
	default:
		changed, cleared := diff(committed, live)
		b.committed[key] = live
		if len(changed) == 0 && len(cleared) == 0 {
			return nil, nil
		}
		return ddp.Changed(key.Collection, key.ID, changed, cleared)
	}
}

// gcIfEmpty drops a document's live state once it contributes nothing and
// was never sent to the client, to avoid leaking memory for documents a
// source briefly touched within a single batch.
func (b *Box) gcIfEmpty(key docKey, d *docState) {
	if d == nil || len(d.fields) > 0 {
		return
	}
	for subID := range d.subFields {
		if set, ok := b.subDocs[subID]; ok {
			delete(set, key)
		}
	}
	delete(b.live, key)
}

func diff(prev, next map[string]interface{}) (changed map[string]interface{}, cleared []string) {
	for name, v := range next {
		pv, ok := prev[name]
		if !ok || !deepEqual(pv, v) {
			if changed == nil {
				changed = make(map[string]interface{})
			}
			changed[name] = v
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			cleared = append(cleared, name)
		}
	}
	sort.Strings(cleared)
	return changed, cleared
}

// deepEqual compares two decoded EJSON values structurally. Defined here
// rather than imported from internal/query to keep mergebox from
// depending on the query engine; field-value identity only needs
// structural equality, not BSON type-ordering semantics.
func deepEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !deepEqual(v, bvv) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		// time.Time, ejson.Binary, and scalars all compare correctly via
		// reflect.DeepEqual; ejson.Binary is slice-backed, so a plain `==`
		// would panic on an uncomparable dynamic type.
		return reflect.DeepEqual(a, b)
	}
}

// DocCount reports the number of documents currently visible to the
// client, for metrics.
func (b *Box) DocCount() int { return len(b.committed) }

// String aids debugging/logging with a compact summary.
func (b *Box) String() string {
	return fmt.Sprintf("mergebox{live=%d committed=%d}", len(b.live), len(b.committed))
}
