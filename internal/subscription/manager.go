// Package subscription implements the subscription manager: it decides,
// for each `sub`, whether to offload it to a locally-run reactive source
// or decline and let the session forward it upstream, and owns the
// lifecycle of every cursor it ends up running locally (SPEC_FULL.md
// §4.2). Per-subscription lifecycle bookkeeping here follows the shape of
// bundoc-server's instance manager, scaled down to a plain map owned by a
// single session's goroutine rather than a process-wide sync.Map, since a
// subscription manager is owned by exactly one session. There is no
// reference counting or idle eviction: a subscription lives from Start
// until Unsubscribe or Close.
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kartikbazzad/ddprouter/internal/metrics"
	"github.com/kartikbazzad/ddprouter/internal/mongostore"
	"github.com/kartikbazzad/ddprouter/internal/query"
	"github.com/kartikbazzad/ddprouter/internal/source"
	routererrors "github.com/kartikbazzad/ddprouter/pkg/errors"
)

// UpstreamCaller issues the synthetic __subscription__<name> RPC against
// the Meteor server and waits for its result, as the session supervisor's
// upstream connection provides it.
type UpstreamCaller interface {
	CallMethod(ctx context.Context, name string, params json.RawMessage) (result json.RawMessage, methodErr json.RawMessage, err error)
}

// Update is one event the manager's output channel delivers, fanned in
// from every cursor of every locally-running subscription.
type Update struct {
	SubID       string
	Collection  string
	CursorIndex int
	DocEvent    *source.Event
	CursorReady bool
	Err         error
}

type cursorState struct {
	collection string
	sourceKind string
	src        source.Source
	stop       chan struct{}
}

type subscriptionState struct {
	name    string
	cursors []*cursorState
	pending int // cursors whose first pass hasn't been observed yet
}

// Manager owns every locally-offloaded subscription for one client
// session. Only Resolve is safe to call from another goroutine; Start,
// Unsubscribe, Close, IsLocal, and draining Updates()/Apply must all
// happen from the session's single event loop goroutine, the same
// ownership discipline mergebox.Box uses.
type Manager struct {
	store        *mongostore.Store
	upstream     UpstreamCaller
	pollInterval time.Duration

	subs map[string]*subscriptionState
	out  chan Update
}

// New creates a subscription manager for one session.
func New(store *mongostore.Store, upstream UpstreamCaller, pollInterval time.Duration) *Manager {
	return &Manager{
		store:        store,
		upstream:     upstream,
		pollInterval: pollInterval,
		subs:         make(map[string]*subscriptionState),
		out:          make(chan Update, 256),
	}
}

// Updates returns the channel every cursor's events, readiness, and
// failures are multiplexed onto. The session event loop drains this
// alongside inbound/outbound socket frames.
func (m *Manager) Updates() <-chan Update { return m.out }

// IsLocal reports whether subID is currently served locally.
func (m *Manager) IsLocal(subID string) bool {
	_, ok := m.subs[subID]
	return ok
}

// Resolve calls the synthetic __subscription__<name> method upstream and,
// on success, compiles its cursor-description result into CursorSpecs. It
// touches no Manager state and is safe to call concurrently with other
// subscriptions' Resolve calls from a goroutine the session spawns per
// `sub` — unlike every other Manager method, which must only be called
// from the single session event loop. A non-nil error means offload was
// declined (parse error or upstream failure, per SPEC_FULL.md §7) and the
// caller should forward the original `sub` upstream instead.
func (m *Manager) Resolve(ctx context.Context, name string, params json.RawMessage) ([]*query.CursorSpec, error) {
	result, methodErr, err := m.upstream.CallMethod(ctx, syntheticMethodName(name), params)
	if err != nil {
		return nil, routererrors.UpstreamDecline("synthetic subscription call failed", err)
	}
	if methodErr != nil {
		return nil, routererrors.UpstreamDecline(fmt.Sprintf("upstream declined subscription %s", name), fmt.Errorf("%s", methodErr))
	}

	rawSpecs, err := decodeCursorDescriptions(result)
	if err != nil {
		return nil, routererrors.Parse("invalid cursor description payload", err)
	}

	specs := make([]*query.CursorSpec, 0, len(rawSpecs))
	for _, raw := range rawSpecs {
		spec, err := query.Compile(raw)
		if err != nil {
			return nil, routererrors.Parse("invalid cursor description", err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Start registers subID as locally served and starts one reactive source
// per spec. Must only be called from the session event loop, once
// Resolve has succeeded.
func (m *Manager) Start(subID, name string, specs []*query.CursorSpec) {
	state := &subscriptionState{name: name, pending: len(specs)}
	for idx, spec := range specs {
		cs := m.startCursor(subID, idx, spec)
		state.cursors = append(state.cursors, cs)
	}
	m.subs[subID] = state
}

func syntheticMethodName(name string) string { return "__subscription__" + name }

func (m *Manager) startCursor(subID string, idx int, spec *query.CursorSpec) *cursorState {
	var src source.Source
	sourceKind := "polling"
	if spec.ChangeStreamEligible() {
		sourceKind = "changestream"
		src = source.NewChangeStream(m.store, spec, topLevelEquality(spec))
	} else {
		src = source.NewPolling(m.store, spec, spec.RawSelector, m.pollInterval)
	}
	metrics.SubscriptionsActive.WithLabelValues(sourceKind).Inc()
	cs := &cursorState{collection: spec.Collection, sourceKind: sourceKind, src: src, stop: make(chan struct{})}
	go m.forward(subID, idx, cs)
	return cs
}

// forward relays one cursor's Events/Ready/Err onto the manager's shared
// output channel until the source closes or the subscription is torn
// down.
func (m *Manager) forward(subID string, idx int, cs *cursorState) {
	readyCh := cs.src.Ready()
	for {
		select {
		case ev, ok := <-cs.src.Events():
			if !ok {
				// A failing source reports on Err before closing Events, so
				// the failure may still be waiting there.
				select {
				case err := <-cs.src.Err():
					metrics.SourceFailuresTotal.WithLabelValues(cs.sourceKind).Inc()
					select {
					case m.out <- Update{SubID: subID, Collection: cs.collection, CursorIndex: idx, Err: err}:
					case <-cs.stop:
					}
				default:
				}
				return
			}
			evCopy := ev
			select {
			case m.out <- Update{SubID: subID, Collection: cs.collection, CursorIndex: idx, DocEvent: &evCopy}:
			case <-cs.stop:
				return
			}
		case err, ok := <-cs.src.Err():
			if ok {
				metrics.SourceFailuresTotal.WithLabelValues(cs.sourceKind).Inc()
				select {
				case m.out <- Update{SubID: subID, Collection: cs.collection, CursorIndex: idx, Err: err}:
				case <-cs.stop:
				}
			}
			return
		case <-readyCh:
			select {
			case m.out <- Update{SubID: subID, Collection: cs.collection, CursorIndex: idx, CursorReady: true}:
			case <-cs.stop:
				return
			}
			readyCh = nil // already delivered; never fires again
		case <-cs.stop:
			return
		}
	}
}

// Apply folds one Update into the subscription's bookkeeping, returning
// whether this update completed the subscription's first pass (all
// cursors ready), in which case the caller should emit a DDP `ready` for
// subID.
func (m *Manager) Apply(u Update) (firstPassComplete bool) {
	state, ok := m.subs[u.SubID]
	if !ok || !u.CursorReady {
		return false
	}
	state.pending--
	return state.pending == 0
}

// Unsubscribe stops every cursor belonging to subID. The caller is
// responsible for clearing the subscription's mergebox contributions
// separately (mergebox.Box.RemoveSubscription).
func (m *Manager) Unsubscribe(subID string) {
	state, ok := m.subs[subID]
	if !ok {
		return
	}
	for _, cs := range state.cursors {
		close(cs.stop)
		cs.src.Close()
		metrics.SubscriptionsActive.WithLabelValues(cs.sourceKind).Dec()
	}
	delete(m.subs, subID)
}

// Close tears down every subscription this manager owns, for session
// shutdown.
func (m *Manager) Close() {
	for subID := range m.subs {
		m.Unsubscribe(subID)
	}
}
