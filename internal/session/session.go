// Package session implements the DDP session supervisor: the single
// goroutine that owns one client WebSocket and its paired upstream
// WebSocket to the Meteor server, demultiplexes DDP frames between them,
// and is the sole mutator of that connection's subscription manager and
// mergebox (SPEC_FULL.md §4.1). Session ownership is what lets
// internal/mergebox and internal/subscription skip locking entirely: every
// call into either happens from this loop.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/ddprouter/internal/ddp"
	"github.com/kartikbazzad/ddprouter/internal/mergebox"
	"github.com/kartikbazzad/ddprouter/internal/metrics"
	"github.com/kartikbazzad/ddprouter/internal/mongostore"
	"github.com/kartikbazzad/ddprouter/internal/query"
	"github.com/kartikbazzad/ddprouter/internal/source"
	"github.com/kartikbazzad/ddprouter/internal/subscription"
	"github.com/kartikbazzad/ddprouter/internal/wsconn"
	routererrors "github.com/kartikbazzad/ddprouter/pkg/errors"
)

const (
	ddpVersion         = "1"
	methodCallTimeout  = 30 * time.Second
	subscribeResultCap = 32
)

// Session supervises one client connection end to end.
type Session struct {
	id       string
	client   *wsconn.Conn
	upstream *wsconn.Conn
	subs     *subscription.Manager
	box      *mergebox.Box
	log      *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]chan *ddp.Message
}

// New creates a session. id identifies the session for logging and is also
// used as the DDP `session` field returned to the client on connect.
func New(id string, client, upstream *wsconn.Conn, store *mongostore.Store, pollInterval time.Duration, log *slog.Logger) *Session {
	s := &Session{
		id:       id,
		client:   client,
		upstream: upstream,
		box:      mergebox.New(),
		log:      log,
		pending:  make(map[string]chan *ddp.Message),
	}
	s.subs = subscription.New(store, s, pollInterval)
	return s
}

// CallMethod implements subscription.UpstreamCaller: it muxes a synthetic
// __subscription__<name> call onto the upstream connection under a
// router-private id (so it can never collide with a client's own method
// id) and waits for the matching result to arrive on the session loop.
func (s *Session) CallMethod(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan *ddp.Message, 1)

	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	frame, err := ddp.Encode(ddp.MethodCall(id, name, params))
	if err != nil {
		return nil, nil, fmt.Errorf("session: encode synthetic method call: %w", err)
	}
	if err := s.upstream.Send(frame); err != nil {
		return nil, nil, fmt.Errorf("session: send synthetic method call: %w", err)
	}

	select {
	case msg := <-ch:
		return msg.Result, msg.Error, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// deliverResult hands an upstream `result` to the pending CallMethod
// waiting on it, if any, returning whether it was one of ours.
func (s *Session) deliverResult(msg *ddp.Message) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[msg.ID]
	s.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

// Run drives the session until its context is cancelled or a fatal error
// occurs: socket error, reactive source failure, or mergebox invariant
// violation all close both sockets and drop every owned subscription with
// no attempt at resumption (SPEC_FULL.md §4.1, §8).
func (s *Session) Run(ctx context.Context) {
	defer s.teardown()
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	if err := s.handshakeClient(ctx); err != nil {
		s.log.Warn("client handshake failed", "err", err)
		return
	}
	if err := s.handshakeUpstream(ctx); err != nil {
		s.log.Warn("upstream handshake failed", "err", err)
		return
	}
	s.log.Info("session established")

	subResults := make(chan subscribeResult, subscribeResultCap)

	for {
		var err error
		select {
		case raw, ok := <-s.client.Inbound():
			if !ok {
				s.fatal("client connection closed", nil)
				return
			}
			err = s.handleClientFrame(ctx, raw, subResults)
		case raw, ok := <-s.upstream.Inbound():
			if !ok {
				s.fatal("upstream connection closed", nil)
				return
			}
			err = s.handleUpstreamFrame(raw)
		case readErr := <-s.client.ReadErr():
			s.fatal("client socket error", readErr)
			return
		case readErr := <-s.upstream.ReadErr():
			s.fatal("upstream socket error", readErr)
			return
		case u := <-s.subs.Updates():
			err = s.handleSubscriptionUpdate(u)
		case r := <-subResults:
			err = s.handleSubscribeResult(r)
		case <-ctx.Done():
			return
		}
		if err != nil {
			s.fatal("session loop error", err)
			return
		}
		if err := s.flushMergebox(); err != nil {
			s.fatal("mergebox flush failed", err)
			return
		}
	}
}

func (s *Session) handshakeClient(ctx context.Context) error {
	select {
	case raw, ok := <-s.client.Inbound():
		if !ok {
			return routererrors.Socket("client closed before connect", nil)
		}
		msg, err := ddp.Decode(raw)
		if err != nil {
			return routererrors.Parse("invalid client connect frame", err)
		}
		if msg.Msg != ddp.KindConnect {
			return routererrors.Parse("expected connect as first client frame", nil)
		}
	case readErr := <-s.client.ReadErr():
		return routererrors.Socket("client read error during handshake", readErr)
	case <-ctx.Done():
		return ctx.Err()
	}
	frame, err := ddp.Encode(&ddp.Message{Msg: ddp.KindConnected, Session: s.id})
	if err != nil {
		return err
	}
	return s.client.Send(frame)
}

func (s *Session) handshakeUpstream(ctx context.Context) error {
	frame, err := ddp.Encode(&ddp.Message{Msg: ddp.KindConnect, Version: ddpVersion, Support: []string{ddpVersion}})
	if err != nil {
		return err
	}
	if err := s.upstream.Send(frame); err != nil {
		return routererrors.Socket("failed to send upstream connect", err)
	}
	select {
	case raw, ok := <-s.upstream.Inbound():
		if !ok {
			return routererrors.Socket("upstream closed before connected", nil)
		}
		msg, err := ddp.Decode(raw)
		if err != nil {
			return routererrors.Parse("invalid upstream connect response", err)
		}
		switch msg.Msg {
		case ddp.KindConnected:
			return nil
		case ddp.KindFailed:
			return routererrors.Socket("upstream rejected connect version", fmt.Errorf("proposed version %s", msg.Version))
		default:
			return routererrors.Parse("unexpected upstream handshake response", nil)
		}
	case readErr := <-s.upstream.ReadErr():
		return routererrors.Socket("upstream read error during handshake", readErr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type subscribeResult struct {
	subID string
	orig  *ddp.Message
	specs []*query.CursorSpec
	err   error
}

func (s *Session) handleClientFrame(ctx context.Context, raw []byte, subResults chan<- subscribeResult) error {
	msg, err := ddp.Decode(raw)
	if err != nil {
		return routererrors.Parse("invalid client frame", err)
	}
	switch msg.Msg {
	case ddp.KindConnect:
		// A second connect from an already-established client is ignored;
		// DDP clients only send it once.
		return nil
	case ddp.KindSub:
		go s.trySubscribe(ctx, msg, subResults)
		return nil
	case ddp.KindUnsub:
		return s.handleUnsub(msg)
	default:
		return s.forwardUpstream(msg)
	}
}

// trySubscribe runs the synthetic offload call (Resolve, which touches no
// shared state) on its own goroutine so the session loop keeps draining
// other channels while it waits. The outcome is folded into the
// subscription manager and mergebox only by the loop itself via
// subResults, since Start/Unsubscribe/Apply are not safe for concurrent
// use.
func (s *Session) trySubscribe(ctx context.Context, msg *ddp.Message, out chan<- subscribeResult) {
	callCtx, cancel := context.WithTimeout(ctx, methodCallTimeout)
	defer cancel()
	specs, err := s.subs.Resolve(callCtx, msg.Name, msg.Params)
	select {
	case out <- subscribeResult{subID: msg.ID, orig: msg, specs: specs, err: err}:
	case <-ctx.Done():
	}
}

func (s *Session) handleSubscribeResult(r subscribeResult) error {
	if r.err != nil {
		metrics.SubscriptionDeclinedTotal.WithLabelValues(declineReason(r.err)).Inc()
		s.log.Debug("subscription offload declined, forwarding upstream", "sub_id", r.subID, "name", r.orig.Name, "err", r.err)
		return s.forwardUpstream(r.orig)
	}
	s.subs.Start(r.subID, r.orig.Name, r.specs)
	s.log.Debug("subscription offloaded locally", "sub_id", r.subID, "name", r.orig.Name)
	return nil
}

func (s *Session) handleUnsub(msg *ddp.Message) error {
	if !s.subs.IsLocal(msg.ID) {
		return s.forwardUpstream(msg)
	}
	s.subs.Unsubscribe(msg.ID)
	s.box.RemoveSubscription(msg.ID)
	if err := s.flushMergebox(); err != nil {
		return err
	}
	return s.sendClient(ddp.Nosub(msg.ID, nil))
}

func (s *Session) handleSubscriptionUpdate(u subscription.Update) error {
	if u.Err != nil {
		return routererrors.SourceFailure(fmt.Sprintf("reactive source failed for subscription %s", u.SubID), u.Err)
	}
	if u.DocEvent != nil {
		switch u.DocEvent.Kind {
		case source.EventUpsert:
			s.box.ApplyLocalUpsert(u.SubID, u.Collection, u.DocEvent.ID, u.DocEvent.Fields)
		case source.EventRemove:
			s.box.ApplyLocalRemove(u.SubID, u.Collection, u.DocEvent.ID)
		}
	}
	if u.CursorReady && s.subs.Apply(u) {
		if err := s.flushMergebox(); err != nil {
			return err
		}
		return s.sendClient(ddp.Ready(u.SubID))
	}
	return nil
}

func (s *Session) handleUpstreamFrame(raw []byte) error {
	msg, err := ddp.Decode(raw)
	if err != nil {
		return routererrors.Parse("invalid upstream frame", err)
	}
	switch msg.Msg {
	case ddp.KindResult:
		if s.deliverResult(msg) {
			return nil
		}
		return s.sendClient(msg)
	case ddp.KindAdded, ddp.KindAddedBefore:
		fields, err := ddp.DecodeFields(msg.Fields)
		if err != nil {
			return routererrors.Parse("invalid upstream added fields", err)
		}
		// addedBefore's ordering hint is dropped; the mergebox has no
		// notion of client-visible document order (SPEC_FULL.md §4.3,
		// sort/limit happen only within a locally-run cursor).
		s.box.ApplyExternalAdded(msg.Collection, msg.ID, fields)
		return nil
	case ddp.KindChanged:
		fields, err := ddp.DecodeFields(msg.Fields)
		if err != nil {
			return routererrors.Parse("invalid upstream changed fields", err)
		}
		s.box.ApplyExternalChanged(msg.Collection, msg.ID, fields, msg.Cleared)
		return nil
	case ddp.KindRemoved:
		s.box.ApplyExternalRemoved(msg.Collection, msg.ID)
		return nil
	case ddp.KindMovedBefore:
		// Pure reordering within an existing result set; nothing for the
		// mergebox to reconcile.
		return nil
	default:
		return s.sendClient(msg)
	}
}

func (s *Session) flushMergebox() error {
	start := time.Now()
	msgs, err := s.box.Flush()
	metrics.MergeboxFlushDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return routererrors.Invariant(err.Error())
	}
	for _, m := range msgs {
		if err := s.sendClient(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) forwardUpstream(msg *ddp.Message) error {
	frame, err := ddp.Encode(msg)
	if err != nil {
		return fmt.Errorf("session: encode frame for upstream forward: %w", err)
	}
	if err := s.upstream.Send(frame); err != nil {
		return routererrors.Socket("failed forwarding frame upstream", err)
	}
	return nil
}

func (s *Session) sendClient(msg *ddp.Message) error {
	frame, err := ddp.Encode(msg)
	if err != nil {
		return fmt.Errorf("session: encode frame for client: %w", err)
	}
	if err := s.client.Send(frame); err != nil {
		return routererrors.Socket("failed sending frame to client", err)
	}
	return nil
}

func (s *Session) fatal(reason string, err error) {
	s.log.Error(reason, "err", err)
	metrics.SessionsTerminatedTotal.WithLabelValues(terminationCause(err)).Inc()
}

func (s *Session) teardown() {
	s.subs.Close()
	_ = s.client.Close()
	_ = s.upstream.Close()
}

func declineReason(err error) string {
	if re, ok := err.(*routererrors.RouterError); ok {
		return re.Kind.String()
	}
	return "unknown"
}

func terminationCause(err error) string {
	if err == nil {
		return "closed"
	}
	if re, ok := err.(*routererrors.RouterError); ok {
		return re.Kind.String()
	}
	return "unknown"
}
