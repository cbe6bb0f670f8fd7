package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kartikbazzad/ddprouter/internal/ddp"
	"github.com/kartikbazzad/ddprouter/internal/wsconn"
	"github.com/kartikbazzad/ddprouter/pkg/logger"
)

// fakeUpstreamHandler behaves like a minimal Meteor server: it accepts the DDP
// connect handshake, declines any synthetic subscription offload with a
// method error, and answers a forwarded `sub` with `ready`.
func fakeUpstreamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Accept(w, r)
	if err != nil {
		return
	}
	defer conn.Close()
	for raw := range conn.Inbound() {
		msg, err := ddp.Decode(raw)
		if err != nil {
			continue
		}
		switch msg.Msg {
		case ddp.KindConnect:
			frame, _ := ddp.Encode(&ddp.Message{Msg: ddp.KindConnected, Session: "fake-upstream-session"})
			_ = conn.Send(frame)
		case ddp.KindMethod:
			frame, _ := ddp.Encode(&ddp.Message{
				Msg:   ddp.KindResult,
				ID:    msg.ID,
				Error: json.RawMessage(`{"error":403,"reason":"not authorized"}`),
			})
			_ = conn.Send(frame)
		case ddp.KindSub:
			frame, _ := ddp.Encode(&ddp.Message{Msg: ddp.KindReady, Subs: []string{msg.ID}})
			_ = conn.Send(frame)
		}
	}
}

func wsURL(httpURL string) string {
	return "ws://" + strings.TrimPrefix(strings.TrimPrefix(httpURL, "http://"), "https://")
}

func readFrame(t *testing.T, ch <-chan []byte) *ddp.Message {
	t.Helper()
	select {
	case raw, ok := <-ch:
		if !ok {
			t.Fatal("inbound channel closed while waiting for a frame")
		}
		msg, err := ddp.Decode(raw)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// TestSessionDeclinesSubscriptionAndForwardsUpstream exercises the full
// relay path with no local offload available: client connect handshake,
// upstream connect handshake, a `sub` whose synthetic offload call is
// declined by the fake Meteor server, forwarded verbatim, and the
// resulting `ready` relayed back to the client without ever leaking the
// router-private method id used for the offload attempt.
func TestSessionDeclinesSubscriptionAndForwardsUpstream(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(fakeUpstreamHandler))
	defer upstreamSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	upstreamConn, err := wsconn.Dial(ctx, wsURL(upstreamSrv.URL))
	if err != nil {
		t.Fatalf("dial fake upstream: %v", err)
	}

	log := logger.Get()
	clientSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientConn, err := wsconn.Accept(w, r)
		if err != nil {
			return
		}
		sess := New("test-session", clientConn, upstreamConn, nil, time.Second, log)
		sess.Run(ctx)
	}))
	defer clientSrv.Close()

	browser, err := wsconn.Dial(ctx, wsURL(clientSrv.URL))
	if err != nil {
		t.Fatalf("dial session: %v", err)
	}
	defer browser.Close()

	connectFrame, _ := ddp.Encode(&ddp.Message{Msg: ddp.KindConnect, Version: "1", Support: []string{"1"}})
	if err := browser.Send(connectFrame); err != nil {
		t.Fatalf("send connect: %v", err)
	}

	connected := readFrame(t, browser.Inbound())
	if connected.Msg != ddp.KindConnected {
		t.Fatalf("expected connected, got %s", connected.Msg)
	}

	subFrame, _ := ddp.Encode(&ddp.Message{Msg: ddp.KindSub, ID: "s1", Name: "todos"})
	if err := browser.Send(subFrame); err != nil {
		t.Fatalf("send sub: %v", err)
	}

	ready := readFrame(t, browser.Inbound())
	if ready.Msg != ddp.KindReady {
		t.Fatalf("expected ready forwarded from upstream, got %s", ready.Msg)
	}
	if len(ready.Subs) != 1 || ready.Subs[0] != "s1" {
		t.Fatalf("expected ready for sub s1, got %v", ready.Subs)
	}
}

func TestDeclineReasonAndTerminationCauseOnNilError(t *testing.T) {
	if got := declineReason(nil); got != "unknown" {
		t.Fatalf("declineReason(nil) = %q, want unknown", got)
	}
	if got := terminationCause(nil); got != "closed" {
		t.Fatalf("terminationCause(nil) = %q, want closed", got)
	}
}
