// Package wsconn wraps gorilla/websocket with the read/write-pump pattern
// the router needs on both sides of a session: an inbound connection
// accepted from a browser client, and an outbound connection dialed to
// the Meteor server. Grounded on
// streamspace-dev-streamspace/agents/k8s-agent's connection.go (ping/pong
// deadlines, dedicated read and write goroutines, write serialization
// through a channel rather than a mutex around WriteMessage).
package wsconn

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB; DDP frames carry full documents
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one DDP-framed WebSocket connection, with a read pump that
// delivers inbound text frames on a channel and a write pump that
// serializes outbound frames and periodic pings through a single
// goroutine, the way a raw *websocket.Conn requires (writes are not
// safe for concurrent use without this).
type Conn struct {
	ws *websocket.Conn

	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}
	readErr  chan error
}

// Accept upgrades an inbound HTTP request to a WebSocket connection.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wsconn: upgrade: %w", err)
	}
	return newConn(ws), nil
}

// Dial opens an outbound WebSocket connection to url.
func Dial(ctx context.Context, url string) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsconn: dial %s: %w", url, err)
	}
	return newConn(ws), nil
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:       ws,
		inbound:  make(chan []byte, 64),
		outbound: make(chan []byte, 64),
		closed:   make(chan struct{}),
		readErr:  make(chan error, 1),
	}
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.readPump()
	go c.writePump()
	return c
}

// Inbound yields each text frame received from the peer, in order.
func (c *Conn) Inbound() <-chan []byte { return c.inbound }

// ReadErr receives at most one error: the reason the read pump stopped,
// which is always fatal for the owning session (SPEC_FULL.md §7).
func (c *Conn) ReadErr() <-chan error { return c.readErr }

// Send enqueues a text frame for delivery, blocking only long enough for
// the write pump to accept it or the connection to close.
func (c *Conn) Send(frame []byte) error {
	select {
	case c.outbound <- frame:
		return nil
	case <-c.closed:
		return fmt.Errorf("wsconn: connection closed")
	}
}

// Close closes the underlying connection and stops both pumps.
func (c *Conn) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	return c.ws.Close()
}

func (c *Conn) readPump() {
	defer close(c.inbound)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case c.readErr <- err:
			default:
			}
			return
		}
		select {
		case c.inbound <- data:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-c.outbound:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
