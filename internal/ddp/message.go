// Package ddp implements DDP message framing: decoding inbound text frames
// into typed messages and encoding outbound ones, using internal/ejson for
// every field that can carry an extended-JSON value.
package ddp

import (
	"encoding/json"
	"fmt"
)

// Kind is the DDP `msg` discriminator.
type Kind string

const (
	KindConnect     Kind = "connect"
	KindConnected   Kind = "connected"
	KindFailed      Kind = "failed"
	KindPing        Kind = "ping"
	KindPong        Kind = "pong"
	KindSub         Kind = "sub"
	KindUnsub       Kind = "unsub"
	KindNosub       Kind = "nosub"
	KindAdded       Kind = "added"
	KindChanged     Kind = "changed"
	KindRemoved     Kind = "removed"
	KindReady       Kind = "ready"
	KindAddedBefore Kind = "addedBefore"
	KindMovedBefore Kind = "movedBefore"
	KindMethod      Kind = "method"
	KindResult      Kind = "result"
	KindUpdated     Kind = "updated"
	KindError       Kind = "error"
)

// Message is a loosely-typed DDP frame: every field DDP defines across all
// message kinds, decoded with encoding/json directly (not internal/ejson —
// the envelope itself is plain JSON; only document field values inside
// `fields`/`params`/`result` are EJSON-encoded and decoded separately by
// the caller that owns that payload's shape).
type Message struct {
	Msg        Kind            `json:"msg"`
	ID         string          `json:"id,omitempty"`
	Session    string          `json:"session,omitempty"`
	Version    string          `json:"version,omitempty"`
	Support    []string        `json:"support,omitempty"`
	Name       string          `json:"name,omitempty"`
	Method     string          `json:"method,omitempty"`
	RandomSeed string          `json:"randomSeed,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Subs       []string        `json:"subs,omitempty"`
	Methods    []string        `json:"methods,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Fields     json.RawMessage `json:"fields,omitempty"`
	Cleared    []string        `json:"cleared,omitempty"`
	Before     string          `json:"before,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// Decode parses a single raw DDP text frame.
func Decode(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("ddp: decode frame: %w", err)
	}
	if m.Msg == "" {
		return nil, fmt.Errorf("ddp: frame missing msg field")
	}
	return &m, nil
}

// Encode serializes a message back to a DDP text frame.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Added builds an `added` message, EJSON-encoding fields.
func Added(collection, id string, fields map[string]interface{}) (*Message, error) {
	raw, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}
	return &Message{Msg: KindAdded, Collection: collection, ID: id, Fields: raw}, nil
}

// Changed builds a `changed` message, EJSON-encoding fields and listing
// cleared field names.
func Changed(collection, id string, fields map[string]interface{}, cleared []string) (*Message, error) {
	raw, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}
	return &Message{Msg: KindChanged, Collection: collection, ID: id, Fields: raw, Cleared: cleared}, nil
}

// Removed builds a `removed` message.
func Removed(collection, id string) *Message {
	return &Message{Msg: KindRemoved, Collection: collection, ID: id}
}

// Ready builds a `ready` message for one or more subscription ids.
func Ready(subIDs ...string) *Message {
	return &Message{Msg: KindReady, Subs: subIDs}
}

// Nosub builds a `nosub` message, optionally carrying an error payload.
func Nosub(subID string, errPayload json.RawMessage) *Message {
	return &Message{Msg: KindNosub, ID: subID, Error: errPayload}
}

// MethodCall builds a `method` message with a router-chosen id.
func MethodCall(id, name string, params json.RawMessage) *Message {
	return &Message{Msg: KindMethod, ID: id, Method: name, Params: params}
}

func encodeFields(fields map[string]interface{}) (json.RawMessage, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	encoded := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		b, err := ejsonEncodeField(v)
		if err != nil {
			return nil, fmt.Errorf("ddp: encode field %s: %w", k, err)
		}
		encoded[k] = b
	}
	return json.Marshal(encoded)
}
