// Package protocol defines the packets exchanged with a remote debugging server and
// the length-prefixed framing used on stream transports.
package protocol

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Packet is a single protocol message. The debugger core treats it as an opaque
// JSON object and only looks at the addressing fields.
type Packet map[string]any

// Well-known packet fields.
const (
	FieldTo    = "to"
	FieldFrom  = "from"
	FieldType  = "type"
	FieldError = "error"
)

// RootActor is the actor every connection starts talking to.
const RootActor = "root"

// NewRequest builds a request packet addressed to actor.
func NewRequest(to, typ string) Packet {
	return Packet{FieldTo: to, FieldType: typ}
}

// String returns the named field when it holds a string.
func (p Packet) String(key string) string {
	s, _ := p[key].(string)
	return s
}

func (p Packet) To() string   { return p.String(FieldTo) }
func (p Packet) From() string { return p.String(FieldFrom) }
func (p Packet) Type() string { return p.String(FieldType) }

// With returns a copy of p with key set to value.
func (p Packet) With(key string, value any) Packet {
	out := p.Clone()
	out[key] = value
	return out
}

// Clone returns a shallow copy.
func (p Packet) Clone() Packet {
	if p == nil {
		return Packet{}
	}
	return maps.Clone(p)
}

// Decode converts the packet into a typed value using its JSON form.
func (p Packet) Decode(v any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal packet: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode packet: %w", err)
	}
	return nil
}

// Err returns the protocol error carried by a reply, or nil.
func (p Packet) Err() error {
	code := p.String(FieldError)
	if code == "" {
		return nil
	}
	return &Error{From: p.From(), Code: code, Message: p.String("message")}
}

// Encode converts v into a Packet through its JSON form.
func Encode(v any) (Packet, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return p, nil
}
