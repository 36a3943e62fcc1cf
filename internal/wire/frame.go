// Package wire implements the CR-LF delimited JSON text protocol shared by
// channels A and B: requests, responses, and unsolicited events all travel
// as compact JSON objects terminated by "\r\n".
package wire

import (
	"encoding/json"

	sjson "github.com/segmentio/encoding/json"
)

// Request is a client-to-peer call. Params is omitted on the wire when nil.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a peer-to-client reply correlated by ID.
//
// Code 0 means success; a nonzero code means Error carries the failure
// reason verbatim. Result is absent when Error is present.
type Response struct {
	ID        uint64          `json:"id"`
	JSONRPC   string          `json:"jsonrpc"`
	Code      uint8           `json:"code"`
	Method    string          `json:"method"`
	Timestamp string          `json:"Timestamp"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// EventEnvelope carries just enough of an event frame to dispatch on Kind;
// callers decode KindSpecific fields from the raw frame separately.
type EventEnvelope struct {
	Kind      string `json:"Event"`
	Timestamp string `json:"Timestamp"`
}

// Success reports whether the response indicates the call succeeded.
func (r *Response) Success() bool { return r.Code == 0 }

// Marshal encodes v using the package's JSON codec (segmentio/encoding,
// drop-in faster replacement for encoding/json on the framer's hot path).
func Marshal(v any) ([]byte, error) { return sjson.Marshal(v) }

// Unmarshal decodes data into v using the package's JSON codec.
func Unmarshal(data []byte, v any) error { return sjson.Unmarshal(data, v) }

// frameShape holds the keys Classify inspects to decide whether a raw frame
// is an event, a response, or neither, without fully decoding kind-specific
// fields.
type frameShape struct {
	Event   json.RawMessage `json:"Event"`
	ID      *uint64         `json:"id"`
	JSONRPC json.RawMessage `json:"jsonrpc"`
}

// FrameKind enumerates the three shapes a decoded text frame can take.
type FrameKind int

const (
	KindUnknown FrameKind = iota
	KindEvent
	KindResponse
)

// Classify peeks at a raw JSON frame and reports its kind per the reader
// contract in the channel task: frames with an "Event" key are events,
// frames with "jsonrpc" (and an id) are responses, anything else is
// logged and dropped by the caller.
func Classify(raw []byte) FrameKind {
	var shape frameShape
	if err := sjson.Unmarshal(raw, &shape); err != nil {
		return KindUnknown
	}
	if len(shape.Event) > 0 {
		return KindEvent
	}
	if len(shape.JSONRPC) > 0 && shape.ID != nil {
		return KindResponse
	}
	return KindUnknown
}
