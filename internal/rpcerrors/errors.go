// Package rpcerrors defines the sentinel error kinds from spec.md §7 and
// the metrics-label mapping used to classify them, following the teacher's
// server/errors.go pattern of errors.New sentinels plus errors.Is
// classification instead of bespoke error structs per call site.
package rpcerrors

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Wrap with fmt.Errorf("%w: %v", Kind, cause) so
// callers can classify via errors.Is while still seeing the underlying
// cause in logs.
var (
	// ErrNotConnected is returned synchronously, without touching sockets,
	// when a caller invokes a request while the manager is not connected.
	ErrNotConnected = errors.New("rpc: not connected")
	// ErrTimeout is returned when no response arrives within the channel's
	// bounded wait.
	ErrTimeout = errors.New("rpc: timeout")
	// ErrRemote wraps a peer-returned code!=0 response; the error string
	// ends with the peer's message verbatim.
	ErrRemote = errors.New("rpc: remote error")
	// ErrDecode covers malformed JSON, a malformed binary header, or an
	// unreadable/empty ZIP payload.
	ErrDecode = errors.New("rpc: decode error")
	// ErrTransport covers socket read/write failure or EOF on a connected
	// channel.
	ErrTransport = errors.New("rpc: transport error")
	// ErrProtocolViolation covers a response with no matching pending
	// entry, an unexpected event shape, or a header length mismatch.
	ErrProtocolViolation = errors.New("rpc: protocol violation")
)

// Remote constructs an ErrRemote carrying the peer's error string verbatim.
func Remote(msg string) error { return fmt.Errorf("%w: %s", ErrRemote, msg) }

// Transport wraps cause as a transport error.
func Transport(cause error) error { return fmt.Errorf("%w: %v", ErrTransport, cause) }

// Decode wraps cause as a decode error.
func Decode(cause error) error { return fmt.Errorf("%w: %v", ErrDecode, cause) }

// MetricLabel maps a wrapped sentinel error to a stable Prometheus label
// value, bounding cardinality the way the teacher's mapErrToMetric does.
func MetricLabel(err error) string {
	switch {
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRemote):
		return "remote"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	default:
		return "other"
	}
}
