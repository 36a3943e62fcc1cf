package rpcchannel

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/nsokolov/airlinkd/internal/events"
	"github.com/nsokolov/airlinkd/internal/metrics"
	"github.com/nsokolov/airlinkd/internal/rpcerrors"
	"github.com/nsokolov/airlinkd/internal/wire"
)

// TextChannel is a text (JSON-over-CRLF) RPC channel: A (primary) or B
// (auxiliary). It multiplexes correlated requests/responses by id while
// demultiplexing unsolicited event frames onto the event bus, per
// spec.md §4.2.
type TextChannel struct {
	*base[json.RawMessage]
	bus *events.Bus
}

// DialText opens a TCP connection to addr and starts the channel's reader
// goroutine. onTransportError is invoked at most once, when the reader
// observes a transport failure or EOF, so the caller (the channel manager)
// can enqueue a reconnect signal per spec.md §4.4.
func DialText(ctx context.Context, name, addr string, timeout time.Duration, bus *events.Bus, onTransportError func(error)) (*TextChannel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, rpcerrors.Transport(err)
	}
	c := &TextChannel{base: newBase[json.RawMessage](name, conn, timeout), bus: bus}
	c.wg.Add(1)
	go c.readLoop(onTransportError)
	return c, nil
}

// Request issues a correlated RPC call and waits for its response.
func (c *TextChannel) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return c.request(ctx, method, params)
}

// Notify sends a fire-and-forget call with no response correlation.
func (c *TextChannel) Notify(method string, params json.RawMessage) error {
	return c.notifyMethod(method, params)
}

// Close tears the channel down, draining pending requests with a
// connection-lost error.
func (c *TextChannel) Close() { c.teardown(rpcerrors.Transport(errors.New("channel closed"))) }

// PendingCount reports outstanding requests (used by tests/diagnostics).
func (c *TextChannel) PendingCount() int { return c.pendingCount() }

func (c *TextChannel) readLoop(onTransportError func(error)) {
	defer c.wg.Done()
	framer := wire.NewFramer(c.conn)
	for {
		frame, err := framer.ReadFrame()
		if err != nil {
			wrapped := rpcerrors.Transport(err)
			c.closeResources(wrapped)
			if onTransportError != nil {
				onTransportError(err)
			}
			return
		}
		c.dispatch(frame)
	}
}

func (c *TextChannel) dispatch(frame []byte) {
	switch wire.Classify(frame) {
	case wire.KindEvent:
		kind, value, ok, err := wire.DecodeEvent(frame)
		if err != nil {
			c.logger.Warn("event_decode_error", "error", err)
			metrics.IncFrameDecodeError(c.name)
			return
		}
		if !ok {
			c.logger.Debug("event_unknown_kind", "kind", kind)
			metrics.IncEventUnknown()
			return
		}
		c.bus.Publish(kind, value)
		metrics.IncEventPublished(kind)
	case wire.KindResponse:
		var resp wire.Response
		if err := wire.Unmarshal(frame, &resp); err != nil {
			c.logger.Warn("response_decode_error", "error", err)
			metrics.IncFrameDecodeError(c.name)
			return
		}
		var respErr error
		if !resp.Success() {
			respErr = rpcerrors.Remote(resp.Error)
		}
		if c.pending.complete(resp.ID, resp.Result, respErr) {
			metrics.IncResponseMatched(c.name)
		} else {
			c.logger.Debug("response_unmatched", "id", resp.ID)
			metrics.IncResponseUnmatched(c.name)
		}
	default:
		c.logger.Warn("frame_unrecognized", "frame", string(frame))
		metrics.IncFrameDecodeError(c.name)
	}
}
