package rpcchannel

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/nsokolov/airlinkd/internal/binheader"
	"github.com/nsokolov/airlinkd/internal/metrics"
	"github.com/nsokolov/airlinkd/internal/rpcerrors"
)

func init() {
	// Use klauspost's flate for zip inflation, matching the faster
	// decompressor the simulator registers on the encode side.
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
}

// maxBinaryPayload bounds a single image payload, guarding against a
// corrupt or hostile header claiming an unreasonable length (spec.md §4.3).
const maxBinaryPayload = 256 << 20 // 256 MiB

// BinaryResult is the decoded, ZIP-extracted form of one channel-C response:
// the first archive entry's bytes plus the frame dimensions from the header.
type BinaryResult struct {
	Payload []byte
	Width   uint16
	Height  uint16
}

// BinaryChannel is the binary image RPC channel (C): requests travel as
// text-framed JSON on the same connection's write side, but responses are an
// 80-byte fixed header followed by a ZIP-archived payload of that many
// bytes, per spec.md §4.3. Requests are not serialized: several may be in
// flight at once, and since the header echoes only the low byte of the
// request id, a response goes to the oldest pending request with that low
// byte.
type BinaryChannel struct {
	*base[BinaryResult]
}

// DialBinary opens a TCP connection to addr for the image channel and
// starts its reader goroutine.
func DialBinary(ctx context.Context, name, addr string, timeout time.Duration, onTransportError func(error)) (*BinaryChannel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, rpcerrors.Transport(err)
	}
	c := &BinaryChannel{base: newBase[BinaryResult](name, conn, timeout)}
	c.wg.Add(1)
	go c.readLoop(onTransportError)
	return c, nil
}

// Request issues a correlated RPC call and waits for the decoded binary
// response.
func (c *BinaryChannel) Request(ctx context.Context, method string, params json.RawMessage) (BinaryResult, error) {
	return c.request(ctx, method, params)
}

// Close tears the channel down, draining any pending request with a
// connection-lost error.
func (c *BinaryChannel) Close() { c.teardown(rpcerrors.Transport(errors.New("channel closed"))) }

// PendingCount reports outstanding requests (used by tests/diagnostics).
func (c *BinaryChannel) PendingCount() int { return c.pendingCount() }

func (c *BinaryChannel) readLoop(onTransportError func(error)) {
	defer c.wg.Done()
	for {
		result, err := c.readOne()
		if err != nil {
			// A decode error means the header and its full declared payload
			// were already consumed off the wire — the stream is still
			// framed correctly, only this one response failed to parse.
			// Complete just that request and keep reading; don't tear the
			// channel down (spec.md §4.3: a decode error leaves the channel
			// healthy). Anything else (a short read on the header or
			// payload, an oversize declared length) means the stream can no
			// longer be trusted to be in sync, so it's fatal.
			if errors.Is(err, rpcerrors.ErrDecode) {
				low := result.headerID
				if !c.pending.completeByLowByte(low, BinaryResult{}, err) {
					c.logger.Debug("response_unmatched", "header_id", low)
					metrics.IncResponseUnmatched(c.name)
				}
				continue
			}
			wrapped := rpcerrors.Transport(err)
			c.closeResources(wrapped)
			if onTransportError != nil {
				onTransportError(err)
			}
			return
		}
		low := result.headerID
		if !c.pending.completeByLowByte(low, result.value, nil) {
			c.logger.Debug("response_unmatched", "header_id", low)
			metrics.IncResponseUnmatched(c.name)
			continue
		}
		metrics.IncResponseMatched(c.name)
		metrics.AddBinaryPayloadBytes(len(result.value.Payload))
	}
}

// decodedFrame bundles a successfully decoded binary response with the
// header's echoed id byte, kept separate from BinaryResult since the id
// byte is routing metadata, not part of the caller-visible payload.
type decodedFrame struct {
	value    BinaryResult
	headerID uint8
}

func (c *BinaryChannel) readOne() (decodedFrame, error) {
	hdrBuf := make([]byte, binheader.HeaderSize)
	if _, err := io.ReadFull(c.conn, hdrBuf); err != nil {
		return decodedFrame{}, err
	}
	// magicErr is deliberately not returned yet: hdr.PayloadSize is
	// populated even when the magic check fails (binheader.Decode decodes
	// fields before checking it), so the declared payload can still be
	// drained below to keep the stream framed for the next response.
	hdr, magicErr := binheader.Decode(hdrBuf)
	if hdr.PayloadSize > maxBinaryPayload {
		// An oversize declared length can't be trusted enough to read into
		// memory, whether or not the header's magic was also bad; there is
		// no safe way to resync, so this is fatal.
		return decodedFrame{}, fmt.Errorf("%w: payload size %d exceeds %d byte ceiling", rpcerrors.ErrProtocolViolation, hdr.PayloadSize, maxBinaryPayload)
	}
	payload := make([]byte, hdr.PayloadSize)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return decodedFrame{}, err
	}
	if magicErr != nil {
		metrics.IncFrameDecodeError(c.name)
		return decodedFrame{headerID: hdr.ID}, rpcerrors.Decode(magicErr)
	}
	extracted, err := extractZipPayload(payload)
	if err != nil {
		metrics.IncFrameDecodeError(c.name)
		return decodedFrame{headerID: hdr.ID}, rpcerrors.Decode(err)
	}
	return decodedFrame{
		value: BinaryResult{
			Payload: extracted,
			Width:   hdr.Width,
			Height:  hdr.Height,
		},
		headerID: hdr.ID,
	}, nil
}

// extractZipPayload reads the first entry of a ZIP archive, per spec.md
// §4.3's payload extraction contract: the binary payload is always a ZIP
// archive containing exactly one file.
func extractZipPayload(raw []byte) ([]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("open zip payload: %w", err)
	}
	if len(r.File) == 0 {
		return nil, errors.New("zip payload has no entries")
	}
	f, err := r.File[0].Open()
	if err != nil {
		return nil, fmt.Errorf("open zip entry %q: %w", r.File[0].Name, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read zip entry %q: %w", r.File[0].Name, err)
	}
	return data, nil
}
