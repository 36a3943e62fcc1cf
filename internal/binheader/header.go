// Package binheader implements the 80-byte fixed header that precedes every
// binary-channel (channel C) response payload. Field layout follows
// spec.md §3; reserved regions are opaque and zeroed on send per spec.md §9.
package binheader

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed length of the binary response header in bytes.
const HeaderSize = 80

var (
	magic0 = [4]byte{0x41, 0x49, 0x52, 0x21} // "AIR!" — fixed protocol identifier
	magic1 = [2]byte{0x01, 0x00}
)

// ErrTruncatedHeader is returned when fewer than HeaderSize bytes are read.
var ErrTruncatedHeader = errors.New("binheader: truncated header")

// ErrBadMagic is returned when the header's fixed magic fields don't match.
var ErrBadMagic = errors.New("binheader: bad magic")

// Header is the decoded form of the 80-byte binary channel header.
// Reserved bytes are intentionally not modeled as fields: they are zeroed
// on Encode and ignored on Decode, per spec.md §9's open question about
// undocumented reserved-region semantics.
type Header struct {
	PayloadSize uint32
	ID          uint8 // echoes the low byte of the request id
	Width       uint16
	Height      uint16
	Bin         uint16
}

// Encode writes the 80-byte wire representation of h into a fresh buffer.
func Encode(h Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], magic0[:])
	copy(buf[4:6], magic1[:])
	binary.BigEndian.PutUint32(buf[6:10], h.PayloadSize)
	// buf[10:15] reserved, zero
	buf[15] = h.ID
	binary.BigEndian.PutUint16(buf[16:18], h.Width)
	binary.BigEndian.PutUint16(buf[18:20], h.Height)
	// buf[20:22] reserved
	// buf[22:26] reserved
	// buf[26:28] reserved
	binary.BigEndian.PutUint16(buf[28:30], h.Bin)
	// buf[30:32] reserved
	// buf[32:80] padding, zero
	return buf
}

// Decode parses an 80-byte buffer into a Header. It validates the fixed
// magic fields and buffer length only; reserved bytes are ignored. Fields
// are populated before the magic check, not after, so a caller that gets
// ErrBadMagic back still has PayloadSize available to drain the frame off
// the wire and keep the stream in sync (internal/rpcchannel's binary
// reader relies on this).
func Decode(buf []byte) (Header, error) {
	var h Header
	if len(buf) != HeaderSize {
		return h, fmt.Errorf("%w: got %d bytes", ErrTruncatedHeader, len(buf))
	}
	h.PayloadSize = binary.BigEndian.Uint32(buf[6:10])
	h.ID = buf[15]
	h.Width = binary.BigEndian.Uint16(buf[16:18])
	h.Height = binary.BigEndian.Uint16(buf[18:20])
	h.Bin = binary.BigEndian.Uint16(buf[28:30])
	if string(buf[0:4]) != string(magic0[:]) || string(buf[4:6]) != string(magic1[:]) {
		return h, ErrBadMagic
	}
	return h, nil
}
