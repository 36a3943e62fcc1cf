// Package image assembles the simulator's binary-channel payload: a
// synthetic sample frame wrapped in a ZIP archive, per spec.md §4.3/§6.
// The original simulator (original_source/sim/src/rpc/sample_raw.rs)
// ships a fixed pre-captured sample_raw.zip; this simulator generates a
// deterministic synthetic frame instead of embedding a real exposure, but
// keeps the same width/height and single-entry ZIP/Deflate container
// shape so a real client decodes it identically.
package image

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

func init() {
	zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})
}

// DefaultWidth and DefaultHeight match the original simulator's
// sample_raw.rs fixture dimensions.
const (
	DefaultWidth  = 6248
	DefaultHeight = 4176

	entryName = "frame.raw"
)

// Sample synthesizes a deterministic row-major buffer of big-endian
// 16-bit grayscale samples (spec.md §3/§8: "width*height*2 bytes of
// big-endian 16-bit samples"). It is not a real exposure — a reproducible
// gradient stands in for one, since this simulator has no real sensor to
// read from.
func Sample(width, height int) []byte {
	buf := make([]byte, width*height*2)
	for i := 0; i < width*height; i++ {
		binary.BigEndian.PutUint16(buf[i*2:], uint16(i))
	}
	return buf
}

// BuildPayload wraps data in a single-entry ZIP/Deflate archive, matching
// the binary channel's documented payload container (spec.md §4.3).
func BuildPayload(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.CreateHeader(&zip.FileHeader{Name: entryName, Method: zip.Deflate})
	if err != nil {
		return nil, fmt.Errorf("image: create zip entry: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return nil, fmt.Errorf("image: write zip entry: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("image: close zip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// CurrentFrame returns the current sample frame's ZIP payload and
// dimensions, ready to be framed by the binary channel's 80-byte header.
func CurrentFrame() (payload []byte, width, height uint16, err error) {
	data := Sample(DefaultWidth, DefaultHeight)
	payload, err = BuildPayload(data)
	if err != nil {
		return nil, 0, 0, err
	}
	return payload, DefaultWidth, DefaultHeight, nil
}
