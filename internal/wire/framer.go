package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// crlf is the two-byte frame terminator used on channels A and B.
var crlf = []byte("\r\n")

// Framer extracts CR-LF terminated frames from a byte stream, maintaining a
// rolling buffer across partial reads the way the teacher's codec
// accumulates bytes in internal/serial before resynchronizing on its own
// preamble; here the terminator is the delimiter instead of a preamble+len
// header, so extraction is a straightforward bytes.Index scan.
type Framer struct {
	r   *bufio.Reader
	buf bytes.Buffer
}

// NewFramer wraps r for frame-at-a-time reading.
func NewFramer(r io.Reader) *Framer {
	return &Framer{r: bufio.NewReaderSize(r, 4096)}
}

// maxFrameSize guards against a runaway peer that never sends CR-LF.
var maxFrameSize = 1 << 20 // 1 MiB; generous for JSON RPC frames

// ReadFrame returns the next complete frame (without the CR-LF terminator).
// It blocks until a full frame is available, the underlying reader returns
// an error, or the accumulated partial frame exceeds maxFrameSize.
func (f *Framer) ReadFrame() ([]byte, error) {
	for {
		if idx := bytes.Index(f.buf.Bytes(), crlf); idx >= 0 {
			frame := make([]byte, idx)
			copy(frame, f.buf.Bytes()[:idx])
			f.buf.Next(idx + len(crlf))
			return frame, nil
		}
		if f.buf.Len() > maxFrameSize {
			return nil, fmt.Errorf("wire: frame exceeds %d bytes without CR-LF terminator", maxFrameSize)
		}
		chunk := make([]byte, 4096)
		n, err := f.r.Read(chunk)
		if n > 0 {
			f.buf.Write(chunk[:n])
		}
		if err != nil {
			// Surface a trailing partial frame as data loss only after the
			// caller has drained every complete frame already buffered;
			// io.EOF with leftover bytes is still reported as EOF so the
			// reader loop can treat it as transport teardown.
			return nil, err
		}
	}
}

// WriteFrame serializes v and appends the CR-LF terminator in a single
// write, matching the writer contract in spec.md §4.1 ("Writers emit the
// serialized request followed by CR LF").
func WriteFrame(w io.Writer, v any) error {
	b, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal frame: %w", err)
	}
	b = append(b, crlf...)
	_, err = w.Write(b)
	return err
}

// WriteRaw appends CR-LF to an already-encoded frame and writes it
// atomically (single Write call), used by the simulator when it has
// pre-serialized a response.
func WriteRaw(w io.Writer, raw []byte) error {
	buf := make([]byte, 0, len(raw)+len(crlf))
	buf = append(buf, raw...)
	buf = append(buf, crlf...)
	_, err := w.Write(buf)
	return err
}
