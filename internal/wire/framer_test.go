package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

// chunkedReader splits p into fixed-size reads to exercise the framer's
// accumulation across arbitrary chunk boundaries, the way the teacher's
// serial codec tests feed bytes in small increments to check resync logic.
type chunkedReader struct {
	data []byte
	size int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.size
	if n > len(p) {
		n = len(p)
	}
	if n > len(c.data) {
		n = len(c.data)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestFramer_ChunkBoundaryInvariance(t *testing.T) {
	frames := [][]byte{
		[]byte(`{"id":1,"method":"test_connection"}`),
		[]byte(`{"id":2,"method":"set_control_value","params":["Gain",77]}`),
		[]byte(`{"Event":"Temperature","value":-10.5}`),
	}
	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(f)
		buf.Write(crlf)
	}
	payload := buf.Bytes()

	for chunkSize := 1; chunkSize <= len(payload); chunkSize++ {
		fr := NewFramer(&chunkedReader{data: append([]byte(nil), payload...), size: chunkSize})
		var got [][]byte
		for {
			f, err := fr.ReadFrame()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				t.Fatalf("chunkSize=%d: ReadFrame: %v", chunkSize, err)
			}
			got = append(got, f)
		}
		if len(got) != len(frames) {
			t.Fatalf("chunkSize=%d: got %d frames, want %d", chunkSize, len(got), len(frames))
		}
		for i := range frames {
			if !bytes.Equal(got[i], frames[i]) {
				t.Fatalf("chunkSize=%d: frame %d = %q, want %q", chunkSize, i, got[i], frames[i])
			}
		}
	}
}

func TestFramer_TooLarge(t *testing.T) {
	maxFrameSize = 16
	defer func() { maxFrameSize = 1 << 20 }()
	junk := bytes.Repeat([]byte{'x'}, 64)
	fr := NewFramer(bytes.NewReader(junk))
	if _, err := fr.ReadFrame(); err == nil {
		t.Fatalf("expected frame-too-large error")
	}
}

func TestWriteFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{ID: 7, Method: "get_camera_info"}
	if err := WriteFrame(&buf, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if !bytes.HasSuffix(buf.Bytes(), crlf) {
		t.Fatalf("expected CR-LF terminated frame, got %q", buf.Bytes())
	}
	fr := NewFramer(&buf)
	frame, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	var got Request
	if err := Unmarshal(frame, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.ID != req.ID || got.Method != req.Method {
		t.Fatalf("got %+v, want %+v", got, req)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want FrameKind
	}{
		{"event", `{"Event":"Temperature","value":-10.5}`, KindEvent},
		{"response", `{"id":1,"jsonrpc":"2.0","code":0,"method":"test_connection","result":"ok"}`, KindResponse},
		{"garbage", `{"foo":"bar"}`, KindUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Classify([]byte(c.raw)); got != c.want {
				t.Fatalf("Classify(%q) = %v, want %v", c.raw, got, c.want)
			}
		})
	}
}
