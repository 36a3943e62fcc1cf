package rpcchannel

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/nsokolov/airlinkd/internal/binheader"
	"github.com/nsokolov/airlinkd/internal/rpcerrors"
)

func buildZipPayload(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create(name)
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestBinaryChannel_RequestResponse(t *testing.T) {
	addr, peerCh := fakePeer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := DialBinary(ctx, "C", addr, time.Second, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	peer := <-peerCh
	defer peer.Close()
	reader := bufio.NewReader(peer)

	go func() {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		var req struct {
			ID uint64 `json:"id"`
		}
		if err := json.Unmarshal([]byte(line[:len(line)-2]), &req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		payload := buildZipPayload(t, "frame.raw", []byte("pixel-bytes"))
		hdr := binheader.Encode(binheader.Header{
			PayloadSize: uint32(len(payload)),
			ID:          uint8(req.ID),
			Width:       1920,
			Height:      1080,
			Bin:         1,
		})
		peer.Write(hdr)
		peer.Write(payload)
	}()

	result, err := ch.Request(ctx, "get_last_frame", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(result.Payload) != "pixel-bytes" {
		t.Fatalf("unexpected payload %q", result.Payload)
	}
	if result.Width != 1920 || result.Height != 1080 {
		t.Fatalf("unexpected dimensions %dx%d", result.Width, result.Height)
	}
}

func TestBinaryChannel_TruncatedHeaderTriggersTeardown(t *testing.T) {
	addr, peerCh := fakePeer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	ch, err := DialBinary(ctx, "C", addr, time.Second, func(e error) { errCh <- e })
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	peer := <-peerCh
	peer.Write([]byte{0x01, 0x02, 0x03})
	peer.(*net.TCPConn).CloseWrite()

	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("expected transport error callback after truncated header")
	}
}

// TestBinaryChannel_EmptyZipPayloadStaysHealthy covers spec.md §8's binding
// boundary behavior: an empty/unreadable ZIP payload fails the in-flight
// request with a decode error but leaves the channel open for the next one.
func TestBinaryChannel_EmptyZipPayloadStaysHealthy(t *testing.T) {
	addr, peerCh := fakePeer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	ch, err := DialBinary(ctx, "C", addr, time.Second, func(e error) { errCh <- e })
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	peer := <-peerCh
	defer peer.Close()
	reader := bufio.NewReader(peer)

	readReqID := func() uint64 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read request: %v", err)
		}
		var req struct {
			ID uint64 `json:"id"`
		}
		if err := json.Unmarshal([]byte(line[:len(line)-2]), &req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		return req.ID
	}

	// First response: a header declaring a non-empty payload, but the
	// payload bytes are not a valid ZIP archive at all.
	go func() {
		id := readReqID()
		payload := []byte("not a zip archive")
		hdr := binheader.Encode(binheader.Header{PayloadSize: uint32(len(payload)), ID: uint8(id)})
		peer.Write(hdr)
		peer.Write(payload)
	}()

	_, err = ch.Request(ctx, "get_current_img", nil)
	if !errors.Is(err, rpcerrors.ErrDecode) {
		t.Fatalf("expected a decode error, got %v", err)
	}
	select {
	case e := <-errCh:
		t.Fatalf("channel should not have torn down, got transport error: %v", e)
	default:
	}

	// A subsequent request on the same channel must still succeed.
	go func() {
		id := readReqID()
		payload := buildZipPayload(t, "frame.raw", []byte("pixel-bytes"))
		hdr := binheader.Encode(binheader.Header{PayloadSize: uint32(len(payload)), ID: uint8(id)})
		peer.Write(hdr)
		peer.Write(payload)
	}()

	result, err := ch.Request(ctx, "get_current_img", nil)
	if err != nil {
		t.Fatalf("request after decode error: %v", err)
	}
	if string(result.Payload) != "pixel-bytes" {
		t.Fatalf("unexpected payload %q", result.Payload)
	}
}
