package controller

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nsokolov/airlinkd/internal/binheader"
	"github.com/nsokolov/airlinkd/internal/events"
	"github.com/nsokolov/airlinkd/internal/rpcerrors"
)

// fakeDevice emulates the three TCP RPC channels well enough to exercise
// the channel manager's dial/request/reconnect paths, in the spirit of the
// teacher's smoke_test.go ephemeral-listener style.
type fakeDevice struct {
	t                  *testing.T
	addrA, addrB, addrC string

	mu  sync.Mutex
	lnA, lnB, lnC net.Listener
}

func startFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	fd := &fakeDevice{t: t}
	lnA, addrA := listenAndServeText(t)
	lnB, addrB := listenAndServeText(t)
	lnC, addrC := listenAndServeBinary(t)
	fd.lnA, fd.addrA = lnA, addrA
	fd.lnB, fd.addrB = lnB, addrB
	fd.lnC, fd.addrC = lnC, addrC
	return fd
}

func listenAndServeText(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		var conns []net.Conn
		defer func() { closeConns(conns) }()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, conn)
			go serveTextConn(conn)
		}
	}()
	return ln, ln.Addr().String()
}

func serveTextConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		body := line
		if len(body) >= 2 && body[len(body)-2] == '\r' {
			body = body[:len(body)-2]
		}
		var req struct {
			ID     uint64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			return
		}
		resp := []byte(`{"id":` + strconv.FormatUint(req.ID, 10) + `,"jsonrpc":"2.0","code":0,"method":"` + req.Method + `","result":{}}`)
		if _, err := conn.Write(append(resp, '\r', '\n')); err != nil {
			return
		}
	}
}

func listenAndServeBinary(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		var conns []net.Conn
		defer func() { closeConns(conns) }()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, conn)
			go serveBinaryConn(conn)
		}
	}()
	return ln, ln.Addr().String()
}

// closeConns drops the connections an accept loop handed out once its
// listener is closed, so closing the fake device looks like the device
// going away to already-connected clients.
func closeConns(conns []net.Conn) {
	for _, conn := range conns {
		conn.Close()
	}
}

// serveBinaryConn mimics the real simulator's channel-C dispatch closely
// enough to exercise the watchdog: test_connection (its probe method, per
// spec.md §4.4) gets an empty-payload frame, the same way the real
// simulator answers any non-image result, and everything else gets a
// ZIP-wrapped image.
func serveBinaryConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		body := line
		if len(body) >= 2 && body[len(body)-2] == '\r' {
			body = body[:len(body)-2]
		}
		var req struct {
			ID     uint64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			return
		}
		if req.Method == "test_connection" {
			hdr := binheader.Encode(binheader.Header{ID: uint8(req.ID)})
			if _, err := conn.Write(hdr); err != nil {
				return
			}
			continue
		}
		payload := buildZip("frame.dat", []byte("pixel-bytes"))
		hdr := binheader.Encode(binheader.Header{
			PayloadSize: uint32(len(payload)),
			ID:          uint8(req.ID),
			Width:       1920,
			Height:      1080,
		})
		if _, err := conn.Write(hdr); err != nil {
			return
		}
		if _, err := conn.Write(payload); err != nil {
			return
		}
	}
}

func buildZip(name string, data []byte) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create(name)
	if err != nil {
		panic(err)
	}
	if _, err := f.Write(data); err != nil {
		panic(err)
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func (fd *fakeDevice) ports() (a, b, c int) {
	return mustPort(fd.addrA), mustPort(fd.addrB), mustPort(fd.addrC)
}

func mustPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		panic(err)
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		panic(err)
	}
	return p
}

func (fd *fakeDevice) Close() {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.lnA.Close()
	fd.lnB.Close()
	fd.lnC.Close()
}

// restart rebinds listeners on the exact same addresses this device used
// before Close, so a reconnecting Manager finds the device alive again on
// the same configured ports.
func (fd *fakeDevice) restart(t *testing.T) {
	t.Helper()
	lnA := mustRelisten(t, fd.addrA, serveTextConn)
	lnB := mustRelisten(t, fd.addrB, serveTextConn)
	lnC := mustRelisten(t, fd.addrC, serveBinaryConn)
	fd.mu.Lock()
	fd.lnA, fd.lnB, fd.lnC = lnA, lnB, lnC
	fd.mu.Unlock()
}

func mustRelisten(t *testing.T, addr string, handle func(net.Conn)) net.Listener {
	t.Helper()
	var ln net.Listener
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("relisten %s: %v", addr, err)
	}
	go func() {
		var conns []net.Conn
		defer func() { closeConns(conns) }()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, conn)
			go handle(conn)
		}
	}()
	return ln
}

func testConfig(fd *fakeDevice) Config {
	a, b, c := fd.ports()
	return Config{
		Host:                "127.0.0.1",
		PortA:               a,
		PortB:               b,
		PortC:               c,
		TextTimeout:         500 * time.Millisecond,
		BinaryTimeout:       500 * time.Millisecond,
		WatchdogInterval:    30 * time.Millisecond,
		ReconnectMinBackoff: 10 * time.Millisecond,
		ReconnectMaxBackoff: 40 * time.Millisecond,
	}
}

func TestManager_ConnectRequestDisconnect(t *testing.T) {
	fd := startFakeDevice(t)
	defer fd.Close()

	m := New(testConfig(fd), events.New())
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if m.State() != Connected {
		t.Fatalf("expected Connected, got %v", m.State())
	}

	if _, err := m.RequestText(ctx, "A", "get_rtc", nil); err != nil {
		t.Fatalf("request text A: %v", err)
	}
	if _, err := m.RequestText(ctx, "B", "get_app_state", nil); err != nil {
		t.Fatalf("request text B: %v", err)
	}
	result, err := m.RequestBinary(ctx, "start_exposure", nil)
	if err != nil {
		t.Fatalf("request binary: %v", err)
	}
	if string(result.Payload) != "pixel-bytes" {
		t.Fatalf("expected pixel-bytes, got %q", result.Payload)
	}

	m.Disconnect()
	if m.State() != Idle {
		t.Fatalf("expected Idle after disconnect, got %v", m.State())
	}
	if _, err := m.RequestText(ctx, "A", "get_rtc", nil); !errors.Is(err, rpcerrors.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestManager_ReconnectsAfterDeviceRestart(t *testing.T) {
	fd := startFakeDevice(t)
	defer fd.Close()

	bus := events.New()
	sub := bus.Subscribe(events.ConnectionState)
	defer sub.Cancel()

	m := New(testConfig(fd), bus)
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	drainBool(t, sub, true)

	fd.Close()
	// Give the reader goroutines a chance to observe the closed sockets
	// and request a reconnect.
	waitForState(t, m, Reconnecting, 2*time.Second)

	fd.restart(t)
	waitForState(t, m, Connected, 5*time.Second)
	drainBool(t, sub, true)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	if _, err := m.RequestText(reqCtx, "A", "get_rtc", nil); err != nil {
		t.Fatalf("request after reconnect: %v", err)
	}
}

func waitForState(t *testing.T, m *Manager, want State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, last seen %v", want, m.State())
}

func drainBool(t *testing.T, sub *events.Subscription, want bool) {
	t.Helper()
	select {
	case v := <-sub.C():
		b, ok := v.(bool)
		if !ok || b != want {
			t.Fatalf("expected connection_state=%v, got %#v", want, v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connection_state=%v", want)
	}
}
