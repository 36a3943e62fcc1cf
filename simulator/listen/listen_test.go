package listen_test

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/nsokolov/airlinkd/client/camera"
	"github.com/nsokolov/airlinkd/client/controller"
	"github.com/nsokolov/airlinkd/internal/discovery"
	"github.com/nsokolov/airlinkd/internal/events"
	"github.com/nsokolov/airlinkd/internal/wire"
	"github.com/nsokolov/airlinkd/simulator/listen"
	"github.com/nsokolov/airlinkd/simulator/state"
	"github.com/nsokolov/airlinkd/simulator/telemetry"
)

// startSim binds a simulator on ephemeral ports and returns its bound
// addresses plus a teardown func, in the spirit of the teacher's
// smoke_test.go (ephemeral listener, Ready() channel synchronization).
func startSim(t *testing.T) (host string, portA, portB, portC, portD int, stop func()) {
	t.Helper()
	store := state.New("ASIAIR_SIM", "127.0.0.1")
	srv := listen.New(listen.Config{
		AddrA:             "127.0.0.1:0",
		AddrB:             "127.0.0.1:0",
		AddrC:             "127.0.0.1:0",
		AddrD:             "127.0.0.1:0",
		SSID:              "ASIAir SIM",
		Store:             store,
		Telemetry:         &telemetry.Synthetic{},
		TelemetryInterval: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("simulator did not become ready")
	}
	a, b, c, d := srv.Addrs()
	portOf := func(addr string) int {
		_, p, err := net.SplitHostPort(addr)
		if err != nil {
			t.Fatalf("split host/port %q: %v", addr, err)
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			t.Fatalf("parse port %q: %v", p, err)
		}
		return n
	}
	return "127.0.0.1", portOf(a), portOf(b), portOf(c), portOf(d), func() {
		cancel()
		<-done
	}
}

func dialClient(t *testing.T, host string, portA, portB, portC int) (*controller.Manager, *camera.Client) {
	t.Helper()
	bus := events.New()
	mgr := controller.New(controller.Config{
		Host:                host,
		PortA:               portA,
		PortB:               portB,
		PortC:               portC,
		TextTimeout:         2 * time.Second,
		BinaryTimeout:       10 * time.Second,
		WatchdogInterval:    time.Hour, // quiet watchdog; this test drives reconnection explicitly where needed
		ReconnectMinBackoff: 50 * time.Millisecond,
		ReconnectMaxBackoff: time.Second,
	}, bus)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return mgr, camera.New(mgr)
}

// TestDiscovery_ScanAir exercises spec.md §8 scenario 1.
func TestDiscovery_ScanAir(t *testing.T) {
	_, _, _, _, portD, stop := startSim(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := discovery.Scan(ctx, "127.0.0.1:"+strconv.Itoa(portD))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if result.Name != "ASIAIR_SIM" {
		t.Fatalf("unexpected name %q", result.Name)
	}
	if result.SSID != "ASIAir SIM" {
		t.Fatalf("unexpected ssid %q", result.SSID)
	}
	if result.ConnectLock {
		t.Fatal("expected connect_lock=false by default")
	}
}

// TestConnectionTest exercises spec.md §8 scenario 2.
func TestConnectionTest(t *testing.T) {
	host, portA, portB, portC, _, stop := startSim(t)
	defer stop()
	mgr, cam := dialClient(t, host, portA, portB, portC)
	defer mgr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := cam.TestConnection(ctx)
	if err != nil {
		t.Fatalf("test_connection: %v", err)
	}
	if got != "server connected!" {
		t.Fatalf("unexpected result %q", got)
	}
}

// TestControlRoundTrip exercises spec.md §8 scenario 3.
func TestControlRoundTrip(t *testing.T) {
	host, portA, portB, portC, _, stop := startSim(t)
	defer stop()
	mgr, cam := dialClient(t, host, portA, portB, portC)
	defer mgr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cam.SetControlValue(ctx, "Gain", 77); err != nil {
		t.Fatalf("set_control_value: %v", err)
	}
	cv, err := cam.GetControlValue(ctx, "Gain", true)
	if err != nil {
		t.Fatalf("get_control_value: %v", err)
	}
	var got float64
	if err := json.Unmarshal(cv.Value, &got); err != nil {
		t.Fatalf("decode control value: %v", err)
	}
	if cv.Name != "Gain" || got != 77 {
		t.Fatalf("unexpected control value %+v (decoded %v)", cv, got)
	}
}

// TestOpenCloseCamera_EmitsEvents exercises spec.md §8 scenario 4: open/
// close camera transitions the reported state and emits CameraStateChange
// on the event bus.
func TestOpenCloseCamera_EmitsEvents(t *testing.T) {
	host, portA, portB, portC, _, stop := startSim(t)
	defer stop()
	mgr, cam := dialClient(t, host, portA, portB, portC)
	defer mgr.Stop()

	sub := mgr.Subscribe(events.CameraStateChange)
	defer sub.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := cam.OpenCamera(ctx); err != nil {
		t.Fatalf("open_camera: %v", err)
	}
	waitForEvent(t, sub, 2*time.Second)
	st, err := cam.GetCameraState(ctx)
	if err != nil {
		t.Fatalf("get_camera_state: %v", err)
	}
	if st.State != "idle" {
		t.Fatalf("expected idle, got %q", st.State)
	}

	if err := cam.CloseCamera(ctx); err != nil {
		t.Fatalf("close_camera: %v", err)
	}
	waitForEvent(t, sub, 2*time.Second)
	st, err = cam.GetCameraState(ctx)
	if err != nil {
		t.Fatalf("get_camera_state: %v", err)
	}
	if st.State != "close" {
		t.Fatalf("expected close, got %q", st.State)
	}
}

// TestExposureSequence exercises spec.md §8 scenario 5: start/downloading/
// complete, in order, the first synchronous with the response.
func TestExposureSequence(t *testing.T) {
	host, portA, portB, portC, _, stop := startSim(t)
	defer stop()
	mgr, cam := dialClient(t, host, portA, portB, portC)
	defer mgr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Exposure defaults to 1,000,000us; shrink it so the test doesn't wait
	// a full second for the downloading/complete pair.
	if err := cam.SetControlValue(ctx, "Exposure", 1000); err != nil {
		t.Fatalf("set exposure: %v", err)
	}

	sub := mgr.Subscribe(events.Exposure)
	defer sub.Cancel()

	if err := cam.StartExposure(ctx, camera.FrameLight); err != nil {
		t.Fatalf("start_exposure: %v", err)
	}

	wantStates := []string{"start", "downloading", "complete"}
	for _, want := range wantStates {
		v := waitForEvent(t, sub, 2*time.Second)
		ev, ok := v.(wire.ExposureEvent)
		if !ok {
			t.Fatalf("exposure event has unexpected type %T: %+v", v, v)
		}
		if ev.State != want {
			t.Fatalf("exposure state = %q, want %q", ev.State, want)
		}
	}
}

// TestGetCurrentImage exercises spec.md §8 scenario 6.
func TestGetCurrentImage(t *testing.T) {
	host, portA, portB, portC, _, stop := startSim(t)
	defer stop()
	mgr, cam := dialClient(t, host, portA, portB, portC)
	defer mgr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	img, err := cam.GetCurrentImage(ctx)
	if err != nil {
		t.Fatalf("get_current_img: %v", err)
	}
	if img.Width != 6248 || img.Height != 4176 {
		t.Fatalf("unexpected dimensions %dx%d", img.Width, img.Height)
	}
	want := int(img.Width) * int(img.Height) * 2
	if len(img.Payload) != want {
		t.Fatalf("payload length = %d, want %d", len(img.Payload), want)
	}
}

// TestPiStatusBroadcast confirms the simulator's periodic telemetry
// broadcast reaches channel-A subscribers without any request driving it.
func TestPiStatusBroadcast(t *testing.T) {
	host, portA, portB, portC, _, stop := startSim(t)
	defer stop()
	mgr, _ := dialClient(t, host, portA, portB, portC)
	defer mgr.Stop()

	sub := mgr.Subscribe(events.PiStatus)
	defer sub.Cancel()
	waitForEvent(t, sub, 2*time.Second)
}

// TestReconnectUnderLoad exercises property test (d) from spec.md §8:
// kill the simulator mid-flight, observe a transport/timeout error, then
// bring a fresh simulator up on the same ports and confirm the client
// resumes automatically.
func TestReconnectUnderLoad(t *testing.T) {
	host, portA, portB, portC, _, stop := startSim(t)

	bus := events.New()
	mgr := controller.New(controller.Config{
		Host:                host,
		PortA:               portA,
		PortB:               portB,
		PortC:               portC,
		TextTimeout:         500 * time.Millisecond,
		BinaryTimeout:       2 * time.Second,
		WatchdogInterval:    100 * time.Millisecond,
		ReconnectMinBackoff: 50 * time.Millisecond,
		ReconnectMaxBackoff: 200 * time.Millisecond,
	}, bus)
	defer mgr.Stop()

	connCtx, connCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer connCancel()
	if err := mgr.Connect(connCtx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	cam := camera.New(mgr)

	stop() // kill the simulator out from under the client

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if _, err := cam.TestConnection(ctx); err == nil {
		cancel()
		t.Fatal("expected an error while the simulator is down")
	}
	cancel()

	// Bring a fresh simulator up bound to the exact same ports; the
	// watchdog/reconnect loop should redial without caller intervention.
	newHost, newA, newB, newC, _, restop := startSimOn(t, host, portA, portB, portC)
	_ = newHost
	defer restop()

	deadline := time.Now().Add(10 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, lastErr = cam.TestConnection(ctx)
		cancel()
		if lastErr == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("client did not resume after simulator restart: %v (ports %d/%d/%d)", lastErr, newA, newB, newC)
}

// startSimOn rebinds the simulator to the exact host:port triples vacated
// by a prior startSim, so the reconnect loop's fixed Host/Port config
// dials successfully without re-dialing the client.
func startSimOn(t *testing.T, host string, portA, portB, portC int) (string, int, int, int, int, func()) {
	t.Helper()
	store := state.New("ASIAIR_SIM", host)
	srv := listen.New(listen.Config{
		AddrA: host + ":" + strconv.Itoa(portA),
		AddrB: host + ":" + strconv.Itoa(portB),
		AddrC: host + ":" + strconv.Itoa(portC),
		AddrD: host + ":0",
		Store: store,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("restarted simulator did not become ready")
	}
	return host, portA, portB, portC, 0, func() {
		cancel()
		<-done
	}
}

func waitForEvent(t *testing.T, sub *events.Subscription, timeout time.Duration) any {
	t.Helper()
	select {
	case v := <-sub.C():
		return v
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}
