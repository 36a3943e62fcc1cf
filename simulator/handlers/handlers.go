// Package handlers implements the simulator's static method→handler
// dispatch table, per spec.md §4.6/§6. No teacher equivalent exists (the
// teacher relays raw CAN frames; it has no RPC method table), so the
// dispatch shape — a map keyed by method name, parameter validation
// handler-local, unknown methods rejected with code=1 — is built directly
// from spec.md's prose rather than adapted from teacher code.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	sjson "github.com/segmentio/encoding/json"

	"github.com/nsokolov/airlinkd/internal/events"
	"github.com/nsokolov/airlinkd/internal/metrics"
	"github.com/nsokolov/airlinkd/simulator/image"
	"github.com/nsokolov/airlinkd/simulator/state"
)

// RPCError is a handler-local failure, rendered as {code, error} per
// spec.md §4.6's dispatch contract.
type RPCError struct {
	Code    uint8
	Message string
}

func (e *RPCError) Error() string { return e.Message }

func fail(code uint8, format string, args ...any) (any, *RPCError) {
	return nil, &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// EventSink is implemented by the per-connection writer so handlers can
// enqueue unsolicited events without knowing about framing or the socket.
type EventSink interface {
	Emit(kind string, payload any)
}

// Context carries everything a handler needs: the shared device state,
// this connection's event sink, which channel the request arrived on,
// and a context cancelled when the connection closes (so handlers that
// spawn delayed work, like start_exposure, don't leak goroutines past
// teardown).
type Context struct {
	Ctx     context.Context
	Store   *state.Store
	Events  EventSink
	Channel string
}

// Handler implements one RPC method.
type Handler func(ctx *Context, params json.RawMessage) (any, *RPCError)

// BinaryImageResult is returned by get_current_img; the listener
// recognizes this type and frames it with the 80-byte binary header
// instead of JSON-encoding it like a text result.
type BinaryImageResult struct {
	Payload []byte
	Width   uint16
	Height  uint16
}

// Table is the static method→handler map, per spec.md §4.6.
var Table = map[string]Handler{
	"test_connection":      testConnection,
	"pi_set_time":          piSetTime,
	"pi_is_verified":       piIsVerified,
	"set_setting":          setSetting,
	"get_setting":          getSetting,
	"get_app_state":        getAppState,
	"get_app_setting":      getAppSetting,
	"set_app_setting":      setAppSetting,
	"get_connected_cameras": getConnectedCameras,
	"get_camera_state":     getCameraState,
	"open_camera":          openCamera,
	"close_camera":         closeCamera,
	"get_camera_info":      getCameraInfo,
	"get_control_value":    getControlValue,
	"set_control_value":    setControlValue,
	"get_camera_bin":       getCameraBin,
	"set_camera_bin":       setCameraBin,
	"start_exposure":       startExposure,
	"get_current_img":      getCurrentImg,
	"annotate":             annotate,
	"plate_solve":          plateSolve,
}

// Dispatch looks up method in Table and invokes it, translating an
// unknown method into code=1 per spec.md §4.6 ("unknown methods return
// code=1 with error text 'Unknown method'").
func Dispatch(hctx *Context, method string, params json.RawMessage) (result any, code uint8, errMsg string) {
	h, ok := Table[method]
	if !ok {
		metrics.IncSimUnknownMethod()
		return nil, 1, "Unknown method"
	}
	out, rpcErr := h(hctx, params)
	if rpcErr != nil {
		return nil, rpcErr.Code, rpcErr.Message
	}
	return out, 0, ""
}

func decodeParams[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	err := sjson.Unmarshal(params, &v)
	return v, err
}

func testConnection(_ *Context, _ json.RawMessage) (any, *RPCError) {
	return "server connected!", nil
}

func piSetTime(ctx *Context, params json.RawMessage) (any, *RPCError) {
	args, err := decodeParams[[]int64](params)
	if err != nil || len(args) != 1 {
		return fail(1, "pi_set_time: expected [unix_seconds]")
	}
	ctx.Store.SetRTC(time.Unix(args[0], 0).UTC())
	ctx.Store.SetVerified(true)
	return 0, nil
}

func piIsVerified(ctx *Context, _ json.RawMessage) (any, *RPCError) {
	return ctx.Store.Verified(), nil
}

func setSetting(ctx *Context, params json.RawMessage) (any, *RPCError) {
	args, err := decodeParams[[]json.RawMessage](params)
	if err != nil || len(args) != 2 {
		return fail(1, "set_setting: expected [key, value]")
	}
	var key string
	if err := sjson.Unmarshal(args[0], &key); err != nil {
		return fail(1, "set_setting: invalid key")
	}
	var value any
	if err := sjson.Unmarshal(args[1], &value); err != nil {
		return fail(1, "set_setting: invalid value")
	}
	ctx.Store.SetSetting(key, value)
	return 0, nil
}

func getSetting(ctx *Context, params json.RawMessage) (any, *RPCError) {
	args, err := decodeParams[[]string](params)
	if err != nil || len(args) != 1 {
		return fail(1, "get_setting: expected [key]")
	}
	value, ok := ctx.Store.Setting(args[0])
	if !ok {
		return fail(1, "get_setting: unknown key %q", args[0])
	}
	return value, nil
}

func getAppState(ctx *Context, _ json.RawMessage) (any, *RPCError) {
	return struct {
		Page string `json:"page"`
	}{Page: string(ctx.Store.Page())}, nil
}

func getAppSetting(ctx *Context, params json.RawMessage) (any, *RPCError) {
	args, err := decodeParams[[]string](params)
	if err != nil || len(args) != 1 {
		return fail(1, "get_app_setting: expected [key]")
	}
	value, ok := ctx.Store.AppSetting(args[0])
	if !ok {
		return fail(1, "get_app_setting: unknown key %q", args[0])
	}
	return value, nil
}

func setAppSetting(ctx *Context, params json.RawMessage) (any, *RPCError) {
	args, err := decodeParams[[]json.RawMessage](params)
	if err != nil || len(args) != 2 {
		return fail(1, "set_app_setting: expected [key, value]")
	}
	var key string
	if err := sjson.Unmarshal(args[0], &key); err != nil {
		return fail(1, "set_app_setting: invalid key")
	}
	var value any
	if err := sjson.Unmarshal(args[1], &value); err != nil {
		return fail(1, "set_app_setting: invalid value")
	}
	ctx.Store.SetAppSetting(key, value)
	return 0, nil
}

func getConnectedCameras(ctx *Context, _ json.RawMessage) (any, *RPCError) {
	return ctx.Store.Cameras(), nil
}

func getCameraState(ctx *Context, _ json.RawMessage) (any, *RPCError) {
	return struct {
		State string `json:"state"`
	}{State: string(ctx.Store.CameraState())}, nil
}

func openCamera(ctx *Context, _ json.RawMessage) (any, *RPCError) {
	ctx.Store.SetCameraState(state.CameraIdle)
	ctx.Events.Emit(events.CameraStateChange, struct{}{})
	return 0, nil
}

func closeCamera(ctx *Context, _ json.RawMessage) (any, *RPCError) {
	ctx.Store.SetCameraState(state.CameraClose)
	ctx.Events.Emit(events.CameraStateChange, struct{}{})
	return 0, nil
}

func getCameraInfo(ctx *Context, _ json.RawMessage) (any, *RPCError) {
	cams := ctx.Store.Cameras()
	name, path := "", ""
	if len(cams) > 0 {
		name, path = cams[0].Name, cams[0].Path
	}
	return struct {
		Name         string `json:"name"`
		Path         string `json:"path"`
		SerialNumber string `json:"serial_number"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
	}{Name: name, Path: path, SerialNumber: ctx.Store.Identity().GUID, Width: image.DefaultWidth, Height: image.DefaultHeight}, nil
}

func getControlValue(ctx *Context, params json.RawMessage) (any, *RPCError) {
	args, err := decodeParams[[]json.RawMessage](params)
	if err != nil || len(args) == 0 {
		return fail(1, "get_control_value: expected [name, auto?]")
	}
	var name string
	if err := sjson.Unmarshal(args[0], &name); err != nil {
		return fail(1, "get_control_value: invalid name")
	}
	c, ok := ctx.Store.Control(name)
	if !ok {
		return fail(1, "get_control_value: unknown control %q", name)
	}
	value := c.Value
	if c.Kind != state.ControlFloat {
		value = math.Trunc(value)
	}
	return struct {
		Name  string  `json:"name"`
		Type  string  `json:"type"`
		Value float64 `json:"value"`
	}{Name: c.Name, Type: "number", Value: value}, nil
}

func setControlValue(ctx *Context, params json.RawMessage) (any, *RPCError) {
	args, err := decodeParams[[]json.RawMessage](params)
	if err != nil || len(args) != 2 {
		return fail(1, "set_control_value: expected [name, value]")
	}
	var name string
	if err := sjson.Unmarshal(args[0], &name); err != nil {
		return fail(1, "set_control_value: invalid name")
	}
	var value float64
	if err := sjson.Unmarshal(args[1], &value); err != nil {
		return fail(1, "set_control_value: invalid value")
	}
	if err := ctx.Store.SetControl(name, value); err != nil {
		return fail(1, "%s", err)
	}
	ctx.Events.Emit(events.CameraControlChange, struct {
		Name  string `json:"name"`
		Value any    `json:"value"`
	}{Name: name, Value: value})
	return 0, nil
}

func getCameraBin(ctx *Context, _ json.RawMessage) (any, *RPCError) {
	return ctx.Store.Bin(), nil
}

func setCameraBin(ctx *Context, params json.RawMessage) (any, *RPCError) {
	args, err := decodeParams[[]int](params)
	if err != nil || len(args) != 1 {
		return fail(1, "set_camera_bin: expected [bin]")
	}
	ctx.Store.SetBin(args[0])
	return 0, nil
}

// validFrameTypes is recovered from original_source/sim/src/rpc/
// camera_handlers.rs; spec.md's distillation only shows "light".
var validFrameTypes = map[string]bool{"light": true, "dark": true, "flat": true, "bias": true}

func startExposure(ctx *Context, params json.RawMessage) (any, *RPCError) {
	args, err := decodeParams[[]string](params)
	if err != nil || len(args) != 1 {
		return fail(1, "start_exposure: expected [frame_type]")
	}
	frameType := args[0]
	if !validFrameTypes[frameType] {
		return fail(1, "start_exposure: unknown frame type %q", frameType)
	}
	expControl, ok := ctx.Store.Control("Exposure")
	if !ok {
		return fail(1, "start_exposure: Exposure control missing")
	}
	gainControl, _ := ctx.Store.Control("Gain")
	expUs := int64(expControl.Value)
	page := string(ctx.Store.Page())

	ctx.Events.Emit(events.Exposure, struct {
		State string `json:"state"`
		ExpUs int64  `json:"exp_us"`
		Gain  int    `json:"gain"`
		Page  string `json:"page"`
	}{State: "start", ExpUs: expUs, Gain: int(gainControl.Value), Page: page})

	delay := time.Duration(expUs) * time.Microsecond
	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Ctx.Done():
			return
		}
		ctx.Events.Emit(events.Exposure, struct {
			State string `json:"state"`
		}{State: "downloading"})
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Ctx.Done():
			return
		}
		ctx.Events.Emit(events.Exposure, struct {
			State string `json:"state"`
		}{State: "complete"})
	}()
	return 0, nil
}

func getCurrentImg(_ *Context, _ json.RawMessage) (any, *RPCError) {
	payload, width, height, err := image.CurrentFrame()
	if err != nil {
		return fail(1, "get_current_img: %s", err)
	}
	return BinaryImageResult{Payload: payload, Width: width, Height: height}, nil
}

// annotate and plate_solve are original_source-recovered trigger RPCs for
// the Annotate/PlateSolve events spec.md §3/§6 names but whose distillation
// omits the trigger method.
func annotate(ctx *Context, _ json.RawMessage) (any, *RPCError) {
	page := string(ctx.Store.Page())
	emitJobEvents(ctx, events.Annotate, page)
	return 0, nil
}

func plateSolve(ctx *Context, _ json.RawMessage) (any, *RPCError) {
	page := string(ctx.Store.Page())
	emitJobEvents(ctx, events.PlateSolve, page)
	return 0, nil
}

func emitJobEvents(ctx *Context, kind, page string) {
	tag := fmt.Sprintf("%s-%d", kind, time.Now().UnixNano())
	ctx.Events.Emit(kind, struct {
		Page  string `json:"page"`
		Tag   string `json:"tag"`
		State string `json:"state"`
	}{Page: page, Tag: tag, State: "start"})
	go func() {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Ctx.Done():
			return
		}
		ctx.Events.Emit(kind, struct {
			Page  string `json:"page"`
			Tag   string `json:"tag"`
			State string `json:"state"`
		}{Page: page, Tag: tag, State: "complete"})
	}()
}
