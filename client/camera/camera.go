// Package camera is a typed command façade over the Channel Manager,
// illustrating the representative method surface from spec.md §6. It is
// not required by the protocol — callers can always drop to
// controller.Manager.RequestText/RequestBinary directly — but gives demo
// tooling (cmd/airlinkd-client) a convenient, compile-checked surface, per
// spec.md §1's note that a typed client is illustrative/out-of-scope for
// the core.
package camera

import (
	"context"
	"encoding/json"
	"fmt"

	sjson "github.com/segmentio/encoding/json"

	"github.com/nsokolov/airlinkd/client/controller"
	"github.com/nsokolov/airlinkd/internal/rpcchannel"
)

// Client wraps a controller.Manager with typed request/response shapes
// for the device's representative method surface.
type Client struct {
	mgr *controller.Manager
}

// New constructs a Client over an already-connected (or connecting)
// Manager.
func New(mgr *controller.Manager) *Client { return &Client{mgr: mgr} }

func (c *Client) call(ctx context.Context, channel, method string, params any, out any) error {
	var raw json.RawMessage
	if params != nil {
		encoded, err := sjson.Marshal(params)
		if err != nil {
			return fmt.Errorf("camera: marshal %s params: %w", method, err)
		}
		raw = encoded
	}
	result, err := c.mgr.RequestText(ctx, channel, method, raw)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return sjson.Unmarshal(result, out)
}

// TestConnection issues test_connection on channel A, per spec.md §6's
// walkthrough ("result: server connected!").
func (c *Client) TestConnection(ctx context.Context) (string, error) {
	var result string
	err := c.call(ctx, "A", "test_connection", nil, &result)
	return result, err
}

// CameraInfo is the decoded result of get_camera_info.
type CameraInfo struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	SerialNumber string `json:"serial_number"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
}

func (c *Client) GetCameraInfo(ctx context.Context) (CameraInfo, error) {
	var info CameraInfo
	err := c.call(ctx, "A", "get_camera_info", nil, &info)
	return info, err
}

// ControlValue is the decoded result of get_control_value.
type ControlValue struct {
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// GetControlValue fetches a named control register. auto is sent as the
// second request parameter, per spec.md §6's `["Gain", true]` example; the
// result carries only name, type and value, with no auto flag.
func (c *Client) GetControlValue(ctx context.Context, name string, auto bool) (ControlValue, error) {
	var cv ControlValue
	err := c.call(ctx, "A", "get_control_value", []any{name, auto}, &cv)
	return cv, err
}

// SetControlValue sets a named control register; spec.md §6 shows
// result:0 on success, which callers generally don't need.
func (c *Client) SetControlValue(ctx context.Context, name string, value any) error {
	return c.call(ctx, "A", "set_control_value", []any{name, value}, nil)
}

func (c *Client) GetCameraBin(ctx context.Context) (int, error) {
	var bin int
	err := c.call(ctx, "A", "get_camera_bin", nil, &bin)
	return bin, err
}

func (c *Client) SetCameraBin(ctx context.Context, bin int) error {
	return c.call(ctx, "A", "set_camera_bin", []any{bin}, nil)
}

// CameraState is the decoded result of get_camera_state ("close" | "idle").
type CameraState struct {
	State string `json:"state"`
}

func (c *Client) GetCameraState(ctx context.Context) (CameraState, error) {
	var st CameraState
	err := c.call(ctx, "A", "get_camera_state", nil, &st)
	return st, err
}

// OpenCamera and CloseCamera emit a CameraStateChange event alongside
// their response, per spec.md §6's walkthrough step 4.
func (c *Client) OpenCamera(ctx context.Context) error  { return c.call(ctx, "A", "open_camera", nil, nil) }
func (c *Client) CloseCamera(ctx context.Context) error { return c.call(ctx, "A", "close_camera", nil, nil) }

// ConnectedCamera is one entry of get_connected_cameras — an
// original_source supplement: spec.md's distillation only shows a single
// implicit camera, but the original simulator enumerates attached devices.
type ConnectedCamera struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	IsUSB3 bool   `json:"is_usb3"`
}

func (c *Client) GetConnectedCameras(ctx context.Context) ([]ConnectedCamera, error) {
	var cams []ConnectedCamera
	err := c.call(ctx, "A", "get_connected_cameras", nil, &cams)
	return cams, err
}

// FrameType enumerates start_exposure's frame type parameter, recovered
// from original_source/sim/src/rpc/camera_handlers.rs — spec.md's
// distillation only shows "light".
type FrameType string

const (
	FrameLight FrameType = "light"
	FrameDark  FrameType = "dark"
	FrameFlat  FrameType = "flat"
	FrameBias  FrameType = "bias"
)

// StartExposure triggers an exposure sequence; spec.md §6 walkthrough
// step 5 describes the Exposure{start}, Exposure{downloading},
// Exposure{complete} event sequence this produces.
func (c *Client) StartExposure(ctx context.Context, frame FrameType) error {
	return c.call(ctx, "A", "start_exposure", []any{string(frame)}, nil)
}

// GetCurrentImage retrieves the most recent captured frame over the
// binary channel (C), per spec.md §6.
func (c *Client) GetCurrentImage(ctx context.Context) (rpcchannel.BinaryResult, error) {
	return c.mgr.RequestBinary(ctx, "get_current_img", nil)
}

// AppState is the decoded result of get_app_state — page is one of
// "preview", "plan", "stack" (original_source supplement).
type AppState struct {
	Page string `json:"page"`
}

func (c *Client) GetAppState(ctx context.Context) (AppState, error) {
	var st AppState
	err := c.call(ctx, "A", "get_app_state", nil, &st)
	return st, err
}

func (c *Client) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.call(ctx, "A", "get_setting", []any{key}, &raw)
	return raw, err
}

func (c *Client) SetSetting(ctx context.Context, key string, value any) error {
	return c.call(ctx, "A", "set_setting", []any{key, value}, nil)
}

func (c *Client) GetAppSetting(ctx context.Context, key string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.call(ctx, "A", "get_app_setting", []any{key}, &raw)
	return raw, err
}

func (c *Client) SetAppSetting(ctx context.Context, key string, value any) error {
	return c.call(ctx, "A", "set_app_setting", []any{key, value}, nil)
}

// PiSetTime and PiIsVerified adjust/query the device RTC — an
// original_source supplement alongside the representative method surface.
func (c *Client) PiSetTime(ctx context.Context, unixSeconds int64) error {
	return c.call(ctx, "A", "pi_set_time", []any{unixSeconds}, nil)
}

func (c *Client) PiIsVerified(ctx context.Context) (bool, error) {
	var verified bool
	err := c.call(ctx, "A", "pi_is_verified", nil, &verified)
	return verified, err
}

// Annotate and PlateSolve trigger the Annotate/PlateSolve events that
// spec.md §3/§6 names in the event catalog but whose trigger RPCs the
// distillation omitted (original_source supplement).
func (c *Client) Annotate(ctx context.Context) error   { return c.call(ctx, "A", "annotate", nil, nil) }
func (c *Client) PlateSolve(ctx context.Context) error { return c.call(ctx, "A", "plate_solve", nil, nil) }
