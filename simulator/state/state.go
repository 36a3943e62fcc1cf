// Package state implements the simulator's single exclusive-access device
// record from spec.md §4.7/§7: identity, RTC, app state/settings, connected
// cameras, camera state, and camera-control register values. Generalized
// from the teacher's internal/server connection/hub bookkeeping (a single
// mutex-guarded struct mutated under narrow critical sections, never held
// across I/O) into this domain's device record.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AppPage is one of the UI page values get_app_state reports — an
// original_source supplement (spec.md names the field but not its values).
type AppPage string

const (
	PagePreview AppPage = "preview"
	PagePlan    AppPage = "plan"
	PageStack   AppPage = "stack"
)

// CameraState is the camera's open/close lifecycle state, spec.md §6/§7.
type CameraState string

const (
	CameraClose CameraState = "close"
	CameraIdle  CameraState = "idle"
)

// Identity is the device's discovery-visible identity, spec.md §6's
// scan_air result shape.
type Identity struct {
	Name  string
	GUID  string
	IP    string
	Model string
	IsPi4 bool
}

// Control is one named camera-control register, spec.md §6: "Exposure",
// "Gain", "CoolerOn", "Temperature", "CoolPowerPerc", "TargetTemp",
// "AntiDewHeater", "Red", "Blue", "MonoBin". Kind distinguishes wire
// encoding (booleans as 0/1 integers, Temperature and TargetTemp as float,
// rest integer).
type ControlKind int

const (
	ControlInt ControlKind = iota
	ControlBool
	ControlFloat
)

type Control struct {
	Name  string
	Kind  ControlKind
	Value float64 // bools stored as 0/1; ints truncated on read
	Auto  bool
}

// ConnectedCamera is one entry of get_connected_cameras — an
// original_source supplement for multi-camera listing.
type ConnectedCamera struct {
	Name   string
	Path   string
	IsUSB3 bool
}

// defaultControlNames fixes iteration order for deterministic defaults;
// spec.md §6 names these ten scalars.
var defaultControlNames = []struct {
	name string
	kind ControlKind
	val  float64
}{
	{"Exposure", ControlInt, 1000000},
	{"Gain", ControlInt, 100},
	{"CoolerOn", ControlBool, 0},
	{"Temperature", ControlFloat, -10.5},
	{"CoolPowerPerc", ControlInt, 0},
	{"TargetTemp", ControlFloat, -10},
	{"AntiDewHeater", ControlBool, 0},
	{"Red", ControlInt, 50},
	{"Blue", ControlInt, 50},
	{"MonoBin", ControlBool, 0},
}

// Store is the simulator's single device record. All fields are guarded
// by mu; handlers take the lock for the minimum region, per spec.md §5.
type Store struct {
	mu sync.Mutex

	identity    Identity
	connectLock bool
	verified    bool
	rtc         time.Time
	language    string

	page     AppPage
	working  map[string]bool
	settings map[string]any
	appSet   map[string]any

	cameras     []ConnectedCamera
	cameraState CameraState
	controls    map[string]*Control
	bin         int
}

// New builds a Store with spec.md §8's walkthrough defaults: a single
// ZWO AirPlus camera, Exposure=1,000,000us (overridden to 1000us by tests
// that exercise the short exposure-sequence scenario), camera state
// "close".
func New(deviceName, ip string) *Store {
	guid := uuid.New().String()
	s := &Store{
		identity: Identity{
			Name:  deviceName,
			GUID:  guid,
			IP:    ip,
			Model: "ZWO AirPlus-RK3568 (Linux)",
			IsPi4: false,
		},
		rtc:         time.Now().UTC(),
		language:    "en",
		page:        PagePreview,
		working:     make(map[string]bool),
		settings:    make(map[string]any),
		appSet:      make(map[string]any),
		cameraState: CameraClose,
		controls:    make(map[string]*Control, len(defaultControlNames)),
		bin:         1,
		cameras: []ConnectedCamera{
			{Name: "ZWO ASI AirPlus", Path: "/dev/camera0", IsUSB3: true},
		},
	}
	for _, c := range defaultControlNames {
		s.controls[c.name] = &Control{Name: c.name, Kind: c.kind, Value: c.val}
	}
	return s
}

// Identity returns a copy of the device identity.
func (s *Store) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// ConnectLock reports and SetConnectLock mutates the single-client lock
// flag surfaced in scan_air results.
func (s *Store) ConnectLock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLock
}

func (s *Store) SetConnectLock(locked bool) {
	s.mu.Lock()
	s.connectLock = locked
	s.mu.Unlock()
}

// RTC returns the simulated real-time clock.
func (s *Store) RTC() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtc
}

// SetRTC adjusts the simulated clock, per pi_set_time.
func (s *Store) SetRTC(t time.Time) {
	s.mu.Lock()
	s.rtc = t
	s.mu.Unlock()
}

// Verified reports and SetVerified sets the pi_is_verified flag.
func (s *Store) Verified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified
}

func (s *Store) SetVerified(v bool) {
	s.mu.Lock()
	s.verified = v
	s.mu.Unlock()
}

// Page and SetPage access the app-state page field.
func (s *Store) Page() AppPage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

func (s *Store) SetPage(p AppPage) {
	s.mu.Lock()
	s.page = p
	s.mu.Unlock()
}

// Working reports and SetWorking mutates a named app-state working flag
// (solve/stack/etc. busy indicators).
func (s *Store) Working(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.working[name]
}

func (s *Store) SetWorking(name string, busy bool) {
	s.mu.Lock()
	s.working[name] = busy
	s.mu.Unlock()
}

// Setting and SetSetting access an opaque device setting (exposure
// presets, camera names, goto target — spec.md §7 names the categories,
// not a closed key set).
func (s *Store) Setting(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	return v, ok
}

func (s *Store) SetSetting(key string, value any) {
	s.mu.Lock()
	s.settings[key] = value
	s.mu.Unlock()
}

// AppSetting and SetAppSetting access the app-settings namespace,
// distinct from device settings per spec.md §7's "app-settings" vs.
// "device configuration" split.
func (s *Store) AppSetting(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.appSet[key]
	return v, ok
}

func (s *Store) SetAppSetting(key string, value any) {
	s.mu.Lock()
	s.appSet[key] = value
	s.mu.Unlock()
}

// Cameras returns a copy of the connected-camera list.
func (s *Store) Cameras() []ConnectedCamera {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConnectedCamera, len(s.cameras))
	copy(out, s.cameras)
	return out
}

// CameraState reports and SetCameraState mutates the open/close lifecycle.
func (s *Store) CameraState() CameraState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cameraState
}

func (s *Store) SetCameraState(cs CameraState) {
	s.mu.Lock()
	s.cameraState = cs
	s.mu.Unlock()
}

// Control returns a copy of the named control register, or false if name
// is not a recognized control (spec.md §6's fixed ten-name set).
func (s *Store) Control(name string) (Control, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.controls[name]
	if !ok {
		return Control{}, false
	}
	return *c, true
}

// SetControl updates a named control's value, returning an error if name
// is unrecognized.
func (s *Store) SetControl(name string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.controls[name]
	if !ok {
		return fmt.Errorf("state: unknown control %q", name)
	}
	c.Value = value
	return nil
}

// Bin and SetBin access the camera's pixel-binning factor.
func (s *Store) Bin() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bin
}

func (s *Store) SetBin(bin int) {
	s.mu.Lock()
	s.bin = bin
	s.mu.Unlock()
}

// ControlNames returns the fixed set of recognized control names.
func ControlNames() []string {
	names := make([]string, len(defaultControlNames))
	for i, c := range defaultControlNames {
		names[i] = c.name
	}
	return names
}
