package wire

import "fmt"

// Event kinds used by the core protocol, per spec.md §3/§6.
const (
	EventTemperature         = "Temperature"
	EventCoolerPower         = "CoolerPower"
	EventCameraControlChange = "CameraControlChange"
	EventCameraStateChange   = "CameraStateChange"
	EventExposure            = "Exposure"
	EventPiStatus            = "PiStatus"
	EventAnnotate            = "Annotate"
	EventPlateSolve          = "PlateSolve"
)

// TemperatureEvent carries the camera sensor temperature in Celsius.
type TemperatureEvent struct {
	Timestamp string  `json:"Timestamp"`
	Value     float64 `json:"value"`
}

// CoolerPowerEvent carries cooler power as a percentage.
type CoolerPowerEvent struct {
	Timestamp string `json:"Timestamp"`
	Value     int    `json:"value"`
}

// CameraControlChangeEvent signals that a named control's value changed.
type CameraControlChangeEvent struct {
	Timestamp string `json:"Timestamp"`
	Name      string `json:"name"`
	Value     any    `json:"value"`
}

// CameraStateChangeEvent signals a camera open/close/idle transition. The
// simulator emits this bare (no extra fields); callers re-query
// get_camera_state for the new state per spec.md §8 scenario 4.
type CameraStateChangeEvent struct {
	Timestamp string `json:"Timestamp"`
}

// ExposureEvent reports exposure lifecycle progress.
type ExposureEvent struct {
	Timestamp string `json:"Timestamp"`
	State     string `json:"state"` // "start" | "downloading" | "complete"
	ExpUs     int64  `json:"exp_us,omitempty"`
	Gain      int    `json:"gain,omitempty"`
	Page      string `json:"page,omitempty"`
}

// PiStatusEvent reports host health telemetry.
type PiStatusEvent struct {
	Timestamp     string  `json:"Timestamp"`
	IsOvertemp    bool    `json:"is_overtemp"`
	Temp          float64 `json:"temp"`
	IsUndervolt   bool    `json:"is_undervolt"`
	IsOverCurrent bool    `json:"is_over_current"`
}

// AnnotateEvent reports a star-annotation job's progress.
type AnnotateEvent struct {
	Timestamp string `json:"Timestamp"`
	Page      string `json:"page"`
	Tag       string `json:"tag"`
	State     string `json:"state"`
}

// PlateSolveEvent reports a plate-solve job's progress.
type PlateSolveEvent struct {
	Timestamp string `json:"Timestamp"`
	Page      string `json:"page"`
	Tag       string `json:"tag"`
	State     string `json:"state"`
}

// DecodeEvent decodes a raw event frame into its typed payload. Unknown
// kinds return ok=false so the caller can log and ignore per spec.md §4.2
// ("Unknown events are logged and ignored") without creating a bus topic.
func DecodeEvent(raw []byte) (kind string, value any, ok bool, err error) {
	var env EventEnvelope
	if err := Unmarshal(raw, &env); err != nil {
		return "", nil, false, fmt.Errorf("wire: decode event envelope: %w", err)
	}
	switch env.Kind {
	case EventTemperature:
		var e TemperatureEvent
		err = Unmarshal(raw, &e)
		return env.Kind, e, true, err
	case EventCoolerPower:
		var e CoolerPowerEvent
		err = Unmarshal(raw, &e)
		return env.Kind, e, true, err
	case EventCameraControlChange:
		var e CameraControlChangeEvent
		err = Unmarshal(raw, &e)
		return env.Kind, e, true, err
	case EventCameraStateChange:
		var e CameraStateChangeEvent
		err = Unmarshal(raw, &e)
		return env.Kind, e, true, err
	case EventExposure:
		var e ExposureEvent
		err = Unmarshal(raw, &e)
		return env.Kind, e, true, err
	case EventPiStatus:
		var e PiStatusEvent
		err = Unmarshal(raw, &e)
		return env.Kind, e, true, err
	case EventAnnotate:
		var e AnnotateEvent
		err = Unmarshal(raw, &e)
		return env.Kind, e, true, err
	case EventPlateSolve:
		var e PlateSolveEvent
		err = Unmarshal(raw, &e)
		return env.Kind, e, true, err
	default:
		return env.Kind, nil, false, nil
	}
}
