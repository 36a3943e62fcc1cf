// Package telemetry backs the PiStatus event with host health data, per
// spec.md §6/§3's PiStatus event shape. No teacher equivalent exists (the
// teacher relays CAN frames, not host sensors); grounded on the wider
// example pack's gopsutil/v3 usage for cross-platform host telemetry.
package telemetry

import (
	"context"
	"math"
	"sync"

	"github.com/shirou/gopsutil/v3/sensors"
)

// Sample is one PiStatus reading.
type Sample struct {
	IsOvertemp    bool
	Temp          float64
	IsUndervolt   bool
	IsOverCurrent bool
}

// Source produces PiStatus samples. Synthetic and HostSampler are the two
// implementations: a deterministic generator for environments without
// real sensors, and a gopsutil-backed reader for a real host.
type Source interface {
	Sample(ctx context.Context) (Sample, error)
}

// Synthetic generates a smoothly varying, dependency-free temperature
// series so the simulator is usable in CI and on non-Pi dev machines
// without any host sensor access.
type Synthetic struct {
	mu   sync.Mutex
	tick int
}

// OvertempThreshold mirrors a typical Pi CPU throttle point; Synthetic
// never actually crosses it (amplitude is small) but the check is real.
const OvertempThreshold = 80.0

func (s *Synthetic) Sample(_ context.Context) (Sample, error) {
	s.mu.Lock()
	s.tick++
	t := s.tick
	s.mu.Unlock()
	temp := 45.0 + 3*math.Sin(float64(t)/20)
	return Sample{
		Temp:       temp,
		IsOvertemp: temp >= OvertempThreshold,
	}, nil
}

// HostSampler reads the real host's thermal sensors via gopsutil.
// is_undervolt/is_over_current are Raspberry-Pi-specific signals
// (normally read from vcgencmd) that gopsutil does not expose on any
// platform; HostSampler always reports them false rather than fabricate
// a value it can't actually observe.
type HostSampler struct {
	// OvertempThreshold overrides OvertempThreshold when nonzero.
	OvertempThreshold float64
}

func (h HostSampler) Sample(ctx context.Context) (Sample, error) {
	threshold := h.OvertempThreshold
	if threshold == 0 {
		threshold = OvertempThreshold
	}
	temps, err := sensors.TemperaturesWithContext(ctx)
	if err != nil || len(temps) == 0 {
		return Sample{}, err
	}
	max := temps[0].Temperature
	for _, t := range temps[1:] {
		if t.Temperature > max {
			max = t.Temperature
		}
	}
	return Sample{
		Temp:       max,
		IsOvertemp: max >= threshold,
	}, nil
}
