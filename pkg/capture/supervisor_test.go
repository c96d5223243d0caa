package capture

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSystem is an in-memory System for supervisor tests.
type fakeSystem struct {
	devices    []DeviceInfo
	listErr    error
	rms        map[string]float64
	probeErr   map[string]error
	probeCalls []string
	opened     []string
}

func (f *fakeSystem) InputDevices() ([]DeviceInfo, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]DeviceInfo, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func (f *fakeSystem) ProbeRMS(dev DeviceInfo, cfg StreamConfig, probeSeconds float64) (float64, error) {
	f.probeCalls = append(f.probeCalls, dev.Name)
	if err := f.probeErr[dev.Name]; err != nil {
		return 0, err
	}
	return f.rms[dev.Name], nil
}

func (f *fakeSystem) Open(cfg StreamConfig, dev DeviceInfo, sink func([]float32)) (Stream, error) {
	f.opened = append(f.opened, dev.Name)
	return fakeStream{}, nil
}

type fakeStream struct{}

func (fakeStream) Close() error { return nil }

func dev(index int, name string, isDefault bool) DeviceInfo {
	return DeviceInfo{Index: index, Name: name, Backend: "miniaudio", IsDefault: isDefault}
}

func devCh(index int, name string, channels int) DeviceInfo {
	return DeviceInfo{Index: index, Name: name, Backend: "miniaudio", MaxChannels: channels}
}

func switchConfig() SupervisorConfig {
	return SupervisorConfig{
		SampleRate:           16000,
		Channels:             1,
		CheckInterval:        2 * time.Second,
		AutoSwitchEnabled:    true,
		ScanInterval:         3 * time.Second,
		ProbeSeconds:         0.25,
		MaxCandidatesPerScan: 2,
		ExcludedKeywords:     []string{"iphone", "continuity"},
		MinRMS:               0.006,
		MinRatio:             1.8,
		Cooldown:             8 * time.Second,
		Confirmations:        2,
	}
}

// stepClock advances a fixed amount per call to now().
type stepClock struct {
	t    time.Time
	step time.Duration
}

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func TestSupervisor_SwitchDebounce(t *testing.T) {
	sys := &fakeSystem{
		devices: []DeviceInfo{dev(0, "USB Mic", true), dev(1, "Desk Array", false)},
		rms:     map[string]float64{"Desk Array": 0.05},
	}
	sup := NewSupervisor(sys, switchConfig(), nil)
	clock := &stepClock{t: time.Unix(1000, 0), step: 10 * time.Second}
	sup.now = clock.now

	current := dev(0, "USB Mic", true)

	// First winning scan: confirmations=2, so no switch yet.
	target, req := sup.CheckAutoSwitch(current, false, 0.001)
	assert.Nil(t, target)
	assert.Nil(t, req)

	// Second winning scan commits.
	target, req = sup.CheckAutoSwitch(current, false, 0.001)
	require.NotNil(t, target)
	require.NotNil(t, req)
	assert.Equal(t, "Desk Array", target.Name)
	assert.Equal(t, "0:USB Mic", req.From)
	assert.Equal(t, "1:Desk Array", req.To)
	assert.InDelta(t, 0.05, req.RMS, 1e-9)
}

func TestSupervisor_SwitchCooldown(t *testing.T) {
	sys := &fakeSystem{
		devices: []DeviceInfo{dev(0, "USB Mic", true), dev(1, "Desk Array", false)},
		rms:     map[string]float64{"Desk Array": 0.05},
	}
	cfg := switchConfig()
	cfg.Confirmations = 1
	sup := NewSupervisor(sys, cfg, nil)

	base := time.Unix(1000, 0)
	times := []time.Time{
		base,
		base.Add(4 * time.Second), // within cooldown of the switch at base
		base.Add(20 * time.Second),
	}
	i := 0
	sup.now = func() time.Time { t := times[i]; i++; return t }

	current := dev(0, "USB Mic", true)

	target, _ := sup.CheckAutoSwitch(current, false, 0.001)
	require.NotNil(t, target)

	// A louder candidate inside the cooldown window is ignored.
	sys.rms["Desk Array"] = 0.2
	target, _ = sup.CheckAutoSwitch(current, false, 0.001)
	assert.Nil(t, target)

	// After the cooldown it can win again.
	target, _ = sup.CheckAutoSwitch(current, false, 0.001)
	assert.NotNil(t, target)
}

func TestSupervisor_SwitchRequiresLoudnessRatio(t *testing.T) {
	sys := &fakeSystem{
		devices: []DeviceInfo{dev(0, "USB Mic", true), dev(1, "Desk Array", false)},
		rms:     map[string]float64{"Desk Array": 0.010},
	}
	cfg := switchConfig()
	cfg.Confirmations = 1
	sup := NewSupervisor(sys, cfg, nil)
	clock := &stepClock{t: time.Unix(1000, 0), step: 10 * time.Second}
	sup.now = clock.now

	// Current mic is active (above the floor): candidate must beat it
	// by the ratio. 0.010 < 0.008 * 1.8.
	target, _ := sup.CheckAutoSwitch(dev(0, "USB Mic", true), false, 0.008)
	assert.Nil(t, target)

	// Current mic quiet: the floor alone is enough.
	target, _ = sup.CheckAutoSwitch(dev(0, "USB Mic", true), false, 0.001)
	assert.NotNil(t, target)
}

func TestSupervisor_SkipsWhileSpeaking(t *testing.T) {
	sys := &fakeSystem{
		devices: []DeviceInfo{dev(0, "USB Mic", true), dev(1, "Desk Array", false)},
		rms:     map[string]float64{"Desk Array": 0.05},
	}
	cfg := switchConfig()
	cfg.Confirmations = 1
	sup := NewSupervisor(sys, cfg, nil)
	clock := &stepClock{t: time.Unix(1000, 0), step: 10 * time.Second}
	sup.now = clock.now

	target, _ := sup.CheckAutoSwitch(dev(0, "USB Mic", true), true, 0.001)
	assert.Nil(t, target)
	assert.Empty(t, sys.probeCalls)
}

func TestSupervisor_ExcludedCandidatesNotProbed(t *testing.T) {
	sys := &fakeSystem{
		devices: []DeviceInfo{
			dev(0, "USB Mic", true),
			dev(1, "iPhone Microphone", false),
			dev(2, "Continuity Camera", false),
		},
		rms: map[string]float64{"iPhone Microphone": 0.9, "Continuity Camera": 0.9},
	}
	cfg := switchConfig()
	cfg.Confirmations = 1
	sup := NewSupervisor(sys, cfg, nil)
	clock := &stepClock{t: time.Unix(1000, 0), step: 10 * time.Second}
	sup.now = clock.now

	target, _ := sup.CheckAutoSwitch(dev(0, "USB Mic", true), false, 0.001)
	assert.Nil(t, target)
	assert.Empty(t, sys.probeCalls)
}

func TestSupervisor_ChannelCountFiltersCandidates(t *testing.T) {
	sys := &fakeSystem{
		devices: []DeviceInfo{
			dev(0, "USB Mic", true),
			devCh(1, "Mono Lav", 1),
			devCh(2, "Stereo Array", 2),
		},
		rms: map[string]float64{"Mono Lav": 0.9, "Stereo Array": 0.05},
	}
	cfg := switchConfig()
	cfg.Channels = 2
	cfg.Confirmations = 1
	sup := NewSupervisor(sys, cfg, nil)
	clock := &stepClock{t: time.Unix(1000, 0), step: 10 * time.Second}
	sup.now = clock.now

	// The mono device cannot deliver two channels: it is never probed,
	// even though it is the loudest.
	target, _ := sup.CheckAutoSwitch(dev(0, "USB Mic", true), false, 0.001)
	require.NotNil(t, target)
	assert.Equal(t, "Stereo Array", target.Name)
	assert.Equal(t, []string{"Stereo Array"}, sys.probeCalls)
}

func TestSupervisor_UnknownChannelCountStillProbed(t *testing.T) {
	// A backend that reports no formats leaves MaxChannels at 0; such
	// devices stay in the pool and the probe decides.
	sys := &fakeSystem{
		devices: []DeviceInfo{devCh(0, "USB Mic", 2), dev(1, "Opaque Device", false)},
		rms:     map[string]float64{"Opaque Device": 0.05},
	}
	cfg := switchConfig()
	cfg.Channels = 2
	cfg.Confirmations = 1
	sup := NewSupervisor(sys, cfg, nil)
	clock := &stepClock{t: time.Unix(1000, 0), step: 10 * time.Second}
	sup.now = clock.now

	target, _ := sup.CheckAutoSwitch(devCh(0, "USB Mic", 2), false, 0.001)
	require.NotNil(t, target)
	assert.Equal(t, "Opaque Device", target.Name)
}

func TestSupervisor_FallbackRespectsChannelCount(t *testing.T) {
	sys := &fakeSystem{devices: []DeviceInfo{
		devCh(0, "Mono Lav", 1),
		devCh(1, "Stereo Array", 2),
	}}
	cfg := switchConfig()
	cfg.Channels = 2
	sup := NewSupervisor(sys, cfg, nil)

	fb, err := sup.SelectFallback()
	require.NoError(t, err)
	assert.Equal(t, "Stereo Array", fb.Name)

	// When nothing satisfies the channel count, fallback still returns
	// a device rather than giving up.
	sys.devices = []DeviceInfo{devCh(0, "Mono Lav", 1)}
	fb, err = sup.SelectFallback()
	require.NoError(t, err)
	assert.Equal(t, "Mono Lav", fb.Name)
}

func TestSupervisor_ProbeFailureBacksOff(t *testing.T) {
	sys := &fakeSystem{
		devices:  []DeviceInfo{dev(0, "USB Mic", true), dev(1, "Desk Array", false)},
		rms:      map[string]float64{"Desk Array": 0.05},
		probeErr: map[string]error{"Desk Array": fmt.Errorf("device busy")},
	}
	cfg := switchConfig()
	cfg.Confirmations = 1
	sup := NewSupervisor(sys, cfg, nil)
	clock := &stepClock{t: time.Unix(1000, 0), step: 10 * time.Second}
	sup.now = clock.now

	target, _ := sup.CheckAutoSwitch(dev(0, "USB Mic", true), false, 0.001)
	assert.Nil(t, target)
	require.Len(t, sys.probeCalls, 1)

	// Next scan is 10s later, still inside the 30s backoff: no probe.
	sys.probeErr = nil
	target, _ = sup.CheckAutoSwitch(dev(0, "USB Mic", true), false, 0.001)
	assert.Nil(t, target)
	assert.Len(t, sys.probeCalls, 1)

	// Two scans later the backoff has expired.
	_, _ = sup.CheckAutoSwitch(dev(0, "USB Mic", true), false, 0.001)
	target, _ = sup.CheckAutoSwitch(dev(0, "USB Mic", true), false, 0.001)
	assert.NotNil(t, target)
}

func TestSupervisor_RoundRobinProbing(t *testing.T) {
	sys := &fakeSystem{
		devices: []DeviceInfo{
			dev(0, "USB Mic", true),
			dev(1, "A", false),
			dev(2, "B", false),
			dev(3, "C", false),
		},
		rms: map[string]float64{},
	}
	cfg := switchConfig()
	cfg.MaxCandidatesPerScan = 2
	sup := NewSupervisor(sys, cfg, nil)
	clock := &stepClock{t: time.Unix(1000, 0), step: 10 * time.Second}
	sup.now = clock.now

	current := dev(0, "USB Mic", true)
	_, _ = sup.CheckAutoSwitch(current, false, 0)
	_, _ = sup.CheckAutoSwitch(current, false, 0)
	_, _ = sup.CheckAutoSwitch(current, false, 0)

	// Three scans of two probes walk the candidate ring: A B, C A, B C.
	assert.Equal(t, []string{"A", "B", "C", "A", "B", "C"}, sys.probeCalls)
}

func TestSupervisor_HealthCheckFingerprint(t *testing.T) {
	sys := &fakeSystem{
		devices: []DeviceInfo{dev(0, "USB Mic", true), dev(1, "Desk Array", false)},
	}
	sup := NewSupervisor(sys, switchConfig(), nil)
	clock := &stepClock{t: time.Unix(1000, 0), step: 10 * time.Second}
	sup.now = clock.now

	current := dev(0, "USB Mic", true)
	sup.CaptureFingerprint(current)

	// Healthy: nothing to report.
	moved, err := sup.CheckHealth(current)
	assert.Nil(t, moved)
	assert.NoError(t, err)

	// Device list changes and the mic moves to a different index:
	// unavailable, but the relocated device is reported.
	sys.devices = []DeviceInfo{dev(0, "Desk Array", false), dev(1, "USB Mic", true)}
	moved, err = sup.CheckHealth(current)
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	require.NotNil(t, moved)
	assert.Equal(t, 1, moved.Index)
	assert.Equal(t, "USB Mic", moved.Name)

	// Mic unplugged entirely: unavailable with no relocation.
	sys.devices = []DeviceInfo{dev(0, "Desk Array", false)}
	moved, err = sup.CheckHealth(dev(1, "USB Mic", true))
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Nil(t, moved)
}

func TestSupervisor_HealthCheckInterval(t *testing.T) {
	sys := &fakeSystem{devices: []DeviceInfo{dev(0, "USB Mic", true)}}
	sup := NewSupervisor(sys, switchConfig(), nil)

	base := time.Unix(1000, 0)
	times := []time.Time{base, base.Add(time.Second)}
	i := 0
	sup.now = func() time.Time { t := times[i]; i++; return t }

	current := dev(0, "USB Mic", true)
	sup.CaptureFingerprint(current)

	_, err := sup.CheckHealth(current)
	assert.NoError(t, err)

	// One second later, inside the 2s cadence: even with the device
	// gone, the check is skipped.
	sys.devices = nil
	_, err = sup.CheckHealth(current)
	assert.NoError(t, err)
}

func TestSupervisor_SelectFallback(t *testing.T) {
	sys := &fakeSystem{devices: []DeviceInfo{
		dev(0, "iPhone Microphone", false),
		dev(1, "USB Interface", false),
		dev(2, "MacBook Pro Microphone", false),
	}}
	sup := NewSupervisor(sys, switchConfig(), nil)

	// Built-in style names are preferred over earlier entries.
	fb, err := sup.SelectFallback()
	require.NoError(t, err)
	assert.Equal(t, "MacBook Pro Microphone", fb.Name)

	// Without a preferred name, the first non-excluded device wins.
	sys.devices = []DeviceInfo{dev(0, "iPhone Microphone", false), dev(1, "USB Interface", false)}
	fb, err = sup.SelectFallback()
	require.NoError(t, err)
	assert.Equal(t, "USB Interface", fb.Name)

	// Exclusion emptying the pool falls back to excluded devices.
	sys.devices = []DeviceInfo{dev(0, "iPhone Microphone", false)}
	fb, err = sup.SelectFallback()
	require.NoError(t, err)
	assert.Equal(t, "iPhone Microphone", fb.Name)

	sys.devices = nil
	_, err = sup.SelectFallback()
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}
