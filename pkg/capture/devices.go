// Package capture wraps the miniaudio backend: device enumeration and
// selection, capture streams, loudness probing, and the supervisor that
// watches microphone health and proposes auto-switches.
package capture

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gen2brain/malgo"
)

// DeviceInfo identifies one capture device at a point in time. Index is
// the position in the current enumeration and may shift when devices
// come and go; Fingerprint tracks identity across such shifts.
type DeviceInfo struct {
	Index     int
	ID        malgo.DeviceID
	Name      string
	Backend   string
	IsDefault bool
	// MaxChannels is the largest input channel count the device
	// reports, or 0 when the backend does not report formats.
	MaxChannels int
}

// Label renders the device as "<index>:<name>" for logs and sidecars.
func (d DeviceInfo) Label() string {
	if d.Name == "" {
		return strconv.Itoa(d.Index)
	}
	return fmt.Sprintf("%d:%s", d.Index, d.Name)
}

// Fingerprint is the (name, backend) pair captured when a stream first
// opens, used to recognize a microphone after index reassignment.
type Fingerprint struct {
	Name    string
	Backend string
}

// Matches reports whether the device carries this fingerprint.
func (f Fingerprint) Matches(d DeviceInfo) bool {
	return d.Name == f.Name && d.Backend == f.Backend
}

// Selection is the parsed device flag.
type Selection struct {
	// Default selects the system default input.
	Default bool
	// Index selects by enumeration position when >= 0.
	Index int
	// Name selects by case-insensitive substring match when non-empty.
	Name string
}

// ParseSelection interprets the device flag: empty, "default" or "auto"
// mean the system default; a number or ":N" selects index N; anything
// else matches by name.
func ParseSelection(s string) Selection {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "default", "auto":
		return Selection{Default: true, Index: -1}
	}
	numeric := s
	if strings.HasPrefix(s, ":") {
		numeric = s[1:]
	}
	if idx, err := strconv.Atoi(numeric); err == nil {
		return Selection{Index: idx}
	}
	return Selection{Index: -1, Name: s}
}

// Resolve picks the device matching the selection from the list. The
// default selection resolves to the flagged default, or the first
// device when the backend reports none.
func (sel Selection) Resolve(devices []DeviceInfo) (*DeviceInfo, error) {
	if len(devices) == 0 {
		return nil, &UnavailableError{Label: "default", Reason: "no capture devices present"}
	}
	if sel.Default {
		for i := range devices {
			if devices[i].IsDefault {
				return &devices[i], nil
			}
		}
		return &devices[0], nil
	}
	if sel.Index >= 0 {
		for i := range devices {
			if devices[i].Index == sel.Index {
				return &devices[i], nil
			}
		}
		return nil, &UnavailableError{Label: strconv.Itoa(sel.Index), Reason: "index not present"}
	}
	needle := strings.ToLower(sel.Name)
	for i := range devices {
		if strings.Contains(strings.ToLower(devices[i].Name), needle) {
			return &devices[i], nil
		}
	}
	return nil, &UnavailableError{Label: sel.Name, Reason: "no device name matches"}
}

// StreamConfig fixes the capture format.
type StreamConfig struct {
	SampleRate int
	Channels   int
	// PeriodFrames is the callback block size in sample frames.
	PeriodFrames int
}

// Stream is an open capture stream.
type Stream interface {
	Close() error
}

// System is the audio backend surface the recorder depends on. The
// malgo implementation talks to real hardware; tests substitute fakes.
type System interface {
	// InputDevices enumerates current capture devices.
	InputDevices() ([]DeviceInfo, error)

	// ProbeRMS opens a short stream on the device and returns the RMS
	// of roughly probeSeconds of audio.
	ProbeRMS(dev DeviceInfo, cfg StreamConfig, probeSeconds float64) (float64, error)

	// Open starts a capture stream delivering float32 blocks to sink.
	// The sink is called from the backend's realtime thread and must
	// not block.
	Open(cfg StreamConfig, dev DeviceInfo, sink func(block []float32)) (Stream, error)
}
