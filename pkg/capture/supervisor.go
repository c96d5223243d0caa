package capture

import (
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// probeBackoffPeriod keeps failing probe targets out of rotation for a
// while; some devices refuse to open and log loudly every attempt.
const probeBackoffPeriod = 30 * time.Second

// fallbackPreferredTokens picks a sensible microphone when the current
// one disappears.
var fallbackPreferredTokens = []string{"macbook", "built-in", "internal"}

// SupervisorConfig tunes the device supervisor.
type SupervisorConfig struct {
	SampleRate int
	Channels   int

	// CheckInterval is the health-check cadence; <= 0 disables.
	CheckInterval time.Duration

	AutoSwitchEnabled    bool
	ScanInterval         time.Duration
	ProbeSeconds         float64
	MaxCandidatesPerScan int
	ExcludedKeywords     []string
	MinRMS               float64
	MinRatio             float64
	Cooldown             time.Duration
	Confirmations        int
}

// Supervisor watches the current microphone and scans for louder
// candidates. It owns the device fingerprint and the scan state; the
// orchestrator calls into it between chunks.
type Supervisor struct {
	sys    System
	cfg    SupervisorConfig
	logger *log.Logger

	fingerprint  *Fingerprint
	listSnapshot []Fingerprint

	lastCheck     time.Time
	lastScan      time.Time
	lastSwitch    time.Time
	rrOffset      int
	candidateName string
	candidateHits int
	probeBackoff  map[string]time.Time

	now func() time.Time
}

// NewSupervisor creates a supervisor over the given backend.
func NewSupervisor(sys System, cfg SupervisorConfig, logger *log.Logger) *Supervisor {
	return &Supervisor{
		sys:          sys,
		cfg:          cfg,
		logger:       logger,
		probeBackoff: make(map[string]time.Time),
		now:          time.Now,
	}
}

// CaptureFingerprint records the identity of the device a stream just
// opened on, plus a snapshot of the device list for change detection.
func (s *Supervisor) CaptureFingerprint(dev DeviceInfo) {
	s.fingerprint = &Fingerprint{Name: dev.Name, Backend: dev.Backend}
	s.listSnapshot = s.snapshotList()
}

// ClearFingerprint forgets the tracked identity, e.g. before switching.
func (s *Supervisor) ClearFingerprint() {
	s.fingerprint = nil
	s.listSnapshot = nil
}

// ClearCandidate resets auto-switch confirmation state.
func (s *Supervisor) ClearCandidate() {
	s.candidateName = ""
	s.candidateHits = 0
}

func (s *Supervisor) snapshotList() []Fingerprint {
	devices, err := s.sys.InputDevices()
	if err != nil {
		return nil
	}
	snapshot := make([]Fingerprint, 0, len(devices))
	for _, d := range devices {
		snapshot = append(snapshot, Fingerprint{Name: d.Name, Backend: d.Backend})
	}
	return snapshot
}

func fingerprintsEqual(a, b []Fingerprint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Supervisor) listChanged() bool {
	if s.fingerprint == nil {
		return false
	}
	snapshot := s.snapshotList()
	if len(snapshot) == 0 {
		return false
	}
	if s.listSnapshot == nil {
		s.listSnapshot = snapshot
		return false
	}
	if fingerprintsEqual(snapshot, s.listSnapshot) {
		return false
	}
	s.listSnapshot = snapshot
	return true
}

func (s *Supervisor) findByFingerprint(devices []DeviceInfo) *DeviceInfo {
	if s.fingerprint == nil {
		return nil
	}
	for i := range devices {
		if s.fingerprint.Matches(devices[i]) {
			return &devices[i]
		}
	}
	return nil
}

// CheckHealth verifies the current device is still present under its
// fingerprint. On trouble it returns ErrDeviceUnavailable (wrapped);
// when the device merely moved index, the relocated DeviceInfo comes
// back alongside the error so the reopen targets the right device.
func (s *Supervisor) CheckHealth(current DeviceInfo) (*DeviceInfo, error) {
	if s.cfg.CheckInterval <= 0 {
		return nil, nil
	}
	now := s.now()
	if now.Sub(s.lastCheck) < s.cfg.CheckInterval {
		return nil, nil
	}
	s.lastCheck = now

	devices, err := s.sys.InputDevices()
	if err != nil {
		return nil, &UnavailableError{Label: current.Label(), Reason: err.Error()}
	}

	if s.listChanged() {
		match := s.findByFingerprint(devices)
		if match == nil {
			return nil, &UnavailableError{Label: current.Label(), Reason: "device list changed"}
		}
		if match.Index != current.Index {
			return match, &UnavailableError{Label: current.Label(), Reason: "index changed"}
		}
	}

	var at *DeviceInfo
	for i := range devices {
		if devices[i].Index == current.Index {
			at = &devices[i]
			break
		}
	}
	if at == nil {
		if match := s.findByFingerprint(devices); match != nil {
			return match, &UnavailableError{Label: current.Label(), Reason: "index gone"}
		}
		return nil, &UnavailableError{Label: current.Label()}
	}
	if s.fingerprint != nil && !s.fingerprint.Matches(*at) {
		match := s.findByFingerprint(devices)
		if match != nil {
			return match, &UnavailableError{Label: current.Label(), Reason: "identity changed"}
		}
		return nil, &UnavailableError{Label: current.Label(), Reason: "identity changed"}
	}
	return nil, nil
}

// CheckAutoSwitch probes other microphones for loudness and, when a
// sufficiently louder candidate wins enough consecutive scans, commits
// the switch: the fingerprint is cleared, the cooldown starts, and the
// target plus a SwitchRequest describing it are returned.
func (s *Supervisor) CheckAutoSwitch(current DeviceInfo, inSpeech bool, currentRMS float64) (*DeviceInfo, *SwitchRequest) {
	if !s.cfg.AutoSwitchEnabled || s.cfg.ScanInterval <= 0 {
		return nil, nil
	}
	now := s.now()
	if now.Sub(s.lastScan) < s.cfg.ScanInterval {
		return nil, nil
	}
	s.lastScan = now

	if inSpeech {
		s.ClearCandidate()
		return nil, nil
	}
	if s.cfg.Cooldown > 0 && now.Sub(s.lastSwitch) < s.cfg.Cooldown {
		return nil, nil
	}

	devices, err := s.sys.InputDevices()
	if err != nil {
		return nil, nil
	}
	var candidates []DeviceInfo
	for _, d := range devices {
		if d.Index == current.Index {
			continue
		}
		if !s.hasInputChannels(d) {
			continue
		}
		if s.IsExcluded(d.Name) {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		s.ClearCandidate()
		return nil, nil
	}

	maxCandidates := s.cfg.MaxCandidatesPerScan
	if maxCandidates < 1 {
		maxCandidates = 1
	}
	var probeTargets []DeviceInfo
	if len(candidates) > maxCandidates {
		start := s.rrOffset % len(candidates)
		for i := 0; i < maxCandidates; i++ {
			probeTargets = append(probeTargets, candidates[(start+i)%len(candidates)])
		}
		s.rrOffset = (start + maxCandidates) % len(candidates)
	} else {
		probeTargets = candidates
		s.rrOffset = 0
	}

	streamCfg := StreamConfig{SampleRate: s.cfg.SampleRate, Channels: s.cfg.Channels}
	var best *DeviceInfo
	bestRMS := 0.0
	for i := range probeTargets {
		dev := probeTargets[i]
		if until, ok := s.probeBackoff[dev.Name]; ok && now.Before(until) {
			continue
		}
		rms, err := s.sys.ProbeRMS(dev, streamCfg, s.cfg.ProbeSeconds)
		if err != nil {
			s.probeBackoff[dev.Name] = now.Add(probeBackoffPeriod)
			continue
		}
		if rms > bestRMS {
			bestRMS = rms
			best = &probeTargets[i]
		}
	}

	if best == nil || bestRMS < s.cfg.MinRMS {
		s.ClearCandidate()
		return nil, nil
	}
	minRatio := s.cfg.MinRatio
	if minRatio < 1 {
		minRatio = 1
	}
	if currentRMS >= s.cfg.MinRMS && bestRMS < currentRMS*minRatio {
		s.ClearCandidate()
		return nil, nil
	}
	if !s.markCandidate(best.Name) {
		return nil, nil
	}

	s.lastSwitch = now
	s.ClearFingerprint()
	s.ClearCandidate()
	return best, &SwitchRequest{From: current.Label(), To: best.Label(), RMS: bestRMS}
}

func (s *Supervisor) markCandidate(name string) bool {
	if s.candidateName == name {
		s.candidateHits++
	} else {
		s.candidateName = name
		s.candidateHits = 1
	}
	required := s.cfg.Confirmations
	if required < 1 {
		required = 1
	}
	return s.candidateHits >= required
}

// hasInputChannels reports whether the device can deliver the
// configured channel count. Devices that report no formats are kept;
// their probe settles the question and backs them off on failure.
func (s *Supervisor) hasInputChannels(d DeviceInfo) bool {
	if d.MaxChannels == 0 {
		return true
	}
	channels := s.cfg.Channels
	if channels < 1 {
		channels = 1
	}
	return d.MaxChannels >= channels
}

// IsExcluded reports whether the device name matches an excluded
// keyword (case-insensitive substring).
func (s *Supervisor) IsExcluded(name string) bool {
	lowered := strings.ToLower(strings.TrimSpace(name))
	if lowered == "" {
		return false
	}
	for _, keyword := range s.cfg.ExcludedKeywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword != "" && strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

// SelectFallback picks a replacement input: excluded devices are
// skipped, names containing a preferred token win, otherwise the first
// device. When exclusion empties the list, it retries including
// excluded devices rather than giving up.
func (s *Supervisor) SelectFallback() (*DeviceInfo, error) {
	devices, err := s.sys.InputDevices()
	if err != nil {
		return nil, &UnavailableError{Label: "fallback", Reason: err.Error()}
	}

	var pool []DeviceInfo
	for _, d := range devices {
		if s.hasInputChannels(d) && !s.IsExcluded(d.Name) {
			pool = append(pool, d)
		}
	}
	if len(pool) == 0 {
		pool = devices
	}
	if len(pool) == 0 {
		return nil, &UnavailableError{Label: "fallback", Reason: "no capture devices present"}
	}

	for i := range pool {
		name := strings.ToLower(pool[i].Name)
		for _, token := range fallbackPreferredTokens {
			if strings.Contains(name, token) {
				return &pool[i], nil
			}
		}
	}
	return &pool[0], nil
}
