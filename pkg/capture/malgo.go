package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gen2brain/malgo"

	"github.com/soundscribe/soundscribe/pkg/audio"
)

// MalgoSystem implements System on top of miniaudio.
type MalgoSystem struct {
	ctx    *malgo.AllocatedContext
	logger *log.Logger

	// probeMu serializes loudness probes; probing also silences the
	// backend log callback, which otherwise gets noisy when a probe
	// target refuses to open.
	probeMu sync.Mutex
	probing atomic.Bool
}

// NewMalgoSystem initializes a miniaudio context. Backend log lines go
// to the logger at debug level.
func NewMalgoSystem(logger *log.Logger) (*MalgoSystem, error) {
	s := &MalgoSystem{logger: logger}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		if s.probing.Load() {
			return
		}
		if logger != nil {
			logger.Debug("miniaudio", "msg", strings.TrimSpace(message))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	s.ctx = ctx
	return s, nil
}

// Close tears the context down.
func (s *MalgoSystem) Close() error {
	if s.ctx == nil {
		return nil
	}
	err := s.ctx.Uninit()
	s.ctx.Free()
	s.ctx = nil
	return err
}

// InputDevices implements System.
func (s *MalgoSystem) InputDevices() ([]DeviceInfo, error) {
	infos, err := s.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}
	devices := make([]DeviceInfo, 0, len(infos))
	for i, info := range infos {
		devices = append(devices, DeviceInfo{
			Index:       i,
			ID:          info.ID,
			Name:        info.Name(),
			Backend:     "miniaudio",
			IsDefault:   info.IsDefault != 0,
			MaxChannels: maxInputChannels(info),
		})
	}
	return devices, nil
}

// maxInputChannels scans the device's native data formats for the
// largest channel count. Backends that only fill formats on a full
// probe report none; 0 means unknown, not unusable.
func maxInputChannels(info malgo.DeviceInfo) int {
	maxCh := 0
	count := int(info.FormatCount)
	if count > len(info.Formats) {
		count = len(info.Formats)
	}
	for _, f := range info.Formats[:count] {
		if int(f.Channels) > maxCh {
			maxCh = int(f.Channels)
		}
	}
	return maxCh
}

// Open implements System.
func (s *MalgoSystem) Open(cfg StreamConfig, dev DeviceInfo, sink func([]float32)) (Stream, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.Capture.DeviceID = dev.ID.Pointer()
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(cfg.PeriodFrames)
	deviceConfig.Alsa.NoMMap = 1

	onRecvFrames := func(pOutput, pInput []byte, frameCount uint32) {
		sink(bytesToFloat32(pInput, int(frameCount)*cfg.Channels))
	}

	device, err := malgo.InitDevice(s.ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecvFrames})
	if err != nil {
		return nil, &UnavailableError{Label: dev.Label(), Reason: err.Error()}
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, &UnavailableError{Label: dev.Label(), Reason: err.Error()}
	}
	return &malgoStream{device: device}, nil
}

// ProbeRMS implements System.
func (s *MalgoSystem) ProbeRMS(dev DeviceInfo, cfg StreamConfig, probeSeconds float64) (float64, error) {
	if probeSeconds <= 0 {
		return 0, nil
	}
	s.probeMu.Lock()
	defer s.probeMu.Unlock()
	s.probing.Store(true)
	defer s.probing.Store(false)

	probeFrames := int(float64(cfg.SampleRate) * probeSeconds)
	if probeFrames < 1 {
		probeFrames = 1
	}
	rb := audio.NewRingBuffer(cfg.SampleRate, int(probeSeconds*1000)+1)
	filled := make(chan struct{}, 1)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.Capture.DeviceID = dev.ID.Pointer()
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	var captured atomic.Int64
	onRecvFrames := func(pOutput, pInput []byte, frameCount uint32) {
		samples := bytesToFloat32(pInput, int(frameCount)*cfg.Channels)
		rb.Write(samples)
		if captured.Add(int64(len(samples))) >= int64(probeFrames) {
			select {
			case filled <- struct{}{}:
			default:
			}
		}
	}

	device, err := malgo.InitDevice(s.ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecvFrames})
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", dev.Label(), err)
	}
	defer device.Uninit()
	if err := device.Start(); err != nil {
		return 0, fmt.Errorf("probe %s: %w", dev.Label(), err)
	}

	deadline := time.Duration(probeSeconds*float64(time.Second))*4 + 200*time.Millisecond
	select {
	case <-filled:
	case <-time.After(deadline):
		// Partial audio still yields a usable level estimate.
	}

	samples := rb.ReadAll()
	if len(samples) == 0 {
		return 0, fmt.Errorf("probe %s: no audio delivered", dev.Label())
	}
	return audio.RMS(samples), nil
}

type malgoStream struct {
	device *malgo.Device
}

func (m *malgoStream) Close() error {
	if m.device != nil {
		m.device.Uninit()
		m.device = nil
	}
	return nil
}

// bytesToFloat32 reinterprets little-endian float32 PCM bytes.
func bytesToFloat32(data []byte, samples int) []float32 {
	if avail := len(data) / 4; samples > avail {
		samples = avail
	}
	out := make([]float32, samples)
	for i := 0; i < samples; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
