package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"

	"github.com/soundscribe/soundscribe/pkg/asr"
	"github.com/soundscribe/soundscribe/pkg/audio"
	"github.com/soundscribe/soundscribe/pkg/capture"
	"github.com/soundscribe/soundscribe/pkg/sidecar"
	"github.com/soundscribe/soundscribe/pkg/trace"
	"github.com/soundscribe/soundscribe/pkg/vad"
)

// isoLayout matches the sidecar's ISO8601 timestamps with timezone.
const isoLayout = "2006-01-02T15:04:05.000000-07:00"

// Options wires a Recorder together.
type Options struct {
	OutputDir string
	Prefix    string
	// Device is the raw device flag; see capture.ParseSelection.
	Device string
	Config Config

	System      capture.System
	Gate        vad.Gate
	Transcriber asr.Transcriber // nil disables ASR
	Logger      *log.Logger
}

// Recorder owns the capture loop: it drains the audio queue, drives the
// VAD gate and segmenter, rotates archives, supervises the device, and
// dispatches speech buffers to the ASR worker.
type Recorder struct {
	cfg       Config
	outputDir string
	prefix    string
	selection capture.Selection

	requestedDefault bool

	sys         capture.System
	gate        vad.Gate
	transcriber asr.Transcriber
	store       *sidecar.Store
	sup         *capture.Supervisor
	console     *Renderer
	logger      *log.Logger

	queue  *capture.ChunkQueue
	worker *asrWorker

	stopCh   chan struct{}
	stopOnce sync.Once

	device            *capture.DeviceInfo
	deviceUnavailable bool
	activeDeviceLabel string

	// Archive segment state, owned exclusively by the capture loop.
	writer       *audio.WavWriter
	sidecarPath  string
	segmentStart time.Time
	streamStart  time.Time
	totalSamples int64

	// Speech run state.
	inSpeech          bool
	speechStartSample int64
	speechStartTime   time.Time
	speechBuffer      [][]float32
	hadSpeech         bool
	hasPendingEnd     bool
	pendingEndSample  int64
	pendingEndTime    time.Time
	lastVoiceTime     time.Time
	lastRMS           float64

	now func() time.Time
}

// New creates a Recorder. The audio system, VAD gate and transcriber
// are injected; a nil transcriber records audio only.
func New(opts Options) *Recorder {
	cfg := opts.Config
	if cfg.SampleRate == 0 {
		cfg = DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	sel := capture.ParseSelection(opts.Device)

	r := &Recorder{
		cfg:               cfg,
		outputDir:         opts.OutputDir,
		prefix:            opts.Prefix,
		selection:         sel,
		requestedDefault:  sel.Default,
		sys:               opts.System,
		gate:              opts.Gate,
		transcriber:       opts.Transcriber,
		store:             sidecar.NewStore(),
		console:           NewRenderer(cfg),
		logger:            logger,
		queue:             capture.NewChunkQueue(),
		stopCh:            make(chan struct{}),
		activeDeviceLabel: "default",
		now:               time.Now,
	}
	r.sup = capture.NewSupervisor(opts.System, cfg.supervisorConfig(), logger)
	if opts.Transcriber != nil {
		r.worker = newASRWorker(opts.Transcriber, r.store, logger, r.console.RecordASRText)
	}
	return r
}

// Run captures until Stop is called. Device loss and auto-switches are
// handled inside; only unrecoverable errors (bad output directory,
// failed archive writes) come back.
func (r *Recorder) Run() error {
	if r.worker != nil {
		r.worker.start()
	}
	var fatal error
	for !r.stopped() {
		err := r.recordLoop()
		if err == nil {
			break
		}
		var sw *capture.SwitchRequest
		if errors.As(err, &sw) {
			r.handleDeviceSwitch(sw)
			continue
		}
		if errors.Is(err, capture.ErrDeviceUnavailable) {
			r.handleDeviceError(err)
			continue
		}
		fatal = err
		break
	}
	r.shutdown()
	return fatal
}

// Stop signals the capture loop to finish. Safe to call more than once
// and from any goroutine.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Recorder) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

func (r *Recorder) shutdown() {
	if r.inSpeech {
		r.finalizeSpeechSegment(r.totalSamples)
	}
	r.closeArchive()
	if r.worker != nil {
		r.worker.stop(500 * time.Millisecond)
	}
	r.console.Clear()
}

func (r *Recorder) recordLoop() error {
	if r.device == nil {
		devices, err := r.sys.InputDevices()
		if err != nil {
			return &capture.UnavailableError{Label: "default", Reason: err.Error()}
		}
		dev, err := r.selection.Resolve(devices)
		if err != nil {
			return err
		}
		if r.requestedDefault && r.sup.IsExcluded(dev.Name) {
			if fb, fbErr := r.sup.SelectFallback(); fbErr == nil {
				dev = fb
			}
		}
		r.device = dev
	}

	chunkSamples := r.cfg.ChunkSamples()
	streamCfg := capture.StreamConfig{
		SampleRate:   r.cfg.SampleRate,
		Channels:     r.cfg.Channels,
		PeriodFrames: chunkSamples,
	}
	stream, err := r.sys.Open(streamCfg, *r.device, func(block []float32) {
		r.queue.Push(block)
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	r.sup.CaptureFingerprint(*r.device)
	if err := r.gate.Reset(); err != nil {
		return fmt.Errorf("reset vad gate: %w", err)
	}
	if err := r.openArchive(); err != nil {
		return err
	}
	if r.deviceUnavailable {
		r.console.Clear()
		r.logger.Info("Microphone restored. Resuming recording.")
		r.deviceUnavailable = false
	}

	for !r.stopped() {
		if moved, herr := r.sup.CheckHealth(*r.device); herr != nil {
			if moved != nil {
				r.device = moved
			}
			return herr
		}
		block, ok := r.queue.Pop(100 * time.Millisecond)
		if !ok {
			continue
		}
		if err := r.processBlock(block); err != nil {
			return err
		}
		r.console.Render(r.consoleState(), false)
		if target, req := r.sup.CheckAutoSwitch(*r.device, r.inSpeech, r.lastRMS); req != nil {
			r.device = target
			return req
		}
		if r.shouldRotate() {
			if err := r.rotate(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Recorder) consoleState() ConsoleState {
	return ConsoleState{
		StreamStart: r.streamStart,
		RMS:         r.lastRMS,
		InSpeech:    r.inSpeech,
		DeviceLabel: r.activeDeviceLabel,
		AutoSwitch:  r.cfg.AutoSwitchEnabled,
	}
}

func (r *Recorder) openArchive() error {
	now := r.now()
	dateFolder, err := strftime.Format("%Y%m%d", now)
	if err != nil {
		return fmt.Errorf("format date folder: %w", err)
	}
	stamp, err := strftime.Format("%Y%m%d_%H%M%S", now)
	if err != nil {
		return fmt.Errorf("format archive stamp: %w", err)
	}

	dayDir := filepath.Join(r.outputDir, dateFolder)
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return fmt.Errorf("create day directory: %w", err)
	}
	path := filepath.Join(dayDir, fmt.Sprintf("%s_live_%s.wav", r.prefix, stamp))

	writer, err := audio.NewWavWriter(path, r.cfg.SampleRate, r.cfg.Channels)
	if err != nil {
		return err
	}
	r.writer = writer
	r.segmentStart = now
	r.streamStart = now
	r.sidecarPath = strings.TrimSuffix(path, ".wav") + ".json"
	if r.device != nil {
		r.activeDeviceLabel = r.device.Label()
	}
	r.hadSpeech = false
	r.store.ResetPending(r.sidecarPath)

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	doc := &sidecar.Document{
		AudioFile:        filepath.Base(path),
		AudioPath:        absPath,
		SegmentStart:     stamp,
		SegmentStartTime: now.Format(isoLayout),
		CreatedAt:        now.Format(isoLayout),
		InputDevice:      r.activeDeviceLabel,
		AutoSwitchDevice: r.cfg.AutoSwitchEnabled,
		ASREnabled:       r.transcriber != nil,
		ASRMode:          sidecar.ModeDisabled,
		SpeechSegments:   []sidecar.Segment{},
		Status:           sidecar.StatusRecording,
	}
	if r.transcriber != nil {
		info := r.transcriber.Info()
		doc.Model = info.Model
		doc.Backend = info.Backend
		doc.Device = info.Device
		doc.Dtype = info.Dtype
		doc.ASRMode = sidecar.ModeLive
	}
	if err := r.store.Write(r.sidecarPath, doc); err != nil {
		// Sidecar write failures must not stop capture.
		r.logger.Error("failed to write sidecar", "path", r.sidecarPath, "err", err)
	}
	return nil
}

func (r *Recorder) closeArchive() {
	if r.writer != nil {
		if err := r.writer.Close(); err != nil {
			r.logger.Error("failed to close archive file", "err", err)
		}
		r.writer = nil
	}
	r.segmentStart = time.Time{}
	if r.sidecarPath == "" {
		return
	}
	if _, err := r.store.FinalizeLive(r.sidecarPath, r.transcriber != nil, r.hadSpeech); err != nil {
		r.logger.Error("failed to finalize sidecar", "path", r.sidecarPath, "err", err)
	}
	r.sidecarPath = ""
}

func (r *Recorder) shouldRotate() bool {
	if r.segmentStart.IsZero() {
		return false
	}
	return r.now().Sub(r.segmentStart) >= secondsToDuration(r.cfg.MaxSegmentMinutes*60)
}

func (r *Recorder) rotate() error {
	_, span := trace.InstrumentRotation(context.Background(), r.sidecarPath)
	defer span.End()

	r.closeArchive()
	if err := r.openArchive(); err != nil {
		return err
	}
	// Rebase in-flight speech accounting onto the new segment: sample
	// positions are denominated in the current archive.
	if r.inSpeech {
		r.speechStartSample -= r.totalSamples
		if r.speechStartSample < 0 {
			r.speechStartSample = 0
		}
	}
	if r.hasPendingEnd {
		r.pendingEndSample -= r.totalSamples
		if r.pendingEndSample < 0 {
			r.pendingEndSample = 0
		}
	}
	r.totalSamples = 0
	return nil
}

func (r *Recorder) resetStreamState() {
	r.speechBuffer = nil
	r.resetSpeechState()
	r.totalSamples = 0
	r.segmentStart = time.Time{}
	r.streamStart = time.Time{}
	r.lastVoiceTime = time.Time{}
	r.hadSpeech = false
	r.lastRMS = 0
	r.sup.ClearCandidate()
	r.queue.Drain()
}

func (r *Recorder) handleDeviceSwitch(req *capture.SwitchRequest) {
	r.console.Clear()
	r.closeArchive()
	r.resetStreamState()
	r.deviceUnavailable = false

	_, span := trace.InstrumentDeviceSwitch(context.Background(), req.From, req.To, "auto-switch")
	span.End()
	r.logger.Info(req.Error())
}

func (r *Recorder) handleDeviceError(cause error) {
	r.console.Clear()
	r.closeArchive()
	r.resetStreamState()

	if r.requestedDefault || r.cfg.AutoSwitchEnabled {
		if fb, err := r.sup.SelectFallback(); err == nil && !sameDevice(r.device, fb) {
			prev := "default"
			if r.device != nil {
				prev = r.device.Label()
			}
			r.device = fb
			r.sup.ClearFingerprint()
			r.sup.ClearCandidate()

			_, span := trace.InstrumentDeviceSwitch(context.Background(), prev, fb.Label(), "fallback")
			span.End()
			r.logger.Warn("Microphone unavailable. Switched input device.",
				"reason", cause.Error(), "from", prev, "to", fb.Label())
			r.deviceUnavailable = true
			return
		}
	}

	if !r.deviceUnavailable {
		r.logger.Warn("Microphone unavailable. Retrying.",
			"reason", cause.Error(), "retry_seconds", r.cfg.DeviceRetrySeconds)
		r.deviceUnavailable = true
	}
	if r.cfg.DeviceRetrySeconds > 0 {
		select {
		case <-r.stopCh:
		case <-time.After(secondsToDuration(r.cfg.DeviceRetrySeconds)):
		}
	}
}

func sameDevice(a, b *capture.DeviceInfo) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Index == b.Index && a.Name == b.Name
}
