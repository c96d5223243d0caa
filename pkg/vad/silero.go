package vad

import (
	"fmt"

	"github.com/streamer45/silero-vad-go/speech"
)

// windowSize is the Silero model's fixed analysis window at 16 kHz.
const windowSize = 512

// SileroConfig holds configuration for the Silero VAD gate.
type SileroConfig struct {
	// ModelPath is the path to the silero_vad.onnx model file.
	ModelPath string
	// SampleRate of the input audio. Supported values are 8000 and 16000.
	SampleRate int
	// Threshold is the speech probability threshold (default 0.5).
	Threshold float32
	// SpeechPadMs pads detected speech on both sides (default 300).
	SpeechPadMs int
	// MinSilenceDurMs is the silence needed before a speech end is
	// reported (default 100). This is the gate's own hysteresis; the
	// segmenter applies its longer close-out silence on top.
	MinSilenceDurMs int
}

// IsValid validates the gate configuration.
func (c SileroConfig) IsValid() error {
	if c.ModelPath == "" {
		return fmt.Errorf("invalid ModelPath: should not be empty")
	}
	if c.SampleRate != 8000 && c.SampleRate != 16000 {
		return fmt.Errorf("invalid SampleRate: valid values are 8000 and 16000")
	}
	return nil
}

// SileroGate adapts the batch-oriented silero-vad-go detector into the
// streaming Gate contract.
//
// The detector keeps hysteresis state (trigger, silence countdown, sample
// counter) across Detect calls and reports segment boundaries as absolute
// stream times. DetectChunk feeds it model-sized windows and converts
// those absolute positions back into offsets within the caller's chunk.
// A speech end whose matching start was reported in an earlier call makes
// the detector return "unexpected speech end"; that is the normal
// streaming case and is translated into a SpeechEnd event here.
type SileroGate struct {
	detector *speech.Detector
	cfg      SileroConfig

	// consumed counts samples handed to the detector, aligning its
	// absolute segment times with chunk offsets.
	consumed int64
	// pending buffers a partial model window between calls.
	pending []float32
	// speaking mirrors the detector's trigger state.
	speaking bool
}

// NewSileroGate creates a gate backed by the Silero VAD model.
func NewSileroGate(cfg SileroConfig) (*SileroGate, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.5
	}
	if cfg.SpeechPadMs == 0 {
		cfg.SpeechPadMs = 300
	}
	if cfg.MinSilenceDurMs == 0 {
		cfg.MinSilenceDurMs = 100
	}

	detector, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            cfg.ModelPath,
		SampleRate:           cfg.SampleRate,
		Threshold:            cfg.Threshold,
		MinSilenceDurationMs: cfg.MinSilenceDurMs,
		SpeechPadMs:          cfg.SpeechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create VAD detector: %w", err)
	}

	return &SileroGate{detector: detector, cfg: cfg}, nil
}

// DetectChunk implements Gate.
func (g *SileroGate) DetectChunk(samples []float32) ([]Event, error) {
	chunkBase := g.consumed + int64(len(g.pending))
	chunkLen := len(samples)

	g.pending = append(g.pending, samples...)

	// Detect's window loop stops one window short of the input's end
	// (`i < len(pcm)-windowSize`), so each call is handed two windows
	// and advances by one: every window is inferred exactly once.
	var events []Event
	for len(g.pending) >= 2*windowSize {
		segments, err := g.detector.Detect(g.pending[:2*windowSize])
		if err != nil {
			if err.Error() == "unexpected speech end" {
				// The matching start was emitted in an earlier call; the
				// detector has already untriggered. The run's tail was
				// silence, so no samples of this chunk belong to it.
				if g.speaking {
					g.speaking = false
					events = append(events, Event{Type: SpeechEnd, Offset: clampOffset(g.consumed, chunkBase, chunkLen)})
				}
			} else {
				return nil, fmt.Errorf("vad inference: %w", err)
			}
		}

		for _, seg := range segments {
			if !g.speaking {
				g.speaking = true
				start := int64(float64(seg.SpeechStartAt) * float64(g.cfg.SampleRate))
				events = append(events, Event{Type: SpeechStart, Offset: clampOffset(start, chunkBase, chunkLen)})
			}
			if seg.SpeechEndAt > 0 && g.speaking {
				g.speaking = false
				end := int64(float64(seg.SpeechEndAt) * float64(g.cfg.SampleRate))
				events = append(events, Event{Type: SpeechEnd, Offset: clampOffset(end, chunkBase, chunkLen)})
			}
		}

		g.pending = g.pending[windowSize:]
		g.consumed += windowSize
	}

	return events, nil
}

// clampOffset maps an absolute sample position into an offset within the
// current chunk. Padding can point before the chunk start (clamped to 0)
// and end padding past its end (clamped to the chunk length).
func clampOffset(abs, chunkBase int64, chunkLen int) int {
	off := abs - chunkBase
	if off < 0 {
		return 0
	}
	if off > int64(chunkLen) {
		return chunkLen
	}
	return int(off)
}

// Reset implements Gate.
func (g *SileroGate) Reset() error {
	g.consumed = 0
	g.pending = g.pending[:0]
	g.speaking = false
	if err := g.detector.Reset(); err != nil {
		return fmt.Errorf("reset detector: %w", err)
	}
	return nil
}

// Destroy implements Gate.
func (g *SileroGate) Destroy() error {
	if g.detector == nil {
		return nil
	}
	if err := g.detector.Destroy(); err != nil {
		return fmt.Errorf("destroy detector: %w", err)
	}
	g.detector = nil
	return nil
}

// Ensure SileroGate implements Gate at compile time.
var _ Gate = (*SileroGate)(nil)
