// Package recorder implements the live capture pipeline: the segmenter
// that brackets speech with VAD events and writes archive WAV files,
// the background ASR worker, the console meter, and the orchestrator
// that keeps capture alive across device loss and auto-switches.
package recorder

import (
	"time"

	"github.com/soundscribe/soundscribe/pkg/capture"
)

// Config tunes the recorder. Immutable once capture starts.
type Config struct {
	SampleRate int
	Channels   int
	ChunkMs    int

	SpeechPadMs             int
	MinSilenceMs            int
	MaxSegmentMinutes       float64
	MaxSpeechSegmentSeconds float64

	DeviceCheckSeconds float64
	DeviceRetrySeconds float64

	AutoSwitchEnabled              bool
	AutoSwitchScanSeconds          float64
	AutoSwitchProbeSeconds         float64
	AutoSwitchMaxCandidatesPerScan int
	ExcludedInputKeywords          []string
	AutoSwitchMinRMS               float64
	AutoSwitchMinRatio             float64
	AutoSwitchCooldownSeconds      float64
	AutoSwitchConfirmations        int

	ConsoleFeedbackEnabled       bool
	ConsoleFeedbackHz            float64
	ConsoleMeterWidth            int
	ConsoleASRPreviewEnabled     bool
	ConsoleASRPreviewHoldSeconds float64
	ConsoleASRHistorySize        int
}

// DefaultConfig returns the recorder defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate: 16000,
		Channels:   1,
		ChunkMs:    32,

		SpeechPadMs:             300,
		MinSilenceMs:            1200,
		MaxSegmentMinutes:       60.0,
		MaxSpeechSegmentSeconds: 20.0,

		DeviceCheckSeconds: 2.0,
		DeviceRetrySeconds: 2.0,

		AutoSwitchEnabled:              true,
		AutoSwitchScanSeconds:          3.0,
		AutoSwitchProbeSeconds:         0.25,
		AutoSwitchMaxCandidatesPerScan: 2,
		ExcludedInputKeywords:          []string{"iphone", "continuity"},
		AutoSwitchMinRMS:               0.006,
		AutoSwitchMinRatio:             1.8,
		AutoSwitchCooldownSeconds:      8.0,
		AutoSwitchConfirmations:        2,

		ConsoleFeedbackEnabled:       true,
		ConsoleFeedbackHz:            12.0,
		ConsoleMeterWidth:            20,
		ConsoleASRPreviewEnabled:     true,
		ConsoleASRPreviewHoldSeconds: 30.0,
		ConsoleASRHistorySize:        8,
	}
}

// ChunkSamples returns the VAD chunk size in samples.
func (c Config) ChunkSamples() int {
	return c.SampleRate * c.ChunkMs / 1000
}

func (c Config) supervisorConfig() capture.SupervisorConfig {
	return capture.SupervisorConfig{
		SampleRate:           c.SampleRate,
		Channels:             c.Channels,
		CheckInterval:        secondsToDuration(c.DeviceCheckSeconds),
		AutoSwitchEnabled:    c.AutoSwitchEnabled,
		ScanInterval:         secondsToDuration(c.AutoSwitchScanSeconds),
		ProbeSeconds:         c.AutoSwitchProbeSeconds,
		MaxCandidatesPerScan: c.AutoSwitchMaxCandidatesPerScan,
		ExcludedKeywords:     c.ExcludedInputKeywords,
		MinRMS:               c.AutoSwitchMinRMS,
		MinRatio:             c.AutoSwitchMinRatio,
		Cooldown:             secondsToDuration(c.AutoSwitchCooldownSeconds),
		Confirmations:        c.AutoSwitchConfirmations,
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
