// Package asr provides a unified interface for the speech recognition
// backends the recorder can dispatch speech segments to. It abstracts the
// OpenAI Whisper API and local sherpa-onnx models behind one contract so
// the capture pipeline never depends on a provider.
package asr

import (
	"context"
)

// Result represents the output of one transcription.
type Result struct {
	// Text is the recognized text, possibly empty.
	Text string

	// Language is the detected or configured language, empty when the
	// backend does not report one.
	Language string

	// TimeStamps holds optional [start, end] pairs in seconds for the
	// tokens or segments the backend reports.
	TimeStamps [][2]float64
}

// Info describes a backend's provenance, recorded in every sidecar.
type Info struct {
	Model   string
	Backend string
	// Device is the resolved compute device ("cpu", "cuda:0", "mps",
	// or "api" for hosted backends).
	Device string
	// Dtype is the resolved parameter dtype, empty when not applicable.
	Dtype string
}

// Config contains settings shared by all backends.
type Config struct {
	// Model is the model identifier: an API model name for hosted
	// backends, a model directory for local ones.
	Model string

	// Language is an ISO language name or "auto" for detection.
	Language string

	// Device maps the requested compute device: "auto", "cpu",
	// "cuda:0", "mps".
	Device string

	// Dtype is "auto", "float16", "bfloat16" or "float32".
	Dtype string

	// MaxNewTokens caps generated tokens per segment, 0 for the
	// backend default.
	MaxNewTokens int

	// MaxBatch caps batched segments for backends that batch.
	MaxBatch int
}

// Transcriber is the contract the recorder and the offline scanner
// dispatch audio to.
type Transcriber interface {
	// Info returns the backend provenance.
	Info() Info

	// VerifyDependencies fails when the backend cannot run (missing
	// credentials, missing model files). Called once at startup.
	VerifyDependencies() error

	// Preload warms the backend up so the first real segment does not
	// pay model-load latency. Optional; implementations may no-op.
	Preload(ctx context.Context) error

	// TranscribeAudio recognizes a buffered speech segment of float32
	// samples in [-1, 1] at the given rate.
	TranscribeAudio(ctx context.Context, samples []float32, sampleRate int) (*Result, error)

	// TranscribeFile recognizes an audio file on disk.
	TranscribeFile(ctx context.Context, path string) (*Result, error)

	// Close releases backend resources.
	Close() error
}
