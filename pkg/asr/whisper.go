package asr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/soundscribe/soundscribe/pkg/audio"
)

// WhisperTranscriber implements Transcriber using OpenAI's Whisper API.
type WhisperTranscriber struct {
	client *openai.Client
	cfg    Config
	apiKey string
}

// NewWhisperTranscriber creates a Whisper API backend. apiKey falls back
// to OPENAI_API_KEY; OPENAI_BASE_URL overrides the endpoint for
// compatible self-hosted servers.
func NewWhisperTranscriber(apiKey string, cfg Config) *WhisperTranscriber {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	if cfg.Model == "" || cfg.Model == "auto" {
		cfg.Model = openai.Whisper1
	}
	return &WhisperTranscriber{
		client: openai.NewClientWithConfig(clientConfig),
		cfg:    cfg,
		apiKey: apiKey,
	}
}

// Info implements Transcriber.
func (w *WhisperTranscriber) Info() Info {
	return Info{
		Model:   w.cfg.Model,
		Backend: "openai-whisper",
		Device:  "api",
	}
}

// VerifyDependencies implements Transcriber.
func (w *WhisperTranscriber) VerifyDependencies() error {
	if w.apiKey == "" && os.Getenv("OPENAI_BASE_URL") == "" {
		return fmt.Errorf("whisper backend needs OPENAI_API_KEY (or OPENAI_BASE_URL for a local server)")
	}
	return nil
}

// Preload implements Transcriber. The API backend has nothing to warm up.
func (w *WhisperTranscriber) Preload(ctx context.Context) error {
	return nil
}

// TranscribeAudio implements Transcriber.
func (w *WhisperTranscriber) TranscribeAudio(ctx context.Context, samples []float32, sampleRate int) (*Result, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("audio data is empty")
	}
	wav := audio.EncodeWavBytes(samples, sampleRate)
	return w.request(ctx, openai.AudioRequest{
		Model:    w.cfg.Model,
		FilePath: "segment.wav", // filename hint for the API
		Reader:   bytes.NewReader(wav),
	})
}

// TranscribeFile implements Transcriber. The API reads most containers
// natively, so the file is uploaded as-is.
func (w *WhisperTranscriber) TranscribeFile(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()
	return w.request(ctx, openai.AudioRequest{
		Model:    w.cfg.Model,
		FilePath: filepath.Base(path),
		Reader:   f,
	})
}

func (w *WhisperTranscriber) request(ctx context.Context, req openai.AudioRequest) (*Result, error) {
	req.Format = openai.AudioResponseFormatVerboseJSON
	if lang := w.cfg.Language; lang != "" && lang != "auto" {
		req.Language = lang
	}

	resp, err := w.client.CreateTranscription(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("whisper API request failed: %w", err)
	}

	result := &Result{
		Text:     strings.TrimSpace(resp.Text),
		Language: resp.Language,
	}
	for _, seg := range resp.Segments {
		result.TimeStamps = append(result.TimeStamps, [2]float64{seg.Start, seg.End})
	}
	return result, nil
}

// Close implements Transcriber.
func (w *WhisperTranscriber) Close() error {
	return nil
}

// Ensure WhisperTranscriber implements Transcriber at compile time.
var _ Transcriber = (*WhisperTranscriber)(nil)
