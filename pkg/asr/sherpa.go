package asr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/soundscribe/soundscribe/pkg/audio"
)

// SherpaTranscriber implements Transcriber using a local sherpa-onnx
// offline transducer model. Config.Model is the model directory holding
// encoder/decoder/joiner onnx files and tokens.txt.
type SherpaTranscriber struct {
	cfg        Config
	sampleRate int

	encoderPath string
	decoderPath string
	joinerPath  string
	tokensPath  string

	device string
	dtype  string

	recognizer *sherpa.OfflineRecognizer
}

// NewSherpaTranscriber creates a local sherpa-onnx backend. The model is
// loaded lazily on Preload or the first transcription.
func NewSherpaTranscriber(cfg Config, sampleRate int) (*SherpaTranscriber, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("sherpa backend needs a model directory")
	}

	device := cfg.Device
	if device == "" || device == "auto" {
		device = "cpu"
	}
	dtype := cfg.Dtype
	if dtype == "" || dtype == "auto" {
		dtype = "float32"
	}

	t := &SherpaTranscriber{
		cfg:        cfg,
		sampleRate: sampleRate,
		device:     device,
		dtype:      dtype,
	}
	t.encoderPath = findModelFile(cfg.Model, []string{"encoder.int8.onnx", "encoder.onnx"})
	t.decoderPath = findModelFile(cfg.Model, []string{"decoder.int8.onnx", "decoder.onnx"})
	t.joinerPath = findModelFile(cfg.Model, []string{"joiner.int8.onnx", "joiner.onnx"})
	t.tokensPath = findModelFile(cfg.Model, []string{"tokens.txt"})
	return t, nil
}

// findModelFile returns the first existing candidate under dir.
func findModelFile(dir string, candidates []string) string {
	for _, candidate := range candidates {
		path := filepath.Join(dir, candidate)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Info implements Transcriber.
func (t *SherpaTranscriber) Info() Info {
	return Info{
		Model:   filepath.Base(t.cfg.Model),
		Backend: "sherpa-onnx",
		Device:  t.device,
		Dtype:   t.dtype,
	}
}

// VerifyDependencies implements Transcriber.
func (t *SherpaTranscriber) VerifyDependencies() error {
	missing := []string{}
	for name, path := range map[string]string{
		"encoder": t.encoderPath,
		"decoder": t.decoderPath,
		"joiner":  t.joinerPath,
		"tokens":  t.tokensPath,
	} {
		if path == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("model files missing in %s: %s", t.cfg.Model, strings.Join(missing, ", "))
	}
	return nil
}

// Preload implements Transcriber: loads the model eagerly.
func (t *SherpaTranscriber) Preload(ctx context.Context) error {
	return t.load()
}

func (t *SherpaTranscriber) load() error {
	if t.recognizer != nil {
		return nil
	}
	if err := t.VerifyDependencies(); err != nil {
		return err
	}

	provider := "cpu"
	if strings.HasPrefix(t.device, "cuda") {
		provider = "cuda"
	}

	config := sherpa.OfflineRecognizerConfig{
		FeatConfig: sherpa.FeatureConfig{
			SampleRate: t.sampleRate,
			FeatureDim: 80,
		},
		ModelConfig: sherpa.OfflineModelConfig{
			Transducer: sherpa.OfflineTransducerModelConfig{
				Encoder: t.encoderPath,
				Decoder: t.decoderPath,
				Joiner:  t.joinerPath,
			},
			Tokens:     t.tokensPath,
			NumThreads: 2,
			Provider:   provider,
			Debug:      0,
		},
		DecodingMethod: "greedy_search",
		MaxActivePaths: 4,
	}

	recognizer := sherpa.NewOfflineRecognizer(&config)
	if recognizer == nil {
		return fmt.Errorf("failed to create offline recognizer from %s", t.cfg.Model)
	}
	t.recognizer = recognizer
	return nil
}

// TranscribeAudio implements Transcriber.
func (t *SherpaTranscriber) TranscribeAudio(ctx context.Context, samples []float32, sampleRate int) (*Result, error) {
	if err := t.load(); err != nil {
		return nil, err
	}
	// The ONNX model rejects inputs shorter than its receptive field.
	if len(samples) < sampleRate/10 {
		return &Result{}, nil
	}

	stream := sherpa.NewOfflineStream(t.recognizer)
	defer sherpa.DeleteOfflineStream(stream)

	stream.AcceptWaveform(sampleRate, samples)
	t.recognizer.Decode(stream)

	result := stream.GetResult()
	if result == nil {
		return &Result{}, nil
	}

	out := &Result{
		Text:     strings.TrimSpace(result.Text),
		Language: t.language(),
	}
	for i := range result.Tokens {
		if i >= len(result.Timestamps) {
			break
		}
		start := float64(result.Timestamps[i])
		end := start
		if i+1 < len(result.Timestamps) {
			end = float64(result.Timestamps[i+1])
		}
		out.TimeStamps = append(out.TimeStamps, [2]float64{start, end})
	}
	return out, nil
}

// TranscribeFile implements Transcriber. Only 16-bit PCM WAV is read;
// other containers are not decoded here and must be converted with
// DecodeToWav first.
func (t *SherpaTranscriber) TranscribeFile(ctx context.Context, path string) (*Result, error) {
	samples, rate, err := audio.ReadWavFile(path)
	if err != nil {
		return nil, err
	}
	return t.TranscribeAudio(ctx, samples, rate)
}

func (t *SherpaTranscriber) language() string {
	if t.cfg.Language != "" && t.cfg.Language != "auto" {
		return t.cfg.Language
	}
	return ""
}

// Close implements Transcriber.
func (t *SherpaTranscriber) Close() error {
	if t.recognizer != nil {
		sherpa.DeleteOfflineRecognizer(t.recognizer)
		t.recognizer = nil
	}
	return nil
}

// Ensure SherpaTranscriber implements Transcriber at compile time.
var _ Transcriber = (*SherpaTranscriber)(nil)
