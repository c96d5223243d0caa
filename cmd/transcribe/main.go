// Command transcribe scans an archive directory for recordings whose
// sidecar has not reached a final transcript and transcribes them
// offline, writing the same sidecar schema the live recorder produces.
package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/soundscribe/soundscribe/pkg/asr"
	"github.com/soundscribe/soundscribe/pkg/audio"
	"github.com/soundscribe/soundscribe/pkg/sidecar"
)

const isoLayout = "2006-01-02T15:04:05.000000-07:00"

type options struct {
	inputDir      string
	prefix        string
	watch         bool
	pollSeconds   float64
	settleSeconds float64
	force         bool
	limit         int
	sampleRate    int
}

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	var opts options
	pflag.StringVar(&opts.inputDir, "input-dir", "recordings", "directory to scan for recordings")
	pflag.StringVar(&opts.prefix, "prefix", "scribe", "recording filename prefix (used to parse timestamps)")
	pflag.BoolVar(&opts.watch, "watch", false, "continuously watch for new recordings")
	pflag.Float64Var(&opts.pollSeconds, "poll-seconds", 2.0, "polling interval when watching")
	pflag.Float64Var(&opts.settleSeconds, "settle-seconds", 3.0, "seconds a file must be unchanged before transcribing")
	pflag.BoolVar(&opts.force, "force", false, "re-transcribe even if a transcript already exists")
	pflag.IntVar(&opts.limit, "limit", 0, "maximum files per pass (0 = no limit)")
	pflag.IntVar(&opts.sampleRate, "sample-rate", 16000, "decode sample rate for non-WAV containers")

	asrBackend := pflag.String("asr-backend", "openai", "transcription backend: openai or sherpa")
	asrModel := pflag.String("asr-model", "", "ASR model id (openai) or model directory (sherpa)")
	asrLanguage := pflag.String("asr-language", "auto", "language name for ASR, or 'auto' to detect")
	asrDevice := pflag.String("asr-device", "auto", "device map for local ASR")
	asrDtype := pflag.String("asr-dtype", "auto", "dtype for local ASR")
	asrPreload := pflag.Bool("asr-preload", false, "load the ASR model before scanning")
	pflag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})

	transcriber, err := buildTranscriber(*asrBackend, asr.Config{
		Model:    *asrModel,
		Language: *asrLanguage,
		Device:   *asrDevice,
		Dtype:    *asrDtype,
	}, opts.sampleRate)
	if err != nil {
		logger.Error("failed to build transcriber", "backend", *asrBackend, "err", err)
		return 1
	}
	if err := transcriber.VerifyDependencies(); err != nil {
		logger.Error("transcriber dependencies missing", "err", err)
		return 1
	}
	if *asrPreload {
		logger.Info("Loading ASR model...")
		if err := transcriber.Preload(context.Background()); err != nil {
			logger.Error("failed to preload ASR model", "err", err)
			return 1
		}
	}
	defer transcriber.Close()

	scanner := &scanner{opts: opts, transcriber: transcriber, store: sidecar.NewStore(), logger: logger}
	if opts.watch {
		for {
			processed := scanner.runOnce()
			if processed == 0 {
				time.Sleep(time.Duration(maxFloat(0.1, opts.pollSeconds) * float64(time.Second)))
			}
		}
	}
	scanner.runOnce()
	return 0
}

func buildTranscriber(backend string, cfg asr.Config, sampleRate int) (asr.Transcriber, error) {
	switch backend {
	case "openai", "whisper":
		return asr.NewWhisperTranscriber("", cfg), nil
	case "sherpa", "local":
		return asr.NewSherpaTranscriber(cfg, sampleRate)
	default:
		return nil, fmt.Errorf("unknown ASR backend %q (want openai or sherpa)", backend)
	}
}

type scanner struct {
	opts        options
	transcriber asr.Transcriber
	store       *sidecar.Store
	logger      *log.Logger
}

func (s *scanner) runOnce() int {
	count := 0
	for _, audioPath := range s.listAudioFiles() {
		if s.opts.limit > 0 && count >= s.opts.limit {
			break
		}
		if !s.isStable(audioPath) {
			continue
		}
		jsonPath := transcriptPath(audioPath)
		existing, err := s.store.Read(jsonPath)
		if err != nil {
			continue
		}
		// A live recorder still owns this archive.
		if existing.Status == sidecar.StatusRecording {
			continue
		}
		if !s.opts.force && alreadyTranscribed(existing) {
			continue
		}
		if err := s.transcribeFile(audioPath, jsonPath); err != nil {
			s.logger.Error("failed to transcribe", "file", audioPath, "err", err)
			s.writeError(audioPath, jsonPath, err)
			continue
		}
		count++
	}
	return count
}

func (s *scanner) listAudioFiles() []string {
	var files []string
	_ = filepath.WalkDir(s.opts.inputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if asr.IsSupportedAudioFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files
}

func (s *scanner) isStable(path string) bool {
	if s.opts.settleSeconds <= 0 {
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()).Seconds() >= s.opts.settleSeconds
}

func (s *scanner) transcribeFile(audioPath, jsonPath string) error {
	doc, err := s.store.Read(jsonPath)
	if err != nil {
		return err
	}
	s.ensureBasePayload(doc, audioPath)

	wavPath := audioPath
	cleanup := func() {}
	if strings.ToLower(filepath.Ext(audioPath)) != ".wav" {
		decoded, err := asr.DecodeToWav(audioPath, s.opts.sampleRate)
		if err != nil {
			return err
		}
		wavPath = decoded
		cleanup = func() { os.Remove(decoded) }
	}
	defer cleanup()

	samples, rate, err := audio.ReadWavFile(wavPath)
	if err != nil {
		return err
	}
	duration := float64(len(samples)) / float64(rate)
	if len(samples) == 0 {
		s.logger.Warn("Skipping empty audio", "file", audioPath)
		s.finishDocument(doc, jsonPath, nil, "", nil, sidecar.StatusEmptyAudio)
		return nil
	}

	s.logger.Info("Transcribing", "file", audioPath)
	result, err := s.transcriber.TranscribeAudio(context.Background(), samples, rate)
	if err != nil {
		return err
	}

	text := strings.TrimSpace(result.Text)
	language := strings.TrimSpace(result.Language)
	var segments []sidecar.Segment
	if text != "" {
		start := 0.0
		end := duration
		seg := sidecar.Segment{
			StartSeconds: &start,
			EndSeconds:   &end,
			Language:     language,
			Text:         text,
		}
		if len(result.TimeStamps) > 0 {
			seg.TimeStamps = result.TimeStamps
		}
		segments = []sidecar.Segment{seg}
	}

	status := sidecar.StatusOK
	if text == "" {
		status = sidecar.StatusNoText
	}
	var langPtr *string
	if language != "" {
		langPtr = &language
	}
	s.finishDocument(doc, jsonPath, segments, text, langPtr, status)
	return nil
}

func (s *scanner) writeError(audioPath, jsonPath string, cause error) {
	doc, err := s.store.Read(jsonPath)
	if err != nil {
		return
	}
	s.ensureBasePayload(doc, audioPath)
	doc.Error = cause.Error()
	s.finishDocument(doc, jsonPath, nil, "", nil, sidecar.StatusError)
}

func (s *scanner) finishDocument(doc *sidecar.Document, jsonPath string, segments []sidecar.Segment, text string, language *string, status string) {
	if segments == nil {
		segments = []sidecar.Segment{}
	}
	info := s.transcriber.Info()
	doc.SpeechSegments = segments
	doc.Text = text
	doc.Language = language
	doc.Status = status
	doc.Model = info.Model
	doc.Backend = info.Backend
	doc.Device = info.Device
	doc.Dtype = info.Dtype
	doc.ASREnabled = true
	doc.ASRMode = sidecar.ModeOffline
	doc.TranscribedAt = time.Now().Format(isoLayout)
	if err := s.store.Write(jsonPath, doc); err != nil {
		s.logger.Error("failed to write sidecar", "path", jsonPath, "err", err)
	}
}

// ensureBasePayload fills identity fields for archives that never had a
// live sidecar, recovering the segment start stamp from the filename.
func (s *scanner) ensureBasePayload(doc *sidecar.Document, audioPath string) {
	if doc.AudioFile == "" {
		doc.AudioFile = filepath.Base(audioPath)
	}
	if doc.AudioPath == "" {
		if abs, err := filepath.Abs(audioPath); err == nil {
			doc.AudioPath = abs
		} else {
			doc.AudioPath = audioPath
		}
	}
	if doc.CreatedAt == "" {
		doc.CreatedAt = time.Now().Format(isoLayout)
	}
	if doc.SegmentStart == "" && s.opts.prefix != "" {
		base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
		marker := s.opts.prefix + "_live_"
		if strings.HasPrefix(base, marker) {
			stamp := base[len(marker):]
			if parsed, err := time.ParseInLocation("20060102_150405", stamp, time.Local); err == nil {
				doc.SegmentStart = stamp
				if doc.SegmentStartTime == "" {
					doc.SegmentStartTime = parsed.Format(isoLayout)
				}
			}
		}
	}
}

func alreadyTranscribed(doc *sidecar.Document) bool {
	if doc.Status == sidecar.StatusOK || doc.Text != "" {
		return true
	}
	for _, seg := range doc.SpeechSegments {
		if seg.Text != "" {
			return true
		}
	}
	return false
}

func transcriptPath(audioPath string) string {
	return strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + ".json"
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
