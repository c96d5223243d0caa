// Command soundscribe is a long-running microphone recorder: it gates
// capture with Silero VAD so only speech reaches disk, rotates archives
// on a wall-clock interval, and transcribes speech segments in the
// background into per-archive sidecar documents.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/soundscribe/soundscribe/pkg/asr"
	"github.com/soundscribe/soundscribe/pkg/capture"
	"github.com/soundscribe/soundscribe/pkg/recorder"
	"github.com/soundscribe/soundscribe/pkg/trace"
	"github.com/soundscribe/soundscribe/pkg/vad"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	cfg := recorder.DefaultConfig()

	device := pflag.String("device", "default", "input device: 'default', an index, ':N', or a name substring")
	outputDir := pflag.String("output-dir", "recordings", "root directory for date-partitioned archive segments")
	prefix := pflag.String("prefix", "scribe", "archive filename prefix")
	listDevices := pflag.Bool("list-devices", false, "enumerate capture devices and exit")
	totalHours := pflag.Float64("total-hours", 24.0, "total recording duration in hours (<=0 runs until interrupted)")
	segmentMinutes := pflag.Float64("segment-minutes", cfg.MaxSegmentMinutes, "archive rotation interval in minutes")

	vadModel := pflag.String("vad-model", "models/silero_vad.onnx", "path to the Silero VAD onnx model")
	vadThreshold := pflag.Float64("vad-threshold", 0.5, "speech probability threshold")

	disableASR := pflag.Bool("disable-asr", false, "capture audio only; sidecars are left for offline transcription")
	asrBackend := pflag.String("asr-backend", "openai", "transcription backend: openai or sherpa")
	asrModel := pflag.String("asr-model", "", "ASR model id (openai) or model directory (sherpa)")
	asrLanguage := pflag.String("asr-language", "auto", "language name for ASR, or 'auto' to detect")
	asrDevice := pflag.String("asr-device", "auto", "device map for local ASR (auto, cpu, cuda:0, mps)")
	asrDtype := pflag.String("asr-dtype", "auto", "dtype for local ASR (auto, float16, bfloat16, float32)")
	asrMaxNewTokens := pflag.Int("asr-max-new-tokens", 256, "max new tokens per segment")
	asrMaxBatch := pflag.Int("asr-max-batch-size", 1, "max inference batch size")
	asrPreload := pflag.Bool("asr-preload", false, "load the ASR model before recording starts")

	pflag.Float64Var(&cfg.DeviceCheckSeconds, "device-check-seconds", cfg.DeviceCheckSeconds, "seconds between microphone health checks (<=0 disables)")
	pflag.Float64Var(&cfg.DeviceRetrySeconds, "device-retry-seconds", cfg.DeviceRetrySeconds, "seconds to wait before retrying after a device error")
	pflag.BoolVar(&cfg.AutoSwitchEnabled, "auto-switch-device", cfg.AutoSwitchEnabled, "automatically switch to the input device with usable audio")
	pflag.Float64Var(&cfg.AutoSwitchScanSeconds, "auto-switch-scan-seconds", cfg.AutoSwitchScanSeconds, "seconds between active-microphone scans")
	pflag.Float64Var(&cfg.AutoSwitchProbeSeconds, "auto-switch-probe-seconds", cfg.AutoSwitchProbeSeconds, "probe duration per candidate device")
	pflag.IntVar(&cfg.AutoSwitchMaxCandidatesPerScan, "auto-switch-max-candidates-per-scan", cfg.AutoSwitchMaxCandidatesPerScan, "candidates probed per scan")
	pflag.Float64Var(&cfg.AutoSwitchMinRMS, "auto-switch-min-rms", cfg.AutoSwitchMinRMS, "minimum RMS for a candidate to count as active")
	pflag.Float64Var(&cfg.AutoSwitchMinRatio, "auto-switch-min-ratio", cfg.AutoSwitchMinRatio, "required loudness ratio over the current microphone")
	pflag.Float64Var(&cfg.AutoSwitchCooldownSeconds, "auto-switch-cooldown-seconds", cfg.AutoSwitchCooldownSeconds, "minimum seconds between switches")
	pflag.IntVar(&cfg.AutoSwitchConfirmations, "auto-switch-confirmations", cfg.AutoSwitchConfirmations, "consecutive winning scans required before switching")
	excludeKeywords := pflag.String("exclude-device-keywords", strings.Join(cfg.ExcludedInputKeywords, ","), "comma-separated device name substrings to ignore")
	pflag.BoolVar(&cfg.ConsoleFeedbackEnabled, "console-feedback", cfg.ConsoleFeedbackEnabled, "show the in-place recording meter")
	pflag.Float64Var(&cfg.ConsoleFeedbackHz, "console-feedback-hz", cfg.ConsoleFeedbackHz, "refresh rate for the recording meter")
	verbose := pflag.Bool("verbose", false, "debug logging")
	pflag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	cfg.MaxSegmentMinutes = *segmentMinutes
	cfg.ExcludedInputKeywords = splitKeywords(*excludeKeywords)

	ctx := context.Background()
	if err := trace.Initialize(ctx, trace.DefaultConfig()); err != nil {
		logger.Error("failed to initialize tracing", "err", err)
		return 1
	}
	defer trace.Shutdown(ctx)

	sys, err := capture.NewMalgoSystem(logger)
	if err != nil {
		logger.Error("audio backend unavailable", "err", err)
		return 1
	}
	defer sys.Close()

	if *listDevices {
		return printDevices(sys)
	}

	gate, err := vad.NewSileroGate(vad.SileroConfig{
		ModelPath:   *vadModel,
		SampleRate:  cfg.SampleRate,
		Threshold:   float32(*vadThreshold),
		SpeechPadMs: cfg.SpeechPadMs,
	})
	if err != nil {
		logger.Error("failed to load VAD model", "model", *vadModel, "err", err)
		return 1
	}
	defer gate.Destroy()

	var transcriber asr.Transcriber
	if !*disableASR {
		transcriber, err = buildTranscriber(*asrBackend, asr.Config{
			Model:        *asrModel,
			Language:     *asrLanguage,
			Device:       *asrDevice,
			Dtype:        *asrDtype,
			MaxNewTokens: *asrMaxNewTokens,
			MaxBatch:     *asrMaxBatch,
		}, cfg.SampleRate)
		if err != nil {
			logger.Error("failed to build transcriber", "backend", *asrBackend, "err", err)
			return 1
		}
		if err := transcriber.VerifyDependencies(); err != nil {
			logger.Error("transcriber dependencies missing", "backend", *asrBackend, "err", err)
			return 1
		}
		if *asrPreload {
			logger.Info("Loading ASR model...")
			if err := transcriber.Preload(ctx); err != nil {
				logger.Error("failed to preload ASR model", "err", err)
				return 1
			}
		}
		defer transcriber.Close()
	}

	rec := recorder.New(recorder.Options{
		OutputDir:   *outputDir,
		Prefix:      *prefix,
		Device:      *device,
		Config:      cfg,
		System:      sys,
		Gate:        gate,
		Transcriber: transcriber,
		Logger:      logger,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Stopping recorder...")
		rec.Stop()
	}()
	if *totalHours > 0 {
		timer := time.AfterFunc(time.Duration(*totalHours*float64(time.Hour)), func() {
			logger.Info("Total duration reached. Stopping recorder.")
			rec.Stop()
		})
		defer timer.Stop()
	}

	logger.Info("Recording", "device", *device, "output", *outputDir,
		"segment_minutes", cfg.MaxSegmentMinutes, "asr", transcriber != nil)
	if err := rec.Run(); err != nil {
		logger.Error("recorder failed", "err", err)
		return 2
	}
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

func printDevices(sys *capture.MalgoSystem) int {
	devices, err := sys.InputDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to enumerate devices: %v\n", err)
		return 1
	}
	for _, d := range devices {
		marker := " "
		if d.IsDefault {
			marker = "*"
		}
		fmt.Printf("%s %3d  %s\n", marker, d.Index, d.Name)
	}
	return 0
}

func splitKeywords(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
