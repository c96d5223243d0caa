package asr

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// SupportedExtensions lists the containers the offline scanner picks up.
var SupportedExtensions = []string{".wav", ".m4a", ".mp3", ".flac", ".ogg", ".aac", ".webm", ".opus"}

// IsSupportedAudioFile reports whether the filename has a scannable
// audio extension.
func IsSupportedAudioFile(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, supported := range SupportedExtensions {
		if ext == supported {
			return true
		}
	}
	return false
}

// FFmpegPath resolves the external decoder binary: FFMPEG_PATH when set,
// otherwise "ffmpeg" from PATH.
func FFmpegPath() (string, error) {
	if p := os.Getenv("FFMPEG_PATH"); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("FFMPEG_PATH %q: %w", p, err)
		}
		return p, nil
	}
	p, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found: set FFMPEG_PATH or install ffmpeg")
	}
	return p, nil
}

// CacheDir resolves the transcode workspace: ASR_CACHE_DIR when set,
// otherwise <cwd>/.context/cache/asr. The directory is created.
func CacheDir() (string, error) {
	dir := os.Getenv("ASR_CACHE_DIR")
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		dir = filepath.Join(cwd, ".context", "cache", "asr")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	return dir, nil
}

// DecodeToWav converts an audio container to 16-bit mono WAV at the
// given rate inside the cache dir and returns the produced path. The
// caller removes the file when done.
func DecodeToWav(inputPath string, sampleRate int) (string, error) {
	ffmpeg, err := FFmpegPath()
	if err != nil {
		return "", err
	}
	cacheDir, err := CacheDir()
	if err != nil {
		return "", err
	}

	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	outputPath := filepath.Join(cacheDir, base+".wav")

	cmd := exec.Command(ffmpeg,
		"-i", inputPath,
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-ac", "1",
		"-f", "wav",
		"-loglevel", "error",
		"-y",
		outputPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ffmpeg decode failed: %w\noutput: %s", err, string(output))
	}
	return outputPath, nil
}
