// Package sidecar manages the JSON transcript document paired with every
// archive WAV file. All mutations go through a single process-wide lock
// and an atomic write-to-temp-then-rename, so a reader observes either
// the previous or the next state of a sidecar, never a torn one.
package sidecar

import (
	"sort"
	"strings"
)

// Status values a sidecar can carry.
const (
	StatusRecording  = "recording"
	StatusOK         = "ok"
	StatusNoSpeech   = "no_speech"
	StatusNoText     = "no_text"
	StatusPendingASR = "pending_asr"
	StatusEmptyAudio = "empty_audio"
	StatusError      = "error"
)

// ASR modes recorded in a sidecar.
const (
	ModeLive     = "live"
	ModeOffline  = "offline"
	ModeDisabled = "disabled"
)

// Segment is one transcribed speech interval. Live segments carry ISO
// wall-clock bounds; offline segments carry seconds into the file.
type Segment struct {
	StartTimeISO string       `json:"start_time_iso,omitempty"`
	EndTimeISO   string       `json:"end_time_iso,omitempty"`
	StartSeconds *float64     `json:"start_seconds,omitempty"`
	EndSeconds   *float64     `json:"end_seconds,omitempty"`
	Language     string       `json:"language,omitempty"`
	Text         string       `json:"text"`
	TimeStamps   [][2]float64 `json:"time_stamps,omitempty"`
}

// Document is the sidecar transcript document.
type Document struct {
	AudioFile        string `json:"audio_file"`
	AudioPath        string `json:"audio_path"`
	SegmentStart     string `json:"segment_start,omitempty"`
	SegmentStartTime string `json:"segment_start_time,omitempty"`
	CreatedAt        string `json:"created_at,omitempty"`

	Model   string `json:"model,omitempty"`
	Backend string `json:"backend,omitempty"`
	Device  string `json:"device,omitempty"`
	Dtype   string `json:"dtype,omitempty"`

	InputDevice      string `json:"input_device,omitempty"`
	AutoSwitchDevice bool   `json:"auto_switch_device"`

	ASREnabled bool   `json:"asr_enabled"`
	ASRMode    string `json:"asr_mode,omitempty"`

	SpeechSegments []Segment `json:"speech_segments"`
	Text           string    `json:"text"`
	Language       *string   `json:"language"`
	Status         string    `json:"status,omitempty"`

	TranscribedAt string `json:"transcribed_at,omitempty"`
	Error         string `json:"error,omitempty"`
}

// recomputeRollups rebuilds the top-level text and language from the
// segment list: texts joined by newline, languages as a sorted unique
// comma-separated union or null.
func (d *Document) recomputeRollups() {
	texts := make([]string, 0, len(d.SpeechSegments))
	langSet := map[string]struct{}{}
	for _, seg := range d.SpeechSegments {
		if seg.Text != "" {
			texts = append(texts, seg.Text)
		}
		if seg.Language != "" {
			langSet[seg.Language] = struct{}{}
		}
	}
	d.Text = strings.Join(texts, "\n")

	if len(langSet) == 0 {
		d.Language = nil
		return
	}
	langs := make([]string, 0, len(langSet))
	for lang := range langSet {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	joined := strings.Join(langs, ", ")
	d.Language = &joined
}

// hasTranscripts reports whether at least one non-empty transcript has
// been appended.
func (d *Document) hasTranscripts() bool {
	for _, seg := range d.SpeechSegments {
		if strings.TrimSpace(seg.Text) != "" {
			return true
		}
	}
	return false
}
