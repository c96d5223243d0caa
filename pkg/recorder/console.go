package recorder

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/soundscribe/soundscribe/pkg/audio"
)

// Log-scaled meter range. The floor sits well below room tone so quiet
// speech still moves the bar.
const (
	meterFloorDB   = -72.0
	meterCeilingDB = -18.0
)

// ConsoleState is the snapshot the orchestrator hands the renderer each
// refresh.
type ConsoleState struct {
	StreamStart time.Time
	RMS         float64
	InSpeech    bool
	DeviceLabel string
	AutoSwitch  bool
}

// Renderer draws the two-line TTY meter: a status line (elapsed, level
// bar, VAD state, microphone, auto-switch) and a rolling ASR preview.
// It stays silent when neither stdout nor stderr is a terminal, and it
// must never block capture: the preview state uses a try-lock and a
// contended frame is simply skipped.
type Renderer struct {
	cfg Config
	out *os.File

	lastRefresh time.Time
	active      bool
	lineCount   int

	stateMu         sync.Mutex
	lastPreviewTime time.Time
	history         []string

	now func() time.Time
}

// NewRenderer picks the feedback stream: stdout when interactive, else
// stderr, else none.
func NewRenderer(cfg Config) *Renderer {
	r := &Renderer{cfg: cfg, now: time.Now}
	if !cfg.ConsoleFeedbackEnabled {
		return r
	}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		r.out = os.Stdout
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		r.out = os.Stderr
	}
	return r
}

// Enabled reports whether the renderer has a terminal to draw on.
func (r *Renderer) Enabled() bool {
	return r.out != nil
}

// RecordASRText feeds a finished transcript into the preview state.
// Called from the ASR worker thread.
func (r *Renderer) RecordASRText(text string) {
	normalized := strings.Join(strings.Fields(text), " ")
	if normalized == "" {
		return
	}
	r.stateMu.Lock()
	r.lastPreviewTime = r.now()
	r.history = append(r.history, normalized)
	if size := r.cfg.ConsoleASRHistorySize; size > 0 && len(r.history) > size {
		r.history = r.history[len(r.history)-size:]
	}
	r.stateMu.Unlock()
}

// historyPreview joins the most recent transcripts. Uses a try-lock so
// a worker writing the preview never stalls the capture loop; on
// contention the previous frame's text is simply dropped for this one.
func (r *Renderer) historyPreview() string {
	if !r.cfg.ConsoleASRPreviewEnabled {
		return ""
	}
	if !r.stateMu.TryLock() {
		return ""
	}
	defer r.stateMu.Unlock()
	if len(r.history) == 0 {
		return ""
	}
	// Stale transcripts age out of the line.
	if hold := r.cfg.ConsoleASRPreviewHoldSeconds; hold > 0 {
		if r.now().Sub(r.lastPreviewTime) > secondsToDuration(hold) {
			return ""
		}
	}
	tail := r.history
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	return strings.Join(tail, " | ")
}

// Render refreshes the meter, rate-limited to ConsoleFeedbackHz.
func (r *Renderer) Render(st ConsoleState, force bool) {
	if r.out == nil {
		return
	}
	hz := r.cfg.ConsoleFeedbackHz
	if hz < 0.5 {
		hz = 0.5
	}
	now := r.now()
	if !force && now.Sub(r.lastRefresh) < time.Duration(float64(time.Second)/hz) {
		return
	}
	r.lastRefresh = now

	state := "IDLE"
	if st.InSpeech {
		state = "SPEECH"
	}
	autoState := "OFF"
	if st.AutoSwitch {
		autoState = "ON"
	}
	statusBase := fmt.Sprintf("REC %s | %s %6.1fdB | %s | MIC %s | AUTO %s",
		formatElapsed(st.StreamStart, now),
		r.levelMeter(st.RMS),
		audio.RMSToDB(st.RMS),
		state,
		shorten(st.DeviceLabel, 28),
		autoState,
	)

	widthLimit := r.terminalColumns() - 1
	statusLine := truncateDisplay(statusBase, widthLimit)
	asrPrefix := "ASR | "
	asrRemaining := widthLimit - runewidth.StringWidth(asrPrefix)
	if asrRemaining < 8 {
		asrRemaining = 8
	}
	asrLine := asrPrefix + truncateDisplay(r.historyPreview(), asrRemaining)

	if r.lineCount > 1 {
		fmt.Fprintf(r.out, "\x1b[%dA", r.lineCount-1)
	}
	fmt.Fprint(r.out, "\r\x1b[2K"+statusLine)
	fmt.Fprint(r.out, "\n\r\x1b[2K"+asrLine)
	r.active = true
	r.lineCount = 2
}

// Clear erases the meter lines so log output never interleaves with
// them. Safe to call when nothing is drawn.
func (r *Renderer) Clear() {
	if r.out == nil || !r.active {
		return
	}
	count := r.lineCount
	if count < 1 {
		count = 1
	}
	if count > 1 {
		fmt.Fprintf(r.out, "\x1b[%dA", count-1)
	}
	for i := 0; i < count; i++ {
		fmt.Fprint(r.out, "\r\x1b[2K")
		if i < count-1 {
			fmt.Fprint(r.out, "\n")
		}
	}
	r.active = false
	r.lineCount = 0
}

func (r *Renderer) levelMeter(rms float64) string {
	width := r.cfg.ConsoleMeterWidth
	if width < 8 {
		width = 8
	}
	db := audio.RMSToDB(rms)
	ratio := (db - meterFloorDB) / (meterCeilingDB - meterFloorDB)
	if ratio < 0 {
		ratio = 0
	} else if ratio > 1 {
		ratio = 1
	}
	filled := int(ratio*float64(width) + 0.5)
	if rms > 0 && filled == 0 {
		filled = 1
	}
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
}

func (r *Renderer) terminalColumns() int {
	width := 80
	if r.out != nil {
		if w, _, err := term.GetSize(int(r.out.Fd())); err == nil && w > 0 {
			width = w
		}
	}
	if width < 40 {
		width = 40
	}
	return width
}

func formatElapsed(start, now time.Time) string {
	if start.IsZero() {
		return "00:00:00"
	}
	elapsed := int(now.Sub(start).Seconds())
	if elapsed < 0 {
		elapsed = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", elapsed/3600, (elapsed%3600)/60, elapsed%60)
}

// truncateDisplay shortens text to a display width, counting East-Asian
// wide characters as two columns so CJK previews never overflow.
func truncateDisplay(text string, maxWidth int) string {
	if maxWidth <= 0 {
		return ""
	}
	if runewidth.StringWidth(text) <= maxWidth {
		return text
	}
	if maxWidth <= 3 {
		return runewidth.Truncate(text, maxWidth, "")
	}
	return runewidth.Truncate(text, maxWidth, "...")
}

func shorten(value string, maxLen int) string {
	text := strings.TrimSpace(value)
	if len(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return text[:maxLen]
	}
	return text[:maxLen-3] + "..."
}
