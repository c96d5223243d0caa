package recorder

import (
	"strings"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
)

func TestFormatElapsed(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "00:00:00", formatElapsed(time.Time{}, base))
	assert.Equal(t, "00:00:05", formatElapsed(base, base.Add(5*time.Second)))
	assert.Equal(t, "01:01:01", formatElapsed(base, base.Add(3661*time.Second)))
}

func TestLevelMeter(t *testing.T) {
	r := &Renderer{cfg: DefaultConfig()}

	// Silence: empty bar.
	assert.Equal(t, "["+strings.Repeat("-", 20)+"]", r.levelMeter(0))

	// Full scale: 0 dBFS is above the -18 dB ceiling, bar is full.
	assert.Equal(t, "["+strings.Repeat("#", 20)+"]", r.levelMeter(1.0))

	// Faint but non-zero audio shows at least one tick.
	bar := r.levelMeter(1e-6)
	assert.Contains(t, bar, "#")

	// Mid-range level is partially filled.
	bar = r.levelMeter(0.01) // -40 dB
	filled := strings.Count(bar, "#")
	assert.Greater(t, filled, 1)
	assert.Less(t, filled, 20)
}

func TestTruncateDisplay_EastAsianWidths(t *testing.T) {
	// ASCII passes through when it fits.
	assert.Equal(t, "hello", truncateDisplay("hello", 10))

	// CJK characters count two columns each.
	got := truncateDisplay("こんにちは世界", 8)
	assert.LessOrEqual(t, runewidth.StringWidth(got), 8)
	assert.True(t, strings.HasSuffix(got, "..."))

	// Width zero yields nothing.
	assert.Equal(t, "", truncateDisplay("abc", 0))
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "short", shorten("short", 10))
	assert.Equal(t, "long st...", shorten("long string here", 10))
	assert.Equal(t, "ab", shorten("abcdef", 2))
}

func TestRenderer_HistoryPreview(t *testing.T) {
	cfg := DefaultConfig()
	r := &Renderer{cfg: cfg, now: time.Now}

	assert.Equal(t, "", r.historyPreview())

	r.RecordASRText("  one   two ")
	r.RecordASRText("three")
	r.RecordASRText("four")
	r.RecordASRText("five")

	// Only the most recent three entries, whitespace-normalized.
	assert.Equal(t, "three | four | five", r.historyPreview())

	// Blank transcripts are ignored.
	r.RecordASRText("   ")
	assert.Equal(t, "three | four | five", r.historyPreview())
}

func TestRenderer_PreviewHoldExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsoleASRPreviewHoldSeconds = 30
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &Renderer{cfg: cfg, now: func() time.Time { return now }}

	r.RecordASRText("fresh words")
	assert.Equal(t, "fresh words", r.historyPreview())

	now = now.Add(31 * time.Second)
	assert.Equal(t, "", r.historyPreview())
}

func TestRenderer_HistoryBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsoleASRHistorySize = 3
	r := &Renderer{cfg: cfg, now: time.Now}

	for _, s := range []string{"a", "b", "c", "d", "e"} {
		r.RecordASRText(s)
	}
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	assert.Equal(t, []string{"c", "d", "e"}, r.history)
}

func TestRenderer_DisabledWithoutTTY(t *testing.T) {
	// Test processes have no TTY, so the renderer must stay silent and
	// all calls must be safe no-ops.
	r := NewRenderer(DefaultConfig())
	assert.False(t, r.Enabled())
	r.Render(ConsoleState{RMS: 0.5, InSpeech: true, DeviceLabel: "1:Mic"}, true)
	r.Clear()
}
