package sidecar

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDoc() *Document {
	return &Document{
		AudioFile:        "take_live_20250101_120000.wav",
		AudioPath:        "/tmp/take_live_20250101_120000.wav",
		SegmentStart:     "20250101_120000",
		SegmentStartTime: "2025-01-01T12:00:00+09:00",
		CreatedAt:        "2025-01-01T12:00:00+09:00",
		Model:            "whisper-1",
		Backend:          "openai-whisper",
		InputDevice:      "1:MacBook Pro Microphone",
		AutoSwitchDevice: true,
		ASREnabled:       true,
		ASRMode:          ModeLive,
		SpeechSegments:   []Segment{},
		Status:           StatusRecording,
	}
}

func TestStore_RoundTrip(t *testing.T) {
	store := NewStore()
	path := filepath.Join(t.TempDir(), "seg.json")

	in := testDoc()
	require.NoError(t, store.Write(path, in))

	out, err := store.Read(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestStore_ReadTolerant(t *testing.T) {
	store := NewStore()
	dir := t.TempDir()

	// Missing file reads as an empty document.
	doc, err := store.Read(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, doc.Status)

	// Corrupt file reads as an empty document too.
	path := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))
	doc, err = store.Read(path)
	require.NoError(t, err)
	assert.Empty(t, doc.SpeechSegments)
}

func TestStore_AppendSegmentRollups(t *testing.T) {
	store := NewStore()
	path := filepath.Join(t.TempDir(), "seg.json")
	require.NoError(t, store.Write(path, testDoc()))

	require.NoError(t, store.AppendSegment(path, Segment{
		StartTimeISO: "2025-01-01T12:00:01+09:00",
		EndTimeISO:   "2025-01-01T12:00:02+09:00",
		Language:     "en",
		Text:         "hello world",
	}))
	require.NoError(t, store.AppendSegment(path, Segment{
		StartTimeISO: "2025-01-01T12:00:05+09:00",
		EndTimeISO:   "2025-01-01T12:00:06+09:00",
		Language:     "ja",
		Text:         "こんにちは",
	}))

	doc, err := store.Read(path)
	require.NoError(t, err)
	require.Len(t, doc.SpeechSegments, 2)
	assert.Equal(t, "hello world\nこんにちは", doc.Text)
	require.NotNil(t, doc.Language)
	assert.Equal(t, "en, ja", *doc.Language)
	assert.Equal(t, StatusOK, doc.Status)
}

func TestStore_PendingAccounting(t *testing.T) {
	store := NewStore()
	path := "/tmp/a.json"

	assert.Equal(t, 0, store.Pending(path))
	store.IncPending(path)
	store.IncPending(path)
	assert.Equal(t, 2, store.Pending(path))
	store.DecPending(path)
	assert.Equal(t, 1, store.Pending(path))
	store.DecPending(path)
	assert.Equal(t, 0, store.Pending(path))

	// Decrement below zero stays clamped at zero.
	store.DecPending(path)
	assert.Equal(t, 0, store.Pending(path))

	store.IncPending(path)
	store.ResetPending(path)
	assert.Equal(t, 0, store.Pending(path))
}

func TestStore_FinalizeLiveStatusTable(t *testing.T) {
	cases := []struct {
		name       string
		asrEnabled bool
		hadSpeech  bool
		pending    int
		transcript bool
		want       string
	}{
		{"disabled no speech", false, false, 0, false, StatusNoSpeech},
		{"disabled with speech", false, true, 0, false, StatusPendingASR},
		{"enabled transcript", true, true, 0, true, StatusOK},
		{"enabled pending", true, true, 2, false, StatusPendingASR},
		{"enabled idle", true, false, 0, false, StatusNoSpeech},
		{"enabled no text", true, true, 0, false, StatusNoText},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewStore()
			path := filepath.Join(t.TempDir(), "seg.json")
			doc := testDoc()
			doc.ASREnabled = tc.asrEnabled
			require.NoError(t, store.Write(path, doc))

			if tc.transcript {
				require.NoError(t, store.AppendSegment(path, Segment{Text: "words", Language: "en"}))
			}
			for i := 0; i < tc.pending; i++ {
				store.IncPending(path)
			}

			status, err := store.FinalizeLive(path, tc.asrEnabled, tc.hadSpeech)
			require.NoError(t, err)
			assert.Equal(t, tc.want, status)

			onDisk, err := store.Read(path)
			require.NoError(t, err)
			assert.Equal(t, tc.want, onDisk.Status)
		})
	}
}

func TestStore_FinalizeKeepsOK(t *testing.T) {
	store := NewStore()
	path := filepath.Join(t.TempDir(), "seg.json")
	require.NoError(t, store.Write(path, testDoc()))
	require.NoError(t, store.AppendSegment(path, Segment{Text: "late transcript"}))

	// Even with odd flag combinations, an ok document stays ok.
	status, err := store.FinalizeLive(path, true, false)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
}

// A concurrent reader must always observe a complete JSON document,
// never a truncated one.
func TestStore_AtomicWritesUnderLoad(t *testing.T) {
	store := NewStore()
	path := filepath.Join(t.TempDir(), "seg.json")
	require.NoError(t, store.Write(path, testDoc()))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = store.AppendSegment(path, Segment{Text: "chunk", Language: "en"})
		}
		close(stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				continue // rename window
			}
			var doc map[string]any
			if err := json.Unmarshal(raw, &doc); err != nil {
				t.Errorf("observed torn sidecar: %v", err)
				return
			}
		}
	}()

	wg.Wait()

	doc, err := store.Read(path)
	require.NoError(t, err)
	assert.Len(t, doc.SpeechSegments, 200)
}
