package audio

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestWavWriter_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.wav")

	w, err := NewWavWriter(path, 16000, 1)
	if err != nil {
		t.Fatalf("NewWavWriter: %v", err)
	}

	in := make([]float32, 1600)
	for i := range in {
		in[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 16000))
	}
	if err := w.WriteFloat32(in[:800]); err != nil {
		t.Fatalf("WriteFloat32: %v", err)
	}
	if err := w.WriteFloat32(in[800:]); err != nil {
		t.Fatalf("WriteFloat32: %v", err)
	}
	if w.Frames() != 1600 {
		t.Errorf("Expected 1600 frames, got %d", w.Frames())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out, rate, err := ReadWavFile(path)
	if err != nil {
		t.Fatalf("ReadWavFile: %v", err)
	}
	if rate != 16000 {
		t.Errorf("Expected rate 16000, got %d", rate)
	}
	if len(out) != len(in) {
		t.Fatalf("Expected %d samples, got %d", len(in), len(out))
	}
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 1.0/32768+1e-6 {
			t.Fatalf("Sample %d: wrote %v read %v", i, in[i], out[i])
		}
	}
}

func TestWavWriter_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")

	w, err := NewWavWriter(path, 16000, 1)
	if err != nil {
		t.Fatalf("NewWavWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != wavHeaderSize {
		t.Errorf("Expected header-only file of %d bytes, got %d", wavHeaderSize, info.Size())
	}

	out, _, err := ReadWavFile(path)
	if err != nil {
		t.Fatalf("ReadWavFile: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("Expected 0 frames, got %d", len(out))
	}
}

func TestWavWriter_Clipping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")

	w, err := NewWavWriter(path, 16000, 1)
	if err != nil {
		t.Fatalf("NewWavWriter: %v", err)
	}
	if err := w.WriteFloat32([]float32{2.0, -2.0}); err != nil {
		t.Fatalf("WriteFloat32: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out, _, err := ReadWavFile(path)
	if err != nil {
		t.Fatalf("ReadWavFile: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(out))
	}
	if out[0] < 0.99 || out[1] > -0.99 {
		t.Errorf("Expected clipped full-scale samples, got %v", out)
	}
}
