package sidecar

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store serializes every sidecar read-modify-write cycle and keeps the
// pending-job table. The table lives inside the same lock as the writes
// so a close-time status always reflects every job enqueued before it.
type Store struct {
	mu      sync.Mutex
	pending map[string]int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{pending: make(map[string]int)}
}

// Write replaces the document at path atomically.
func (s *Store) Write(path string, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(path, doc)
}

// Read returns the document at path. Missing or unparseable files come
// back as an empty document so a damaged sidecar never stops capture.
func (s *Store) Read(path string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readTolerant(path), nil
}

// AppendSegment merges one transcribed segment into the document at
// path, rebuilds the text and language rollups, and marks the document
// ok. This is the ASR worker's write; it applies even after the archive
// rotated away, because jobs carry their sidecar path.
func (s *Store) AppendSegment(path string, seg Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := readTolerant(path)
	doc.SpeechSegments = append(doc.SpeechSegments, seg)
	doc.recomputeRollups()
	doc.Status = StatusOK
	return writeJSONAtomic(path, doc)
}

// IncPending records one enqueued ASR job for the sidecar at path.
func (s *Store) IncPending(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[path]++
}

// DecPending records one completed (or failed) ASR job.
func (s *Store) DecPending(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := s.pending[path] - 1
	if remaining > 0 {
		s.pending[path] = remaining
	} else {
		delete(s.pending, path)
	}
}

// Pending returns the outstanding job count for the sidecar at path.
func (s *Store) Pending(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[path]
}

// ResetPending clears stale accounting when a sidecar path is reused.
func (s *Store) ResetPending(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, path)
}

// FinalizeLive computes and writes the closing status for a live-mode
// sidecar. A document already marked ok keeps its status; otherwise the
// outcome depends on whether ASR is enabled, whether speech was seen,
// whether transcripts landed, and whether jobs are still pending.
func (s *Store) FinalizeLive(path string, asrEnabled, hadSpeech bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := readTolerant(path)
	status := doc.Status
	if status != StatusOK {
		pending := s.pending[path]
		switch {
		case !asrEnabled && hadSpeech:
			status = StatusPendingASR
		case !asrEnabled:
			status = StatusNoSpeech
		case doc.hasTranscripts():
			status = StatusOK
		case pending > 0:
			status = StatusPendingASR
		case !hadSpeech:
			status = StatusNoSpeech
		default:
			status = StatusNoText
		}
	}
	doc.Status = status
	doc.ASREnabled = doc.ASREnabled || asrEnabled
	if err := writeJSONAtomic(path, doc); err != nil {
		return status, err
	}
	return status, nil
}

func readTolerant(path string) *Document {
	doc := &Document{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc
	}
	if err := json.Unmarshal(raw, doc); err != nil {
		return &Document{}
	}
	return doc
}

// writeJSONAtomic writes to a temp file in the target directory, syncs,
// and renames over the destination.
func writeJSONAtomic(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".sidecar-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp sidecar: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp sidecar: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp sidecar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp sidecar: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename sidecar: %w", err)
	}
	return nil
}
