package recorder

import (
	"fmt"
	"sort"
	"time"

	"github.com/soundscribe/soundscribe/pkg/audio"
	"github.com/soundscribe/soundscribe/pkg/vad"
)

// processBlock splits an incoming audio block into VAD-sized chunks.
// A trailing partial chunk is dropped; the backend delivers full
// periods so this only happens on teardown.
func (r *Recorder) processBlock(block []float32) error {
	chunkSamples := r.cfg.ChunkSamples()
	for off := 0; off+chunkSamples <= len(block); off += chunkSamples {
		if err := r.processChunk(block[off : off+chunkSamples]); err != nil {
			return err
		}
	}
	return nil
}

// processChunk walks one chunk through the VAD events: speech intervals
// go to the archive writer and the ASR buffer, silence is dropped.
func (r *Recorder) processChunk(chunk []float32) error {
	r.lastRMS = audio.SmoothRMS(r.lastRMS, audio.RMS(chunk))

	events, err := r.gate.DetectChunk(chunk)
	if err != nil {
		r.logger.Warn("vad detection failed", "err", err)
		events = nil
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Offset < events[j].Offset })

	now := r.now()
	cursor := 0
	for _, ev := range events {
		switch ev.Type {
		case vad.SpeechStart:
			if !r.inSpeech {
				r.inSpeech = true
				r.speechStartSample = r.totalSamples + int64(ev.Offset)
				r.speechStartTime = r.streamStart.Add(r.samplesToDuration(r.speechStartSample))
				r.hasPendingEnd = false
			}
			cursor = ev.Offset
		case vad.SpeechEnd:
			if !r.inSpeech {
				continue
			}
			end := ev.Offset
			if end > cursor && r.transcriber != nil {
				r.bufferSpeech(chunk[cursor:end])
			}
			if err := r.writeSpeech(chunk[cursor:end]); err != nil {
				return err
			}
			r.hadSpeech = true
			r.pendingEndSample = r.totalSamples + int64(end)
			r.hasPendingEnd = true
			r.pendingEndTime = now
			r.inSpeech = false
			cursor = end
		}
	}

	if r.inSpeech {
		if r.transcriber != nil {
			r.bufferSpeech(chunk[cursor:])
		}
		if err := r.writeSpeech(chunk[cursor:]); err != nil {
			return err
		}
		r.hadSpeech = true
		r.lastVoiceTime = now
		if r.shouldFlushSpeech(now) {
			r.finalizeSpeechSegment(r.totalSamples + int64(len(chunk)))
		}
	} else if r.hasPendingEnd {
		silence := now.Sub(r.pendingEndTime)
		if silence >= time.Duration(r.cfg.MinSilenceMs)*time.Millisecond {
			r.finalizeSpeechSegment(r.pendingEndSample)
		}
	}

	r.totalSamples += int64(len(chunk))
	return nil
}

func (r *Recorder) writeSpeech(samples []float32) error {
	if r.writer == nil || len(samples) == 0 {
		return nil
	}
	if err := r.writer.WriteFloat32(samples); err != nil {
		return fmt.Errorf("write archive samples: %w", err)
	}
	return nil
}

func (r *Recorder) bufferSpeech(samples []float32) {
	if len(samples) == 0 {
		return
	}
	r.speechBuffer = append(r.speechBuffer, samples)
}

// shouldFlushSpeech caps a single speech run: a monologue longer than
// MaxSpeechSegmentSeconds is flushed to ASR without closing the archive.
func (r *Recorder) shouldFlushSpeech(now time.Time) bool {
	if r.speechStartTime.IsZero() {
		return false
	}
	return now.Sub(r.speechStartTime) >= secondsToDuration(r.cfg.MaxSpeechSegmentSeconds)
}

// finalizeSpeechSegment turns the buffered speech run into one ASR job
// and resets the run state. Without a transcriber the buffer is simply
// discarded; the audio is already in the archive.
func (r *Recorder) finalizeSpeechSegment(endSample int64) {
	if len(r.speechBuffer) == 0 {
		r.resetSpeechState()
		return
	}
	if r.transcriber == nil || r.worker == nil || r.sidecarPath == "" {
		r.speechBuffer = nil
		r.resetSpeechState()
		return
	}

	total := 0
	for _, b := range r.speechBuffer {
		total += len(b)
	}
	samples := make([]float32, 0, total)
	for _, b := range r.speechBuffer {
		samples = append(samples, b...)
	}
	r.speechBuffer = nil

	startISO := r.streamStart.Add(r.samplesToDuration(r.speechStartSample)).Format(isoLayout)
	endISO := r.streamStart.Add(r.samplesToDuration(endSample)).Format(isoLayout)
	r.worker.enqueue(asrJob{
		samples:     samples,
		sampleRate:  r.cfg.SampleRate,
		startISO:    startISO,
		endISO:      endISO,
		sidecarPath: r.sidecarPath,
	})
	r.resetSpeechState()
}

func (r *Recorder) resetSpeechState() {
	r.inSpeech = false
	r.speechStartSample = 0
	r.speechStartTime = time.Time{}
	r.hasPendingEnd = false
	r.pendingEndSample = 0
	r.pendingEndTime = time.Time{}
}

func (r *Recorder) samplesToDuration(samples int64) time.Duration {
	return time.Duration(samples * int64(time.Second) / int64(r.cfg.SampleRate))
}
