package recorder

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/soundscribe/soundscribe/pkg/asr"
	"github.com/soundscribe/soundscribe/pkg/sidecar"
	"github.com/soundscribe/soundscribe/pkg/trace"
)

// asrJob is one buffered speech segment awaiting transcription. Jobs
// carry their sidecar path so a transcript still lands in the right
// document after the archive has rotated.
type asrJob struct {
	samples     []float32
	sampleRate  int
	startISO    string
	endISO      string
	sidecarPath string
}

// jobQueue is the unbounded FIFO between the segmenter and the worker.
// push never blocks: if the worker falls behind, memory grows with the
// backlog, which is the tolerable operational signal — the capture
// thread must not stall. Single consumer.
type jobQueue struct {
	mu     sync.Mutex
	jobs   []asrJob
	closed bool
	notify chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{notify: make(chan struct{}, 1)}
}

// push appends a job. Returns false when the queue is already closed.
func (q *jobQueue) push(job asrJob) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until a job arrives. The second return is false once the
// queue is closed and drained.
func (q *jobQueue) pop() (asrJob, bool) {
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			return job, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return asrJob{}, false
		}
		<-q.notify
	}
}

// close marks the end of input; queued jobs are still delivered.
func (q *jobQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// asrWorker drains jobs serially on a single background goroutine.
// Closing the queue is the shutdown sentinel: queued jobs finish first,
// and an in-flight transcription is never cancelled mid-job.
type asrWorker struct {
	transcriber asr.Transcriber
	store       *sidecar.Store
	logger      *log.Logger
	onText      func(text string)

	queue *jobQueue
	done  chan struct{}
}

func newASRWorker(transcriber asr.Transcriber, store *sidecar.Store, logger *log.Logger, onText func(string)) *asrWorker {
	return &asrWorker{
		transcriber: transcriber,
		store:       store,
		logger:      logger,
		onText:      onText,
		queue:       newJobQueue(),
		done:        make(chan struct{}),
	}
}

func (w *asrWorker) start() {
	go w.loop()
}

func (w *asrWorker) loop() {
	defer close(w.done)
	info := w.transcriber.Info()
	for {
		job, ok := w.queue.pop()
		if !ok {
			return
		}
		w.process(info, job)
		w.store.DecPending(job.sidecarPath)
	}
}

func (w *asrWorker) process(info asr.Info, job asrJob) {
	ctx, span := trace.InstrumentASRJob(context.Background(), info.Backend, info.Model, len(job.samples))
	defer span.End()

	result, err := w.transcriber.TranscribeAudio(ctx, job.samples, job.sampleRate)
	if err != nil {
		w.logger.Warn("transcription failed", "sidecar", job.sidecarPath, "err", err)
		return
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return
	}

	if w.onText != nil {
		w.onText(text)
	}
	seg := sidecar.Segment{
		StartTimeISO: job.startISO,
		EndTimeISO:   job.endISO,
		Language:     strings.TrimSpace(result.Language),
		Text:         text,
	}
	if err := w.store.AppendSegment(job.sidecarPath, seg); err != nil {
		w.logger.Warn("failed to merge transcript", "sidecar", job.sidecarPath, "err", err)
	}
}

// enqueue registers the job in the pending table and hands it to the
// worker. The pending increment happens before the push so a close
// status computed in between still counts the job.
func (w *asrWorker) enqueue(job asrJob) {
	w.store.IncPending(job.sidecarPath)
	if !w.queue.push(job) {
		// Queue already closed: the job will never run, so the count
		// must not dangle.
		w.store.DecPending(job.sidecarPath)
	}
}

// stop closes the queue and waits up to timeout for the worker to
// drain. A worker stuck in a slow transcription is left to finish on
// its own; its sidecar writes remain valid.
func (w *asrWorker) stop(timeout time.Duration) {
	w.queue.close()
	select {
	case <-w.done:
	case <-time.After(timeout):
	}
}
