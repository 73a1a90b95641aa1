package holdtestrig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

const (
	defaultTranscodeWorkers = 1
	defaultTranscodeQueue   = 16
	finishedJobRetention    = 24 * time.Hour
)

// TranscodeJob converts one run's intermediate capture into its deliverable.
type TranscodeJob struct {
	ID     string `json:"id"`
	RunID  int64  `json:"run_id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// JobState is the lifecycle state of a single transcode job.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"

	// JobCancelled means the run's media was deleted before conversion finished.
	JobCancelled JobState = "cancelled"
)

// JobStatus is the pollable outcome of a transcode job.
type JobStatus struct {
	Job      TranscodeJob `json:"job"`
	State    JobState     `json:"state"`
	Message  string       `json:"message,omitempty"`
	Finished time.Time    `json:"finished,omitzero"`
}

// TranscodeStatus summarizes the pool: idle or running, plus the last message.
type TranscodeStatus struct {
	State   string `json:"state"`
	Message string `json:"message"`
	Active  int    `json:"active"`
	Queued  int    `json:"queued"`
}

// commandRunner runs an external tool and returns its combined output.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Transcoder stream-copies MJPEG captures into MP4 on a fixed pool of background workers.
// A failed job keeps its intermediate file for manual recovery; nothing is retried.
type Transcoder struct {
	logger    logging.Logger
	run       commandRunner
	frameRate int
	queue     chan TranscodeJob
	workers   *utils.StoppableWorkers

	mu      sync.Mutex
	active  int
	message string
	jobs    map[int64]JobStatus
	running map[int64]*runningJob
}

// runningJob is a job a worker has started, keyed by run id.
type runningJob struct {
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

func NewTranscoder(poolSize, frameRate int, logger logging.Logger) *Transcoder {
	return newTranscoder(poolSize, frameRate, execRunner, logger)
}

func newTranscoder(poolSize, frameRate int, run commandRunner, logger logging.Logger) *Transcoder {
	if poolSize <= 0 {
		poolSize = defaultTranscodeWorkers
	}
	if frameRate <= 0 {
		frameRate = defaultFrameRate
	}
	t := &Transcoder{
		logger:    logger,
		run:       run,
		frameRate: frameRate,
		queue:     make(chan TranscodeJob, defaultTranscodeQueue),
		workers:   utils.NewBackgroundStoppableWorkers(),
		jobs:      make(map[int64]JobStatus),
		running:   make(map[int64]*runningJob),
	}
	for i := 0; i < poolSize; i++ {
		t.workers.Add(t.worker)
	}
	return t
}

// Validate checks that ffmpeg can be executed.
func (t *Transcoder) Validate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if out, err := t.run(ctx, "ffmpeg", "-version"); err != nil {
		return fmt.Errorf("ffmpeg is not available, recordings stay in MJPEG form: %w (output: %s)", err, out)
	}
	return nil
}

// Submit queues a job. It blocks while the queue is full and fails once the
// transcoder is closed.
func (t *Transcoder) Submit(ctx context.Context, job TranscodeJob) (TranscodeJob, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	stopped := t.workers.Context().Done()
	select {
	case <-stopped:
		return job, ErrTranscoderClosed
	default:
	}

	t.mu.Lock()
	t.pruneLocked(time.Now())
	t.jobs[job.RunID] = JobStatus{Job: job, State: JobQueued}
	t.mu.Unlock()

	select {
	case t.queue <- job:
		// Close may have drained the queue between the first check and the send.
		select {
		case <-stopped:
			t.drain()
			return job, ErrTranscoderClosed
		default:
		}
		t.logger.Infof("queued transcode %s -> %s", job.Source, job.Target)
		return job, nil
	case <-stopped:
		t.setJob(job, JobFailed, ErrTranscoderClosed.Error())
		return job, ErrTranscoderClosed
	case <-ctx.Done():
		t.setJob(job, JobFailed, ctx.Err().Error())
		return job, ctx.Err()
	}
}

// Status reports whether any job is running and the most recent message.
func (t *Transcoder) Status() TranscodeStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	state := "idle"
	if t.active > 0 {
		state = "running"
	}
	return TranscodeStatus{
		State:   state,
		Message: t.message,
		Active:  t.active,
		Queued:  len(t.queue),
	}
}

// JobStatus returns the status of the latest job submitted for a run.
func (t *Transcoder) JobStatus(runID int64) (JobStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	js, ok := t.jobs[runID]
	return js, ok
}

// Cancel abandons the run's job. A queued job is skipped when dequeued. A running ffmpeg
// is killed, and Cancel returns once its partial output is removed. Runs without a pending
// job are ignored.
func (t *Transcoder) Cancel(runID int64) {
	t.mu.Lock()
	if rj, ok := t.running[runID]; ok {
		rj.cancelled = true
		rj.cancel()
		done := rj.done
		t.mu.Unlock()
		<-done
		return
	}
	if js, ok := t.jobs[runID]; ok && js.State == JobQueued {
		js.State = JobCancelled
		js.Message = fmt.Sprintf("Cancelled %s before conversion", js.Job.Source)
		js.Finished = time.Now()
		t.jobs[runID] = js
	}
	t.mu.Unlock()
}

// Close stops the workers. A job interrupted mid-conversion is marked failed and keeps
// its intermediate file; queued jobs are left unprocessed.
func (t *Transcoder) Close() {
	t.workers.Stop()
	t.drain()
}

func (t *Transcoder) drain() {
	for {
		select {
		case job := <-t.queue:
			if js, ok := t.JobStatus(job.RunID); ok && js.State == JobCancelled {
				continue
			}
			t.setJob(job, JobFailed, "transcoder stopped before job ran")
			t.logger.Warnf("transcode of %s not run, intermediate retained", job.Source)
		default:
			return
		}
	}
}

func (t *Transcoder) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-t.queue:
			t.process(ctx, job)
		}
	}
}

func (t *Transcoder) process(ctx context.Context, job TranscodeJob) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rj := &runningJob{cancel: cancel, done: make(chan struct{})}

	t.mu.Lock()
	if js, ok := t.jobs[job.RunID]; ok && js.Job.ID == job.ID && js.State == JobCancelled {
		t.mu.Unlock()
		t.logger.Infof("skipping cancelled transcode of %s", job.Source)
		return
	}
	t.active++
	t.message = fmt.Sprintf("Converting %s...", job.Source)
	t.jobs[job.RunID] = JobStatus{Job: job, State: JobRunning}
	t.running[job.RunID] = rj
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.active--
		delete(t.running, job.RunID)
		t.mu.Unlock()
		close(rj.done)
	}()

	start := time.Now()
	out, err := t.run(jobCtx, "ffmpeg",
		"-loglevel", "error",
		"-f", "mjpeg",
		"-framerate", strconv.Itoa(t.frameRate),
		"-i", job.Source,
		"-c:v", "copy",
		"-y",
		job.Target,
	)
	t.mu.Lock()
	cancelled := rj.cancelled
	t.mu.Unlock()
	if cancelled {
		for _, p := range []string{job.Target, job.Source} {
			if rmErr := os.Remove(p); rmErr != nil && !os.IsNotExist(rmErr) {
				t.logger.Warnf("removing %s of cancelled transcode: %v", p, rmErr)
			}
		}
		msg := fmt.Sprintf("Cancelled conversion of %s", job.Source)
		t.logger.Infof("%s", msg)
		t.setJob(job, JobCancelled, msg)
		return
	}
	if err == nil {
		if _, statErr := os.Stat(job.Target); statErr != nil {
			err = fmt.Errorf("ffmpeg reported success but output is missing: %w", statErr)
		}
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			err = fmt.Errorf("interrupted by shutdown: %w", err)
		}
		msg := fmt.Sprintf("ffmpeg error converting %s: %v %s", job.Source, err, out)
		t.logger.Errorf("%s (intermediate retained)", msg)
		t.setJob(job, JobFailed, msg)
		return
	}

	if err := os.Remove(job.Source); err != nil && !os.IsNotExist(err) {
		t.logger.Warnf("removing intermediate %s: %v", job.Source, err)
	}
	msg := fmt.Sprintf("Converted %s to %s in %v", job.Source, job.Target, time.Since(start).Round(time.Millisecond))
	t.logger.Infof("%s", msg)
	t.setJob(job, JobDone, msg)
}

func (t *Transcoder) setJob(job TranscodeJob, state JobState, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	js := JobStatus{Job: job, State: state, Message: msg}
	if state == JobDone || state == JobFailed || state == JobCancelled {
		js.Finished = time.Now()
	}
	t.jobs[job.RunID] = js
	t.message = msg
}

// pruneLocked forgets jobs that finished more than finishedJobRetention before now.
func (t *Transcoder) pruneLocked(now time.Time) {
	for runID, js := range t.jobs {
		if !js.Finished.IsZero() && now.Sub(js.Finished) > finishedJobRetention {
			delete(t.jobs, runID)
		}
	}
}
